package telegram

import "strings"

const messageLimit = 4096

// SplitMessage режет текст на сообщения в пределах лимита Telegram.
// Секции дайджеста (блоки через пустую строку) не разрываются, пока помещаются целиком;
// слишком длинная секция режется по строкам, слишком длинная строка по символам.
func SplitMessage(text string) []string {
	return splitLimit(strings.TrimSpace(text), messageLimit)
}

func splitLimit(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if runeLen(text) <= limit {
		return []string{text}
	}

	var (
		parts   []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if chunk := strings.Trim(current.String(), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		current.Reset()
		size = 0
	}
	add := func(piece, sep string) {
		n := runeLen(piece)
		if size > 0 && size+runeLen(sep)+n > limit {
			flush()
		}
		if size > 0 {
			current.WriteString(sep)
			size += runeLen(sep)
		}
		current.WriteString(piece)
		size += n
	}

	for _, block := range strings.Split(text, "\n\n") {
		block = strings.Trim(block, "\n")
		if block == "" {
			continue
		}
		if runeLen(block) <= limit {
			add(block, "\n\n")
			continue
		}
		flush()
		for _, line := range strings.Split(block, "\n") {
			for _, piece := range hardCut(line, limit) {
				add(piece, "\n")
			}
		}
		flush()
	}
	flush()
	return parts
}

func hardCut(line string, limit int) []string {
	runes := []rune(line)
	if len(runes) <= limit {
		return []string{line}
	}
	var out []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
