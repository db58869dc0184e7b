package resolve

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// containsKeyword ищет ключевое слово с начала слова. Короткие ключи (до трёх символов)
// должны совпадать целиком, допускается только окончание "s".
func containsKeyword(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	short := utf8.RuneCountInString(keyword) <= 3
	offset := 0
	for {
		idx := strings.Index(text[offset:], keyword)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(keyword)
		if boundaryBefore(text, start) && (!short || boundaryAfter(text, end)) {
			return true
		}
		offset = start + 1
		if offset >= len(text) {
			return false
		}
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, size := utf8.DecodeRuneInString(text[i:])
	if !isWordRune(r) {
		return true
	}
	if r != 's' || i+size >= len(text) {
		return r == 's'
	}
	next, _ := utf8.DecodeRuneInString(text[i+size:])
	return !isWordRune(next)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(text, kw) {
			return true
		}
	}
	return false
}
