package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageKeepsSectionsTogether(t *testing.T) {
	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 2000) + "\n" + strings.Repeat("c", 500)

	parts := SplitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("первая часть должна содержать только первую секцию")
	}
	if !strings.HasPrefix(parts[1], "b") || !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("вторая секция не должна разрываться")
	}
}

func TestSplitMessageCutsLongLines(t *testing.T) {
	parts := SplitMessage(strings.Repeat("x", messageLimit*2+10))
	if len(parts) != 3 {
		t.Fatalf("ожидали 3 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, n)
		}
	}
}

func TestSplitMessageShortAndEmpty(t *testing.T) {
	if parts := SplitMessage("hello world"); len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("короткий текст должен остаться одной частью: %q", parts)
	}
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой текст не даёт частей, получили %d", len(parts))
	}
}
