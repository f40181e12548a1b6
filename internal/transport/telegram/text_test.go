package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortPassthrough(t *testing.T) {
	t.Parallel()
	parts := splitMessage("hello")
	if len(parts) != 1 || parts[0] != "hello" {
		t.Fatalf("parts = %v", parts)
	}
}

func TestSplitMessageChunksAtLimit(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", maxMessageLen+100)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if len([]rune(parts[0])) != maxMessageLen {
		t.Fatalf("first chunk = %d runes", len([]rune(parts[0])))
	}
	if rejoined := parts[0] + parts[1]; rejoined != long {
		t.Fatal("content lost while splitting")
	}
}

func TestSplitMessagePrefersNewlineBoundary(t *testing.T) {
	t.Parallel()
	para := strings.Repeat("b", maxMessageLen-10)
	long := para + "\n" + strings.Repeat("c", 200)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if parts[0] != para {
		t.Fatalf("first chunk did not break on the newline: %d runes", len([]rune(parts[0])))
	}
	if !strings.HasPrefix(parts[1], "c") {
		t.Fatalf("second chunk starts with %q", parts[1][:1])
	}
}

func TestSplitMessageMultibyteSafe(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", maxMessageLen+5)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	for i, p := range parts {
		if strings.ContainsRune(p, '�') {
			t.Fatalf("part %d contains a broken rune", i)
		}
	}
}
