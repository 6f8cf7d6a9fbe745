package telegram

import (
	"strings"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key := keyFor(-10012345)
	if key != "telegram:-10012345" {
		t.Fatalf("keyFor = %q", key)
	}
	id, err := chatFromKey(key)
	if err != nil || id != -10012345 {
		t.Fatalf("chatFromKey = %d, %v", id, err)
	}
	if _, err := chatFromKey("no-separator"); err == nil {
		t.Fatal("malformed key should error")
	}
}

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line of output\n", 40)
	chunks := splitText(text, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, c)
		}
		// Every chunk should end on a complete line.
		if !strings.HasSuffix(c, "output") {
			t.Fatalf("chunk %d split mid-line: %q", i, c)
		}
	}
	if joined := strings.Join(chunks, "\n") + "\n"; joined != text {
		t.Fatalf("content lost in split")
	}
}

func TestSplitTextNoNewlines(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitText(text, 100)
	total := 0
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk over limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("total = %d, want 250", total)
	}
}
