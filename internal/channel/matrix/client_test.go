package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessagePreservesRunes(t *testing.T) {
	msg := strings.Repeat("日本語のメッセージ", 300)
	chunks := splitMessage(msg, 1000)

	var rejoined string
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d contains a split rune", i)
		}
		if len(c) > 1000 {
			t.Fatalf("chunk %d is %d bytes, want <= 1000", i, len(c))
		}
		rejoined += c
	}
	if rejoined != msg {
		t.Fatal("chunks do not reassemble to the original message")
	}
}

func TestSplitMessageShortInput(t *testing.T) {
	chunks := splitMessage("short", 1000)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunks = %v", chunks)
	}
	if chunks := splitMessage("", 1000); len(chunks) != 0 {
		t.Fatalf("empty input produced %d chunks", len(chunks))
	}
}

func TestTruncatePreservesRunes(t *testing.T) {
	s := strings.Repeat("ü", 100)
	out := truncate(s, 101)
	if !utf8.ValidString(out) {
		t.Fatal("truncate split a rune")
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("truncated string %q missing ellipsis", out)
	}
}
