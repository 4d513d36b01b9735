package chunk

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitEmpty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\n", " \t\n "} {
		if chunks := Split(text, 100); len(chunks) != 0 {
			t.Errorf("Split(%q) returned %d chunks, want 0", text, len(chunks))
		}
	}
}

func TestSplitSingleParagraph(t *testing.T) {
	chunks := Split("Hello world.", 100)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Index != 0 {
		t.Errorf("Index = %d, want 0", chunks[0].Index)
	}
	if chunks[0].Text != "Hello world." {
		t.Errorf("Text = %q", chunks[0].Text)
	}
	if chunks[0].Hash != HashText("Hello world.") {
		t.Error("Hash does not match HashText of chunk text")
	}
}

func TestSplitPacksParagraphsGreedily(t *testing.T) {
	// Three 10-char paragraphs with a 25-char limit: first two pack together
	// (10+2+10=22), the third starts a new chunk.
	text := "aaaaaaaaaa\n\nbbbbbbbbbb\n\ncccccccccc"
	chunks := Split(text, 25)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Text != "aaaaaaaaaa\n\nbbbbbbbbbb" {
		t.Errorf("chunk 0 = %q", chunks[0].Text)
	}
	if chunks[1].Text != "cccccccccc" {
		t.Errorf("chunk 1 = %q", chunks[1].Text)
	}
}

func TestSplitHardSplitsOversizedParagraph(t *testing.T) {
	para := strings.Repeat("x", 25)
	chunks := Split(para, 10)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, want := range []int{10, 10, 5} {
		if got := utf8.RuneCountInString(chunks[i].Text); got != want {
			t.Errorf("chunk %d length = %d, want %d", i, got, want)
		}
		if chunks[i].Index != i {
			t.Errorf("chunk %d Index = %d", i, chunks[i].Index)
		}
	}
}

func TestSplitHardSplitRuneSafe(t *testing.T) {
	// Multi-byte runes must not be cut mid-sequence.
	para := strings.Repeat("日本語テキスト", 5) // 30 runes
	chunks := Split(para, 7)
	var rebuilt strings.Builder
	for _, c := range chunks {
		if !utf8.ValidString(c.Text) {
			t.Fatalf("chunk %d contains invalid UTF-8: %q", c.Index, c.Text)
		}
		if utf8.RuneCountInString(c.Text) > 7 {
			t.Errorf("chunk %d exceeds limit: %d runes", c.Index, utf8.RuneCountInString(c.Text))
		}
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.String() != para {
		t.Error("concatenated chunks do not reproduce the paragraph")
	}
}

func TestSplitNormalizesCRLF(t *testing.T) {
	unix := Split("one\n\ntwo", 100)
	windows := Split("one\r\n\r\ntwo", 100)
	if len(unix) != len(windows) {
		t.Fatalf("chunk counts differ: %d vs %d", len(unix), len(windows))
	}
	for i := range unix {
		if unix[i].Hash != windows[i].Hash {
			t.Errorf("chunk %d hash differs between line ending styles", i)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := "First paragraph here.\n\nSecond one, a bit longer than the first.\n\n" +
		strings.Repeat("long ", 100) + "\n\nTail."
	a := Split(text, 120)
	b := Split(text, 120)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitIndexesSequential(t *testing.T) {
	text := strings.Repeat("para\n\n", 20)
	chunks := Split(text, 12)
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has Index %d", i, c.Index)
		}
	}
}

func TestDiffDetectsChangedMiddleChunk(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Hash: "h0", Text: "a"},
		{Index: 1, Hash: "h1-new", Text: "b'"},
		{Index: 2, Hash: "h2", Text: "c"},
	}
	existing := map[int]string{0: "h0", 1: "h1", 2: "h2"}

	changed := Diff(existing, chunks)
	if len(changed) != 1 {
		t.Fatalf("got %d changed chunks, want 1", len(changed))
	}
	if changed[0].Index != 1 {
		t.Errorf("changed chunk Index = %d, want 1", changed[0].Index)
	}
}

func TestDiffAllNewWhenNoExisting(t *testing.T) {
	chunks := []Chunk{{Index: 0, Hash: "a"}, {Index: 1, Hash: "b"}}
	changed := Diff(nil, chunks)
	if len(changed) != 2 {
		t.Fatalf("got %d changed chunks, want 2", len(changed))
	}
}

func TestDiffNoChanges(t *testing.T) {
	chunks := []Chunk{{Index: 0, Hash: "a"}, {Index: 1, Hash: "b"}}
	existing := map[int]string{0: "a", 1: "b"}
	if changed := Diff(existing, chunks); len(changed) != 0 {
		t.Errorf("got %d changed chunks, want 0", len(changed))
	}
}

func TestDiffAscendingOrder(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, Chunk{Index: i, Hash: fmt.Sprintf("new-%d", i)})
	}
	existing := map[int]string{3: "new-3", 7: "new-7"}

	changed := Diff(existing, chunks)
	if len(changed) != 8 {
		t.Fatalf("got %d changed chunks, want 8", len(changed))
	}
	for i := 1; i < len(changed); i++ {
		if changed[i].Index <= changed[i-1].Index {
			t.Fatal("changed chunks not in ascending index order")
		}
	}
}

func TestHashTextStable(t *testing.T) {
	if HashText("abc") != HashText("abc") {
		t.Error("HashText not stable for identical input")
	}
	if HashText("abc") == HashText("abd") {
		t.Error("HashText collision for different input")
	}
	if len(HashText("")) != 64 {
		t.Errorf("HashText length = %d, want 64 hex chars", len(HashText("")))
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("short", 10); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}
	got := Preview(strings.Repeat("équipe ", 40), 16)
	if utf8.RuneCountInString(got) != 19 { // 16 runes + "..."
		t.Errorf("Preview length = %d runes", utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Preview missing ellipsis: %q", got)
	}
}
