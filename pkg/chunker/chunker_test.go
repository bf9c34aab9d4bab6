package chunker

import (
	"errors"
	"strings"
	"testing"
)

func TestSplitShortTextReturnsSingleChunk(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog."

	chunks, err := Split(text, 1000, 100)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("single chunk text = %q, want input unchanged", chunks[0].Text)
	}
	if chunks[0].Start != 0 || chunks[0].End != len([]rune(text)) {
		t.Errorf("single chunk range = [%d, %d), want [0, %d)", chunks[0].Start, chunks[0].End, len([]rune(text)))
	}
}

func TestSplitEmptyText(t *testing.T) {
	chunks, err := Split("", 1000, 100)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if chunks != nil {
		t.Errorf("got %d chunks for empty text, want none", len(chunks))
	}
}

func TestSplitWhitespaceOnlyText(t *testing.T) {
	// Only truly empty input short-circuits; whitespace is still content and
	// keeps offsets aligned with the source document.
	text := "   \n\t "
	chunks, err := Split(text, 1000, 100)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("chunk text = %q, want input unchanged", chunks[0].Text)
	}
}

func TestSplitInvalidParams(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		overlap   int
		want      error
	}{
		{"zero chunk size", 0, 0, ErrInvalidChunkSize},
		{"negative chunk size", -5, 0, ErrInvalidChunkSize},
		{"negative overlap", 100, -1, ErrInvalidOverlap},
		{"overlap equals chunk size", 100, 100, ErrInvalidOverlap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Split("some text", tt.chunkSize, tt.overlap)
			if !errors.Is(err, tt.want) {
				t.Errorf("Split error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSplitLargeDocumentOverlap(t *testing.T) {
	// 250k characters with no natural boundaries forces hard cuts at the
	// chunk size, so the chunk count and overlaps are exactly predictable.
	text := strings.Repeat("a", 250000)

	chunks, err := Split(text, 100000, 2000)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Text
		tail := prev[len(prev)-2000:]
		if !strings.HasPrefix(chunks[i].Text, tail) {
			t.Errorf("chunk %d does not start with the last 2000 characters of chunk %d", i, i-1)
		}
	}

	// Stitching chunks back together minus the overlap recovers the input.
	var rebuilt strings.Builder
	rebuilt.WriteString(chunks[0].Text)
	for i := 1; i < len(chunks); i++ {
		rebuilt.WriteString(chunks[i].Text[2000:])
	}
	if rebuilt.String() != text {
		t.Error("stitched chunks do not reproduce the input text")
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	para := strings.Repeat("b", 95)
	text := para + "\n\n" + strings.Repeat("c", 200)

	chunks, err := Split(text, 100, 10)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Text, "\n\n") {
		t.Errorf("first chunk should end at the paragraph break, got trailing %q", chunks[0].Text[len(chunks[0].Text)-5:])
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	text := strings.Repeat("x", 45) + ". " + strings.Repeat("d", 200)

	chunks, err := Split(text, 50, 5)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	first := strings.TrimSpace(chunks[0].Text)
	if !strings.HasSuffix(first, ".") {
		t.Errorf("first chunk should end at the sentence terminator, got %q", first)
	}
}

func TestSplitChunkIndexesAndOrder(t *testing.T) {
	text := strings.Repeat("word and more text here. ", 500)

	chunks, err := Split(text, 300, 30)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}

	for i, chunk := range chunks {
		if chunk.Index != i {
			t.Errorf("chunk %d has Index %d", i, chunk.Index)
		}
		if chunk.ID == "" {
			t.Errorf("chunk %d has empty ID", i)
		}
		if i > 0 && chunk.Start >= chunk.End {
			t.Errorf("chunk %d has empty range [%d, %d)", i, chunk.Start, chunk.End)
		}
		if i > 0 && chunk.Start <= chunks[i-1].Start {
			t.Errorf("chunk %d start %d does not advance past previous start %d", i, chunk.Start, chunks[i-1].Start)
		}
	}
}
