package chunker

import (
	"errors"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrInvalidChunkSize = errors.New("chunker: chunk size must be positive")
	ErrInvalidOverlap   = errors.New("chunker: overlap must be non-negative and smaller than chunk size")
)

// Chunk is one bounded segment of a document. Start and End are rune offsets
// into the source text; when overlap is in use the ranges of adjacent chunks
// intersect by exactly that many runes.
type Chunk struct {
	ID    string
	Index int
	Start int
	End   int
	Text  string
}

// Split cuts text into ordered chunks of at most chunkSize runes, each chunk
// after the first starting with the trailing overlap runes of its
// predecessor so entities spanning a boundary appear whole in at least one
// chunk. Cuts prefer natural boundaries: paragraph break, then line break,
// then sentence terminator, then word boundary, falling back to a hard cut.
// Deterministic apart from the generated chunk IDs.
func Split(text string, chunkSize, overlap int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, ErrInvalidOverlap
	}

	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	if len(runes) <= chunkSize {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		return []Chunk{{
			ID:    id,
			Index: 0,
			Start: 0,
			End:   len(runes),
			Text:  text,
		}}, nil
	}

	var chunks []Chunk
	start := 0

	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = findCutPoint(runes, start, end)
		}

		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			ID:    id,
			Index: len(chunks),
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})

		if end >= len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			// Forward progress beats exact overlap when a boundary cut
			// landed inside the overlap region.
			next = start + 1
		}
		start = next
	}

	return chunks, nil
}

// findCutPoint searches backwards from the hard limit for the best boundary,
// confined to the trailing tenth of the chunk so a boundary-poor document
// still makes near-full-size progress.
func findCutPoint(runes []rune, start, limit int) int {
	window := (limit - start) / 10
	if window < 1 {
		return limit
	}
	floor := limit - window
	if floor <= start {
		floor = start + 1
	}

	if cut := lastParagraphBreak(runes, floor, limit); cut > 0 {
		return cut
	}
	if cut := lastLineBreak(runes, floor, limit); cut > 0 {
		return cut
	}
	if cut := lastSentenceEnd(runes, floor, limit); cut > 0 {
		return cut
	}
	if cut := lastWordBreak(runes, floor, limit); cut > 0 {
		return cut
	}
	return limit
}

func lastParagraphBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	return 0
}

func lastLineBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i >= floor; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

func lastSentenceEnd(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		if isSpace(runes[i]) && isSentenceTerminator(runes[i-1]) {
			return i + 1
		}
	}
	return 0
}

func lastWordBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i >= floor; i-- {
		if isSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
