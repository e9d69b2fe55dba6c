package text

import (
	"fmt"
	"strings"
	"unicode"

	"kcopilot/backend/internal/corpus"
)

// Candidate is a chunk produced by Split, before it is embedded.
type Candidate struct {
	Ordinal int
	Text    string
	// Start and End are rune offsets of Text within the input.
	Start int
	End   int
	// Overlap is the number of leading runes of Text repeated from the
	// previous candidate.
	Overlap int
	Tokens  int
	// Lead and Trail hold whitespace runs around the candidate that were
	// too long to share a chunk with text. They are never embedded.
	Lead  string
	Trail string
}

// Body returns the input slice this candidate accounts for: Text without
// the overlap prefix, plus any Lead and Trail whitespace.
func (c Candidate) Body() string {
	return c.Lead + string([]rune(c.Text)[c.Overlap:]) + c.Trail
}

type Chunker struct {
	maxTokens     int
	overlapTokens int
}

func NewChunker(maxTokens, overlapTokens int) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive, got %d", corpus.ErrConfiguration, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", corpus.ErrConfiguration, overlapTokens, maxTokens)
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens}, nil
}

func (c *Chunker) MaxTokens() int     { return c.maxTokens }
func (c *Chunker) OverlapTokens() int { return c.overlapTokens }

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelWord
	levelChar
)

type span struct {
	start, end int
}

// Split cuts text into candidates of at most maxTokens each. It prefers
// paragraph boundaries, then sentence or line boundaries, then word
// boundaries, and splits on raw characters only when a single word is
// longer than a chunk. Every candidate after the first starts with up to
// overlapTokens of trailing context from its predecessor.
func (c *Chunker) Split(text string) []Candidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	r := []rune(text)
	maxChars := c.maxTokens * CharsPerToken
	overlapChars := c.overlapTokens * CharsPerToken

	// Segments never exceed the room left after a full overlap, so any
	// segment fits into a fresh chunk.
	var spans []span
	segment(r, 0, len(r), levelParagraph, maxChars-overlapChars, &spans)

	return pack(r, spans, maxChars, overlapChars)
}

func segment(r []rune, start, end int, lv level, budget int, out *[]span) {
	if end-start <= budget {
		*out = append(*out, span{start, end})
		return
	}
	if lv == levelChar {
		for i := start; i < end; i += budget {
			*out = append(*out, span{i, min(i+budget, end)})
		}
		return
	}

	prev := start
	for _, cut := range boundaries(r, start, end, lv) {
		segment(r, prev, cut, lv+1, budget, out)
		prev = cut
	}
	segment(r, prev, end, lv+1, budget, out)
}

// boundaries returns cut positions strictly inside (start, end). A cut is
// placed after the whitespace run that separates two units, so separators
// stay with the preceding unit.
func boundaries(r []rune, start, end int, lv level) []int {
	var cuts []int
	for i := start; i < end; {
		if !unicode.IsSpace(r[i]) {
			i++
			continue
		}
		j := i
		newlines := 0
		for j < end && unicode.IsSpace(r[j]) {
			if r[j] == '\n' {
				newlines++
			}
			j++
		}
		if i > start && j < end {
			switch lv {
			case levelParagraph:
				if newlines >= 2 {
					cuts = append(cuts, j)
				}
			case levelSentence:
				if newlines >= 1 || endsSentence(r, start, i) {
					cuts = append(cuts, j)
				}
			case levelWord:
				cuts = append(cuts, j)
			}
		}
		i = j
	}
	return cuts
}

func endsSentence(r []rune, start, i int) bool {
	k := i - 1
	for k >= start && strings.ContainsRune(`"')]”’`, r[k]) {
		k--
	}
	return k >= start && (r[k] == '.' || r[k] == '!' || r[k] == '?')
}

func pack(r []rune, spans []span, maxChars, overlapChars int) []Candidate {
	var out []Candidate

	textStart := spans[0].start
	bodyStart := textStart
	limit := maxChars
	size := 0

	// whitespace-only bodies fold into a neighbour
	var lead string
	emit := func(bodyEnd int) {
		if body := string(r[bodyStart:bodyEnd]); strings.TrimSpace(body) == "" {
			if len(out) > 0 {
				out[len(out)-1].Trail += body
			} else {
				lead += body
			}
			return
		}
		txt := string(r[textStart:bodyEnd])
		out = append(out, Candidate{
			Ordinal: len(out),
			Text:    txt,
			Start:   textStart,
			End:     bodyEnd,
			Overlap: bodyStart - textStart,
			Tokens:  EstimateTokens(txt),
			Lead:    lead,
		})
		lead = ""
	}

	for _, sp := range spans {
		n := sp.end - sp.start
		if size > 0 && size+n > limit {
			emit(sp.start)
			textStart = overlapStart(r, max(textStart, sp.start-overlapChars), sp.start)
			bodyStart = sp.start
			limit = maxChars - (bodyStart - textStart)
			size = 0
		}
		size += n
	}
	emit(spans[len(spans)-1].end)

	return out
}

// overlapStart picks where the overlap copied from r[lo:hi] begins, moving
// forward to the next word start when lo falls inside a word.
func overlapStart(r []rune, lo, hi int) int {
	if lo >= hi {
		return hi
	}
	p := lo
	if p > 0 && !unicode.IsSpace(r[p-1]) {
		q := p
		for q < hi && !unicode.IsSpace(r[q]) {
			q++
		}
		if q < hi {
			p = q
		}
	}
	for p < hi && unicode.IsSpace(r[p]) {
		p++
	}
	return p
}
