package orchestrator

import (
	"strings"
	"unicode"
)

// abbreviations are trailing tokens that end in a period but aren't really
// sentence boundaries. Matched case-sensitively against the last word of a
// candidate sentence, punctuation included.
var abbreviations = map[string]bool{
	"Dr.": true, "Mr.": true, "Mrs.": true, "Ms.": true, "Prof.": true,
	"Sr.": true, "Jr.": true, "etc.": true, "i.e.": true, "e.g.": true,
	"vs.": true, "Inc.": true, "Ltd.": true, "Co.": true,
}

// SentenceSegmenter accumulates streamed LLM tokens and emits complete
// sentences as soon as they're safe to speak, so TTS can start before the
// full response has been generated. Ported from original_source's
// SentenceBuffer: a candidate boundary at '.', '?' or '!' is rejected when
// the preceding word is a known abbreviation, when it's a bare number
// ("3." in a list), or when the text after the boundary continues in
// lowercase — all signs the sentence isn't actually done. MinWords gates
// very short fragments from being flushed early; MarkFinal forces
// everything remaining out regardless of length.
type SentenceSegmenter struct {
	buffer    strings.Builder
	wordCount int
	minWords  int
	isFinal   bool
}

// NewSentenceSegmenter creates a segmenter requiring minWords words before a
// sentence boundary is emitted early (ignored once MarkFinal is called).
func NewSentenceSegmenter(minWords int) *SentenceSegmenter {
	if minWords < 1 {
		minWords = 1
	}
	return &SentenceSegmenter{minWords: minWords}
}

// AddToken appends a streamed token and returns a sentence to speak, if the
// accumulated buffer now ends on a valid boundary meeting the word-count
// gate (the word-count gate is waived once MarkFinal has been called; the
// boundary must still be valid).
func (s *SentenceSegmenter) AddToken(token string) (sentence string, ok bool) {
	s.buffer.WriteString(token)
	if strings.TrimSpace(token) != "" {
		s.wordCount += len(strings.Fields(token))
	}

	text := s.buffer.String()
	idx := lastSentenceBoundary(text)
	if idx < 0 {
		return "", false
	}

	candidate := text[:idx+1]
	after := text[idx+1:]

	if !isValidBoundary(candidate, after) {
		return "", false
	}

	wc := len(strings.Fields(candidate))
	if !s.isFinal && wc < s.minWords {
		return "", false
	}
	if s.isFinal && wc == 0 {
		return "", false
	}

	sentence = strings.TrimSpace(candidate)
	remainder := after
	s.buffer.Reset()
	s.buffer.WriteString(remainder)
	s.wordCount = len(strings.Fields(remainder))
	return sentence, sentence != ""
}

// MarkFinal signals no more tokens are coming. It retries a zero-length
// AddToken first (lets a trailing boundary flush under relaxed rules), then
// returns whatever remains in the buffer as a final forced sentence.
func (s *SentenceSegmenter) MarkFinal() (sentence string, ok bool) {
	s.isFinal = true
	if sent, ok := s.AddToken(""); ok {
		return sent, true
	}
	remaining := strings.TrimSpace(s.buffer.String())
	s.buffer.Reset()
	s.wordCount = 0
	if remaining == "" {
		return "", false
	}
	return remaining, true
}

// HasContent reports whether unflushed text remains in the buffer.
func (s *SentenceSegmenter) HasContent() bool {
	return strings.TrimSpace(s.buffer.String()) != ""
}

func lastSentenceBoundary(text string) int {
	idx := -1
	for i, r := range text {
		if r == '.' || r == '?' || r == '!' {
			idx = i
		}
	}
	return idx
}

func isValidBoundary(candidate, after string) bool {
	words := strings.Fields(candidate)
	if len(words) == 0 {
		return false
	}
	last := words[len(words)-1]

	if abbreviations[last] {
		return false
	}

	// A numeric literal like "Suite 204." isn't a sentence boundary either;
	// checked against the candidate's trailing three raw characters (not the
	// last word) to match original_source's potential_sentence[-3:].
	tail := []rune(candidate)
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	tailDigits := strings.ReplaceAll(string(tail), ".", "")
	if tailDigits != "" && isAllDigits(tailDigits) {
		return false
	}

	if after == "" {
		return true
	}
	r := []rune(after)[0]
	return unicode.IsUpper(r) || unicode.IsSpace(r)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
