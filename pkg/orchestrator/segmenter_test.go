package orchestrator

import "testing"

func feedTokens(s *SentenceSegmenter, tokens []string) []string {
	var sentences []string
	for _, tok := range tokens {
		if sentence, ok := s.AddToken(tok); ok {
			sentences = append(sentences, sentence)
		}
	}
	return sentences
}

func TestSentenceSegmenter_SplitsOnSentenceBoundaries(t *testing.T) {
	s := NewSentenceSegmenter(1)
	sentences := feedTokens(s, splitKeepingSpace("Dr. Smith arrived. Then he left."))
	if sent, ok := s.MarkFinal(); ok {
		sentences = append(sentences, sent)
	}

	want := []string{"Dr. Smith arrived.", "Then he left."}
	if len(sentences) != len(want) {
		t.Fatalf("got %d sentences %v, want %v", len(sentences), sentences, want)
	}
	for i, w := range want {
		if sentences[i] != w {
			t.Errorf("sentence %d: got %q, want %q", i, sentences[i], w)
		}
	}
}

// TestSentenceSegmenter_AbbreviationNeverTruncatesFinalOutput reproduces the
// regression where a residual buffer ending in a known abbreviation's
// period would be emitted truncated at finalize, discarding the rest of
// the response.
func TestSentenceSegmenter_AbbreviationNeverTruncatesFinalOutput(t *testing.T) {
	s := NewSentenceSegmenter(1)
	feedTokens(s, splitKeepingSpace("Please see Dr. Smith for your results"))

	sentence, ok := s.MarkFinal()
	if !ok {
		t.Fatal("expected MarkFinal to flush the residual buffer")
	}
	want := "Please see Dr. Smith for your results"
	if sentence != want {
		t.Errorf("got %q, want %q", sentence, want)
	}
}

// TestSentenceSegmenter_MinWordsGateRelaxedOnlyAtFinal checks a short
// trailing fragment is held back before MarkFinal but flushed once final.
func TestSentenceSegmenter_MinWordsGateRelaxedOnlyAtFinal(t *testing.T) {
	s := NewSentenceSegmenter(10)
	sentences := feedTokens(s, splitKeepingSpace("Okay."))
	if len(sentences) != 0 {
		t.Fatalf("expected no early sentence under the min-words gate, got %v", sentences)
	}

	sentence, ok := s.MarkFinal()
	if !ok {
		t.Fatal("expected MarkFinal to flush the short remaining sentence")
	}
	if sentence != "Okay." {
		t.Errorf("got %q, want %q", sentence, "Okay.")
	}
}

// TestSentenceSegmenter_NumericLiteralIsNotABoundary checks the trailing
// three-raw-character numeric check, not a whole-word check: a word longer
// than three characters ending in digits should still reject the boundary.
func TestSentenceSegmenter_NumericLiteralIsNotABoundary(t *testing.T) {
	s := NewSentenceSegmenter(1)
	sentences := feedTokens(s, splitKeepingSpace("Please go to Suite204. It is on the left."))
	if sentence, ok := s.MarkFinal(); ok {
		sentences = append(sentences, sentence)
	}

	want := "Please go to Suite204. It is on the left."
	if len(sentences) != 1 {
		t.Fatalf("expected one sentence with no split after Suite204., got %q", sentences)
	}
	if sentences[0] != want {
		t.Errorf("got %q, want %q", sentences[0], want)
	}
}

func TestSentenceSegmenter_HasContentReflectsUnflushedBuffer(t *testing.T) {
	s := NewSentenceSegmenter(1)
	if s.HasContent() {
		t.Fatal("expected empty segmenter to have no content")
	}
	feedTokens(s, splitKeepingSpace("still thinking"))
	if !s.HasContent() {
		t.Fatal("expected unflushed tokens to count as content")
	}
}
