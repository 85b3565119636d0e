package textseg

import (
	"strings"
	"testing"
)

func TestSplitSentences_Basic(t *testing.T) {
	text := "The quick brown fox jumps. The lazy dog sleeps! Is it raining? Yes."
	sentences := SplitSentences(text)

	if len(sentences) != 4 {
		t.Fatalf("got %d sentences, want 4: %#v", len(sentences), sentences)
	}
	want := []string{
		"The quick brown fox jumps.",
		"The lazy dog sleeps!",
		"Is it raining?",
		"Yes.",
	}
	for i, s := range sentences {
		if s.Text != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, s.Text, want[i])
		}
		if text[s.Start:s.End] != s.Text {
			t.Errorf("sentence %d span [%d:%d] does not match text", i, s.Start, s.End)
		}
	}
}

func TestSplitSentences_Abbreviations(t *testing.T) {
	text := "Dr. Smith arrived at 9. He met Mr. Jones."
	sentences := SplitSentences(text)

	if len(sentences) != 2 {
		t.Fatalf("got %d sentences, want 2: %#v", len(sentences), sentences)
	}
	if !strings.HasPrefix(sentences[0].Text, "Dr. Smith") {
		t.Errorf("first sentence split inside abbreviation: %q", sentences[0].Text)
	}
	if sentences[1].Text != "He met Mr. Jones." {
		t.Errorf("second sentence = %q", sentences[1].Text)
	}
}

func TestSplitSentences_BlankLineEndsUnterminatedSentence(t *testing.T) {
	text := "A heading without punctuation\n\nThen a real sentence."
	sentences := SplitSentences(text)

	if len(sentences) != 2 {
		t.Fatalf("got %d sentences, want 2: %#v", len(sentences), sentences)
	}
	if sentences[0].Text != "A heading without punctuation" {
		t.Errorf("first sentence = %q", sentences[0].Text)
	}
}

func TestSplitSentences_Empty(t *testing.T) {
	if got := SplitSentences(""); got != nil {
		t.Errorf("SplitSentences(\"\") = %#v, want nil", got)
	}
	if got := SplitSentences("  \n\t "); got != nil {
		t.Errorf("SplitSentences(whitespace) = %#v, want nil", got)
	}
}

func TestSplitSentences_SpansAreMonotonic(t *testing.T) {
	text := "One. Two! Three?\n\nFour.\nFive is longer than the rest. Six."
	sentences := SplitSentences(text)

	prevEnd := 0
	for i, s := range sentences {
		if s.Start < prevEnd {
			t.Errorf("sentence %d starts at %d before previous end %d", i, s.Start, prevEnd)
		}
		if s.Start >= s.End {
			t.Errorf("sentence %d has empty span [%d:%d]", i, s.Start, s.End)
		}
		prevEnd = s.End
	}
}
