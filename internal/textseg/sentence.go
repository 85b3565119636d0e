// Package textseg finds sentence, paragraph and section boundaries in raw
// text. All spans are byte offsets into the original input so downstream
// chunking can slice the source without copying or re-aligning.
package textseg

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentence is a span of the input holding one sentence.
type Sentence struct {
	Text  string
	Start int
	End   int
}

// abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true, "etc": true,
	"e.g": true, "i.e": true, "cf": true, "al": true, "fig": true,
	"no": true, "vol": true, "approx": true,
}

// SplitSentences splits text into sentence spans. A sentence ends at
// terminal punctuation followed by whitespace, at a blank line, or at end
// of input. Offsets index into the original text.
func SplitSentences(text string) []Sentence {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var sentences []Sentence
	start := skipSpace(text, 0)

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])

		switch {
		case r == '.' || r == '!' || r == '?':
			end := i + size
			// Consume closing quotes and brackets that belong to the sentence.
			for end < len(text) {
				nr, nsize := utf8.DecodeRuneInString(text[end:])
				if nr == '"' || nr == '\'' || nr == ')' || nr == ']' || nr == '”' {
					end += nsize
					continue
				}
				break
			}
			if r == '.' && isAbbreviation(text[:i]) {
				i = end
				continue
			}
			if end < len(text) && !isBoundaryFollower(text, end) {
				i = end
				continue
			}
			if end > start {
				sentences = append(sentences, Sentence{Text: text[start:end], Start: start, End: end})
			}
			i = end
			start = skipSpace(text, end)

		case r == '\n' && i > start && blankLineAt(text, i):
			if trimmed := strings.TrimSpace(text[start:i]); trimmed != "" {
				end := start + lastNonSpace(text[start:i])
				sentences = append(sentences, Sentence{Text: text[start:end], Start: start, End: end})
			}
			i += size
			start = skipSpace(text, i)

		default:
			i += size
		}
	}

	if start < len(text) {
		if trimmed := strings.TrimSpace(text[start:]); trimmed != "" {
			end := start + lastNonSpace(text[start:])
			sentences = append(sentences, Sentence{Text: text[start:end], Start: start, End: end})
		}
	}

	return sentences
}

// isBoundaryFollower reports whether the text after a terminator looks like
// the start of a new sentence: whitespace then an uppercase letter, digit,
// opening quote, or markup.
func isBoundaryFollower(text string, pos int) bool {
	r, _ := utf8.DecodeRuneInString(text[pos:])
	if !unicode.IsSpace(r) {
		return false
	}
	next := skipSpace(text, pos)
	if next >= len(text) {
		return true
	}
	nr, _ := utf8.DecodeRuneInString(text[next:])
	return unicode.IsUpper(nr) || unicode.IsDigit(nr) ||
		nr == '"' || nr == '\'' || nr == '(' || nr == '[' || nr == '#' ||
		nr == '“' || nr == '-' || nr == '*' || nr == '`' || nr == '<'
}

// isAbbreviation reports whether the text before a period ends with a known
// abbreviation or a single initial ("J.").
func isAbbreviation(before string) bool {
	i := len(before)
	for i > 0 {
		r, size := utf8.DecodeLastRuneInString(before[:i])
		if unicode.IsSpace(r) {
			break
		}
		i -= size
	}
	word := strings.ToLower(strings.TrimRight(before[i:], "."))
	if word == "" {
		return false
	}
	if abbreviations[word] {
		return true
	}
	// Single initial like "J." in "J. Smith".
	return len(word) == 1 && word[0] >= 'a' && word[0] <= 'z'
}

func blankLineAt(text string, pos int) bool {
	i := pos + 1
	for i < len(text) {
		switch text[i] {
		case ' ', '\t', '\r':
			i++
		case '\n':
			return true
		default:
			return false
		}
	}
	return false
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		r, size := utf8.DecodeRuneInString(text[pos:])
		if !unicode.IsSpace(r) {
			return pos
		}
		pos += size
	}
	return pos
}

func lastNonSpace(s string) int {
	end := len(s)
	for end > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:end])
		if !unicode.IsSpace(r) {
			return end
		}
		end -= size
	}
	return end
}
