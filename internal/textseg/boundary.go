package textseg

import (
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Paragraph is a block of text delimited by blank lines or block markup.
type Paragraph struct {
	Index     int
	StartChar int
	EndChar   int
}

// Section is a heading-delimited region. EndChar is the next section's
// StartChar; the last section ends at document end.
type Section struct {
	Title     string
	Level     int
	Index     int
	StartChar int
	EndChar   int
}

var (
	htmlHeadingRe = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	// Numbered headings like "1. Overview", "2.3 Details" on their own line.
	numberedHeadingRe = regexp.MustCompile(`(?m)^(\d+(?:\.\d+)*)[.)]?[ \t]+(\S[^\n]*)$`)
)

// markdownParser is stateless after construction and safe to share.
var markdownParser = goldmark.New()

// DetectParagraphs splits text into paragraphs on blank-line runs.
// Empty text yields an empty list, never an error.
func DetectParagraphs(text string) []Paragraph {
	var paragraphs []Paragraph
	pos := skipSpace(text, 0)

	for pos < len(text) {
		end := nextBlankLine(text, pos)
		contentEnd := pos + lastNonSpace(text[pos:end])
		if contentEnd > pos {
			paragraphs = append(paragraphs, Paragraph{
				Index:     len(paragraphs),
				StartChar: pos,
				EndChar:   contentEnd,
			})
		}
		pos = skipSpace(text, end)
	}

	return paragraphs
}

// DetectSections finds heading-delimited sections: markdown headings via the
// goldmark AST, HTML h1..h6 tags, and numbered-heading lines. Results are
// ordered by position. Empty text yields an empty list.
func DetectSections(text string) []Section {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sections := markdownSections(text)
	sections = append(sections, htmlSections(text)...)
	sections = append(sections, numberedSections(text)...)

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].StartChar < sections[j].StartChar
	})

	// Drop duplicates from overlapping detectors (same start offset).
	deduped := sections[:0]
	for _, s := range sections {
		if len(deduped) > 0 && deduped[len(deduped)-1].StartChar == s.StartChar {
			continue
		}
		deduped = append(deduped, s)
	}
	sections = deduped

	for i := range sections {
		sections[i].Index = i
		if i+1 < len(sections) {
			sections[i].EndChar = sections[i+1].StartChar
		} else {
			sections[i].EndChar = len(text)
		}
	}

	return sections
}

// SectionAt returns the index of the section containing pos, or -1.
func SectionAt(sections []Section, pos int) int {
	for i := len(sections) - 1; i >= 0; i-- {
		if pos >= sections[i].StartChar {
			return i
		}
	}
	return -1
}

func markdownSections(text string) []Section {
	source := []byte(text)
	doc := markdownParser.Parser().Parse(gmtext.NewReader(source))

	var sections []Section
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		heading := n.(*ast.Heading)
		if heading.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := heading.Lines().At(0)
		sections = append(sections, Section{
			Title:     string(heading.Text(source)),
			Level:     heading.Level,
			StartChar: lineStart(text, seg.Start),
		})
		return ast.WalkContinue, nil
	})
	return sections
}

func htmlSections(text string) []Section {
	var sections []Section
	for _, m := range htmlHeadingRe.FindAllStringSubmatchIndex(text, -1) {
		level := int(text[m[2]] - '0')
		title := strings.TrimSpace(text[m[4]:m[5]])
		sections = append(sections, Section{
			Title:     title,
			Level:     level,
			StartChar: m[0],
		})
	}
	return sections
}

func numberedSections(text string) []Section {
	var sections []Section
	for _, m := range numberedHeadingRe.FindAllStringSubmatchIndex(text, -1) {
		numbering := text[m[2]:m[3]]
		title := strings.TrimSpace(text[m[4]:m[5]])
		// Prose sentences also start with "1. "; require a short title line
		// without terminal punctuation to count as a heading.
		if len(title) > 80 || strings.HasSuffix(title, ".") {
			continue
		}
		sections = append(sections, Section{
			Title:     title,
			Level:     strings.Count(numbering, ".") + 1,
			StartChar: m[0],
		})
	}
	return sections
}

// lineStart walks back from pos to the start of its line, so a section span
// includes the heading markers themselves.
func lineStart(text string, pos int) int {
	for pos > 0 && text[pos-1] != '\n' {
		pos--
	}
	return pos
}

func nextBlankLine(text string, pos int) int {
	for i := pos; i < len(text); i++ {
		if text[i] == '\n' && blankLineAt(text, i) {
			return i
		}
	}
	return len(text)
}
