package chunker

// DocumentType selects an adaptive chunking profile.
type DocumentType string

const (
	// DocTypeProse is long-form text: larger chunks, lower overlap.
	DocTypeProse DocumentType = "prose"
	// DocTypeMarkdown is structured documentation.
	DocTypeMarkdown DocumentType = "markdown"
	// DocTypeCode is source code: small chunks, high overlap.
	DocTypeCode DocumentType = "code"
)

// ProfileFor returns the chunking options tuned for a document type.
// Unknown types get the prose profile.
func ProfileFor(docType DocumentType) Options {
	switch docType {
	case DocTypeCode:
		return Options{
			Strategy:                   StrategySentence,
			MaxTokens:                  200,
			MinTokens:                  50,
			OverlapTokens:              40,
			RespectParagraphBoundaries: true,
			FallbackToSentence:         true,
		}
	case DocTypeMarkdown:
		return Options{
			Strategy:                   StrategySentence,
			MaxTokens:                  350,
			MinTokens:                  80,
			OverlapTokens:              40,
			RespectParagraphBoundaries: true,
			RespectSectionBoundaries:   true,
			FallbackToSentence:         true,
		}
	default:
		return Options{
			Strategy:                   StrategySentence,
			MaxTokens:                  450,
			MinTokens:                  100,
			OverlapTokens:              45,
			RespectParagraphBoundaries: true,
			RespectSectionBoundaries:   true,
			FallbackToSentence:         true,
		}
	}
}
