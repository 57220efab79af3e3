package llm

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// MinLanguageTokens is the shortest text (in whitespace tokens) whose
// language is checked. Shorter texts are too ambiguous to classify.
const MinLanguageTokens = 5

var detectable = map[whatlanggo.Lang]bool{
	whatlanggo.Eng: true,
	whatlanggo.Ukr: true,
	whatlanggo.Rus: true,
	whatlanggo.Deu: true,
	whatlanggo.Fra: true,
	whatlanggo.Spa: true,
	whatlanggo.Pol: true,
	whatlanggo.Ita: true,
	whatlanggo.Por: true,
}

// LanguageDetector classifies text by language using trigram statistics.
type LanguageDetector struct {
	options whatlanggo.Options
}

// NewLanguageDetector returns a detector restricted to the languages the
// pipeline is likely to see.
func NewLanguageDetector() *LanguageDetector {
	return &LanguageDetector{options: whatlanggo.Options{Whitelist: detectable}}
}

// Detect returns the ISO 639-1 code of text. ok is false when the text is
// shorter than MinLanguageTokens.
func (d *LanguageDetector) Detect(text string) (code string, ok bool) {
	if len(strings.Fields(text)) < MinLanguageTokens {
		return "", false
	}
	info := whatlanggo.DetectWithOptions(text, d.options)
	return info.Lang.Iso6391(), true
}

// Matches reports whether text is written in lang (ISO 639-1). Texts too
// short to classify always match.
func (d *LanguageDetector) Matches(text, lang string) bool {
	code, ok := d.Detect(text)
	if !ok {
		return true
	}
	return strings.EqualFold(code, lang)
}
