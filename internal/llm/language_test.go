package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLanguageDetector(t *testing.T) {
	d := NewLanguageDetector()

	tests := []struct {
		name string
		text string
		lang string
		want bool
	}{
		{"english matches english", "The deployment pipeline keeps failing whenever the cache is cold", "en", true},
		{"ukrainian matches ukrainian", "Розгортання постійно падає коли кеш ще не прогрітий після перезапуску", "uk", true},
		{"english does not match ukrainian", "The deployment pipeline keeps failing whenever the cache is cold", "uk", false},
		{"short text always matches", "Cache bug", "uk", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Matches(tt.text, tt.lang))
		})
	}
}

func TestDetectShortText(t *testing.T) {
	_, ok := NewLanguageDetector().Detect("one two three four")
	assert.False(t, ok)
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "Ukrainian", LanguageName("uk"))
	assert.Equal(t, "English", LanguageName("EN"))
	assert.Equal(t, "de", LanguageName("de"))
}
