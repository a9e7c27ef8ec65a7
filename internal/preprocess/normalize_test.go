package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Hello, World!":          "hello world !",
		"  Where are you?  ":     "where are you ?",
		"Café crème... oui.":     "cafe creme . . . oui .",
		"I don't know":           "i don't know",
		"tabs\tand\nnewlines":    "tabs and newlines",
		"-- ## --":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"how", "are", "you", "?"}, Tokenize("How are you?"))
	assert.Empty(t, Tokenize("   "))
}
