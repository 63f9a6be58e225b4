package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskID(t *testing.T) {
	cases := map[string]string{
		"":           "****",
		"abcd":       "****",
		"abcde":      "ab*de",
		"0f6c1b2a-9": "0f******-9",
	}
	for in, want := range cases {
		assert.Equal(t, want, MaskID(in), "MaskID(%q)", in)
	}
}
