package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"only whitespace", " \t\n\r\n ", ""},
		{"already clean", "Breach of contract.", "Breach of contract."},
		{"collapses runs", "Section  1.\n\n\tThe   parties", "Section 1. The parties"},
		{"trims", "\n  indemnity clause \t", "indemnity clause"},
		{"keeps casing and punctuation", "THE Lessee SHALL; (a) pay.", "THE Lessee SHALL; (a) pay."},
		{"drops artifacts", "\uFEFFterm\u00ADinate\u200B now\x00", "terminate now"},
		{"artifact between spaces", "a \u200B b", "a b"},
		{"unicode whitespace", "§ 12  Remedies", "§ 12 Remedies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"plain",
		"line one\nline two\r\n\r\nline three",
		"\t\tindented text\u200B with\x07bell",
		"a \u00AD b",
		"trailing space \n",
		"日本語 の  テキスト",
	}

	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}
