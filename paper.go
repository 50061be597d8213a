package learner

import (
	"fmt"
	"strings"
)

// FileName returns the artifact name for a paper, derived from its source
// and identifier: ("arXiv", "2301.07041") -> "arxiv-2301.07041.pdf",
// ("IACR", "2016/260") -> "iacr-2016_260.pdf".
//
// Distinct identifiers always map to distinct names, also on
// case-insensitive filesystems: lower-case letters, digits, '.' and '-'
// are kept, '/' becomes '_', and every other byte is written as %xx.
func FileName(source Source, id, ext string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(source)))
	b.WriteByte('-')
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		case c == '/':
			b.WriteByte('_')
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	if ext != "" {
		b.WriteByte('.')
		b.WriteString(ext)
	}
	return b.String()
}

// slug folds a source and identifier into [a-z0-9._-]. It is lossy and
// only used where readability matters more than uniqueness.
func slug(source Source, id string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(source)))
	b.WriteByte('-')
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
