package jsonconn

import "strings"

// maxLabelValue caps label keys and values before embedding.
const maxLabelValue = 2048

// Sanitize makes raw text safe for embedding inside a double-quoted JSON
// string: control bytes become '_', quote and backslash are escaped, and the
// input is truncated after max source bytes. It is total over any input.
func Sanitize(s string, max int) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s) && i < max; i++ {
		c := s[i]
		switch {
		case c < 0x20:
			b.WriteByte('_')
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
