package terminology

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns a case-folded, NFKC-normalized form of s with runs of
// whitespace collapsed to a single space.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
