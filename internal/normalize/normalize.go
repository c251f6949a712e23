// Package normalize turns free-text line-item descriptions into stable
// matching keys for historical price comparison.
package normalize

import (
	"regexp"
	"strings"
)

// stopWords are filler and unit words that never affect product identity.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "from": {}, "per": {},
	"piece": {}, "pieces": {}, "unit": {}, "units": {},
	"item": {}, "items": {}, "pcs": {}, "nos": {}, "no": {}, "qty": {},
}

var (
	nonAlnumRe   = regexp.MustCompile(`[^a-z0-9\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// Key standardizes a line-item description for matching:
//  1. Lowercase and trim
//  2. Strip everything but letters, digits, and spaces
//  3. Drop stop words and single-character tokens
//  4. Collapse runs of whitespace
//
// Key is deterministic and idempotent: Key(Key(s)) == Key(s).
func Key(description string) string {
	s := strings.ToLower(strings.TrimSpace(description))
	if s == "" {
		return ""
	}

	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, skip := stopWords[w]; skip {
			continue
		}
		kept = append(kept, w)
	}

	return strings.Join(kept, " ")
}
