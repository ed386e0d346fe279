// Package fingerprint computes the stable query-shape hash used to key
// the plan cache (C4) and the interceptor's learned allow/block lists
// (C10): constants masked, text lowercased, and commutative clause order
// canonicalized, so two textually different executions of "the same
// query" collapse to one fingerprint. Identifiers are not quoted.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	stringLiteralRE = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberLiteralRE = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	whitespaceRE    = regexp.MustCompile(`\s+`)
	dollarParamRE   = regexp.MustCompile(`\$\d+`)
)

// Compute normalizes sql and returns its stable fingerprint: a short
// hex-encoded SHA-256 digest of the canonicalized shape.
func Compute(sqlText string) string {
	shape := Normalize(sqlText)
	sum := sha256.Sum256([]byte(shape))
	return hex.EncodeToString(sum[:])[:16]
}

// Normalize masks literal constants, collapses whitespace, lowercases
// the text, and sorts AND-joined predicate terms so that
// "a=1 AND b=2" and "b=2 AND a=1" normalize identically. It is
// intentionally a textual approximation rather than a full SQL parse —
// the daemon is not a query planner and only needs shape equivalence,
// not a faithful AST.
func Normalize(sqlText string) string {
	s := strings.TrimSpace(sqlText)
	s = dollarParamRE.ReplaceAllString(s, "?")
	s = stringLiteralRE.ReplaceAllString(s, "?")
	s = numberLiteralRE.ReplaceAllString(s, "?")
	s = whitespaceRE.ReplaceAllString(s, " ")
	s = strings.ToLower(s)

	if idx := strings.Index(s, " where "); idx >= 0 {
		head := s[:idx+len(" where ")]
		tail := s[idx+len(" where "):]
		clauseEnd := len(tail)
		for _, kw := range []string{" group by ", " order by ", " limit ", " having "} {
			if i := strings.Index(tail, kw); i >= 0 && i < clauseEnd {
				clauseEnd = i
			}
		}
		predicate, rest := tail[:clauseEnd], tail[clauseEnd:]
		s = head + canonicalizeAnd(predicate) + rest
	}
	return s
}

// canonicalizeAnd sorts top-level "AND"-joined terms alphabetically so
// commutative reorderings hash identically. It does not descend into
// nested parentheses or split on OR: the goal is masking/canonicalizing
// shape, not full boolean normal form.
func canonicalizeAnd(predicate string) string {
	if strings.Contains(predicate, "(") {
		return predicate
	}
	terms := strings.Split(predicate, " and ")
	for i := range terms {
		terms[i] = strings.TrimSpace(terms[i])
	}
	sort.Strings(terms)
	return strings.Join(terms, " and ")
}
