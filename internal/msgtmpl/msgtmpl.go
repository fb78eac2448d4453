// Package msgtmpl resolves placeholder tokens in message templates and picks
// a template variant per recipient.
package msgtmpl

import (
	"strings"

	"sendflow/internal/domain"
)

// Marker prefixes every generated body. The zero-width non-joiner lets
// downstream consumers tell auto-generated content from hand-typed text
// without the recipient seeing anything.
const Marker = "\u200c"

// Process replaces the built-in tokens and any tenant-defined {key} tokens
// with recipient/variable values. Both the English and the legacy Portuguese
// spellings of the built-ins are honored. Unmatched tokens stay verbatim.
func Process(msg string, vars []domain.Variable, c domain.Contact) string {
	out := msg
	for _, tok := range []struct{ token, value string }{
		{"{name}", c.Name},
		{"{nome}", c.Name},
		{"{email}", c.Email},
		{"{number}", c.Number},
		{"{numero}", c.Number},
	} {
		out = strings.ReplaceAll(out, tok.token, tok.value)
	}
	for _, v := range vars {
		out = strings.ReplaceAll(out, "{"+v.Key+"}", v.Value)
	}
	return out
}

// Mark prefixes a resolved body with the zero-width marker.
func Mark(body string) string {
	return Marker + body
}

// Variants filters out empty templates, preserving order.
func Variants(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

type intner interface {
	Intn(n int) int
}

// Pick returns a random non-empty variant. ok is false when every variant
// is empty.
func Pick(msgs []string, rng intner) (string, bool) {
	valid := Variants(msgs)
	if len(valid) == 0 {
		return "", false
	}
	return valid[rng.Intn(len(valid))], true
}
