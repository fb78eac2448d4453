package msgtmpl

import (
	"math/rand"
	"strings"
	"testing"

	"sendflow/internal/domain"
)

func TestProcess(t *testing.T) {
	t.Parallel()
	contact := domain.Contact{Name: "Ana", Email: "ana@example.com", Number: "5511999990000"}

	tests := []struct {
		name string
		msg  string
		vars []domain.Variable
		want string
	}{
		{
			name: "builtin and custom variable",
			msg:  "Hello {nome}, your code is {code}",
			vars: []domain.Variable{{Key: "code", Value: "42"}},
			want: "Hello Ana, your code is 42",
		},
		{
			name: "english builtins",
			msg:  "{name} <{email}> {number}",
			want: "Ana <ana@example.com> 5511999990000",
		},
		{
			name: "unmatched token left verbatim",
			msg:  "Hi {name}, ref {order}",
			want: "Hi Ana, ref {order}",
		},
		{
			name: "repeated token",
			msg:  "{nome} {nome}",
			want: "Ana Ana",
		},
		{
			name: "no tokens",
			msg:  "plain text",
			want: "plain text",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Process(tt.msg, tt.vars, contact); got != tt.want {
				t.Fatalf("Process() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMark(t *testing.T) {
	t.Parallel()
	got := Mark("hello")
	if !strings.HasPrefix(got, Marker) {
		t.Fatal("marked body missing zero-width prefix")
	}
	if strings.TrimPrefix(got, Marker) != "hello" {
		t.Fatalf("marked body mangled: %q", got)
	}
}

func TestPick(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))

	msgs := []string{"", "variant a", "  ", "variant b"}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		m, ok := Pick(msgs, rng)
		if !ok {
			t.Fatal("expected a variant")
		}
		seen[m] = true
	}
	if seen[""] || seen["  "] {
		t.Fatal("picked an empty variant")
	}
	if !seen["variant a"] || !seen["variant b"] {
		t.Fatalf("expected both variants over 50 picks, got %v", seen)
	}

	if _, ok := Pick([]string{"", "   "}, rng); ok {
		t.Fatal("expected no variant from all-empty input")
	}
}
