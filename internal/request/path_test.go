package request

import (
	"errors"
	"testing"

	"github.com/pitabwire/fabrica/model"
)

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     []string
	}{
		{name: "none", template: "/users", want: nil},
		{name: "single", template: "/users/{id}", want: []string{"id"}},
		{name: "ordered", template: "/orgs/{org}/repos/{repo}", want: []string{"org", "repo"}},
		{name: "repeated counted once", template: "/{a}/{b}/{a}", want: []string{"a", "b"}},
		{name: "underscore names", template: "/items/{item_id}", want: []string{"item_id"}},
		{name: "empty braces ignored", template: "/items/{}", want: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Placeholders(tc.template)
			if len(got) != len(tc.want) {
				t.Fatalf("Placeholders(%q) = %v, want %v", tc.template, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("placeholder[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResolveArgsPositional(t *testing.T) {
	got := ResolveArgs("/orgs/{org}/repos/{repo}", []any{"acme", "widget"}, nil)

	if got["org"] != "acme" || got["repo"] != "widget" {
		t.Fatalf("resolved = %v, want org=acme repo=widget", got)
	}
}

func TestResolveArgsKeywordWins(t *testing.T) {
	// A keyword argument for a placeholder is never overwritten by a
	// positional one competing for the same slot.
	got := ResolveArgs("/users/{id}", []any{1}, map[string]any{"id": 2})

	if got["id"] != 2 {
		t.Fatalf("resolved id = %v, want keyword value 2", got["id"])
	}
}

func TestResolveArgsExcessDropped(t *testing.T) {
	got := ResolveArgs("/users/{id}", []any{7, 8, 9}, nil)

	if len(got) != 1 || got["id"] != 7 {
		t.Fatalf("resolved = %v, want only id=7", got)
	}
}

func TestResolveArgsDoesNotMutateInput(t *testing.T) {
	kwargs := map[string]any{"limit": 10}
	got := ResolveArgs("/users/{id}", []any{42}, kwargs)

	if _, ok := kwargs["id"]; ok {
		t.Fatal("input kwargs mutated by ResolveArgs")
	}
	if got["id"] != 42 || got["limit"] != 10 {
		t.Fatalf("resolved = %v, want id=42 limit=10", got)
	}
}

func TestResolveArgsNoPlaceholders(t *testing.T) {
	kwargs := map[string]any{"q": "books"}
	got := ResolveArgs("/search", []any{"ignored"}, kwargs)

	if len(got) != 1 || got["q"] != "books" {
		t.Fatalf("resolved = %v, want kwargs unchanged", got)
	}
}

func TestSubstitute(t *testing.T) {
	path, consumed, err := Substitute("/orgs/{org}/repos/{repo}", map[string]any{
		"org":  "acme",
		"repo": "widget",
		"page": 2,
	})
	if err != nil {
		t.Fatalf("Substitute returned error: %v", err)
	}
	if path != "/orgs/acme/repos/widget" {
		t.Errorf("path = %q, want /orgs/acme/repos/widget", path)
	}
	if len(consumed) != 2 || consumed[0] != "org" || consumed[1] != "repo" {
		t.Errorf("consumed = %v, want [org repo] in template order", consumed)
	}
}

func TestSubstituteEscapesValues(t *testing.T) {
	path, _, err := Substitute("/files/{name}", map[string]any{"name": "a b/c"})
	if err != nil {
		t.Fatalf("Substitute returned error: %v", err)
	}
	if path != "/files/a%20b%2Fc" {
		t.Errorf("path = %q, want escaped segment", path)
	}
}

func TestSubstituteIntegerValue(t *testing.T) {
	path, _, err := Substitute("/users/{id}", map[string]any{"id": 42})
	if err != nil {
		t.Fatalf("Substitute returned error: %v", err)
	}
	if path != "/users/42" {
		t.Errorf("path = %q, want /users/42", path)
	}
}

func TestSubstituteMissingParameter(t *testing.T) {
	_, _, err := Substitute("/users/{id}", map[string]any{})
	if err == nil {
		t.Fatal("expected error for unfilled placeholder")
	}
	if model.CodeOf(err) != model.ErrMissingPathParam {
		t.Fatalf("error code = %q, want %q", model.CodeOf(err), model.ErrMissingPathParam)
	}

	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		t.Fatal("expected an ErrorEnvelope")
	}
	if len(envelope.Details) != 1 || envelope.Details[0].Field != "id" {
		t.Fatalf("details = %v, want the missing key named", envelope.Details)
	}
}

func TestSubstituteNoPlaceholders(t *testing.T) {
	path, consumed, err := Substitute("/health", map[string]any{"verbose": true})
	if err != nil {
		t.Fatalf("Substitute returned error: %v", err)
	}
	if path != "/health" {
		t.Errorf("path = %q, want /health", path)
	}
	if len(consumed) != 0 {
		t.Errorf("consumed = %v, want none", consumed)
	}
}
