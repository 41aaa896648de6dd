package bulk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pitabwire/fabrica/model"
)

// Comparison operators accepted by error predicates, longest first so the
// two-character forms match before their one-character prefixes.
var predicateOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// CompilePredicate compiles a compact comparison expression into an error
// predicate. The expression classifies successful outcomes; failures are
// always errors and skips never are, matching the default predicate.
// Supported forms:
//   - status <op> <integer>  — compares the response status code
//   - ok == true|false       — tests the response's ok flag (2xx)
//
// where <op> is one of ==, !=, <, <=, >, >=.
func CompilePredicate(expr string) (model.ErrorPredicate, error) {
	field, op, literal, err := splitPredicate(expr)
	if err != nil {
		return nil, err
	}

	switch field {
	case "status":
		want, convErr := strconv.Atoi(literal)
		if convErr != nil {
			return nil, model.NewBadRequestError(fmt.Sprintf("predicate %q: status comparison needs an integer, got %q", expr, literal))
		}
		return func(o model.Outcome) bool {
			switch o.Status {
			case model.OutcomeFailure:
				return true
			case model.OutcomeSkipped:
				return false
			}
			resp, ok := o.Value.(*model.Response)
			if !ok {
				return false
			}
			return compareInt(resp.StatusCode, op, want)
		}, nil

	case "ok":
		if op != "==" && op != "!=" {
			return nil, model.NewBadRequestError(fmt.Sprintf("predicate %q: ok supports only == and !=", expr))
		}
		want, convErr := strconv.ParseBool(literal)
		if convErr != nil {
			return nil, model.NewBadRequestError(fmt.Sprintf("predicate %q: ok comparison needs true or false, got %q", expr, literal))
		}
		return func(o model.Outcome) bool {
			switch o.Status {
			case model.OutcomeFailure:
				return true
			case model.OutcomeSkipped:
				return false
			}
			got := true
			if resp, isResp := o.Value.(*model.Response); isResp {
				got = resp.OK()
			}
			if op == "==" {
				return got == want
			}
			return got != want
		}, nil
	}

	return nil, model.NewBadRequestError(fmt.Sprintf("predicate %q: unknown field %q", expr, field))
}

// splitPredicate breaks "field op literal" into its three parts.
func splitPredicate(expr string) (field, op, literal string, err error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", "", "", model.NewBadRequestError("empty error predicate")
	}

	for _, candidate := range predicateOps {
		idx := strings.Index(trimmed, candidate)
		if idx < 0 {
			continue
		}
		field = strings.TrimSpace(trimmed[:idx])
		literal = strings.TrimSpace(trimmed[idx+len(candidate):])
		if field == "" || literal == "" {
			return "", "", "", model.NewBadRequestError(fmt.Sprintf("malformed predicate %q", expr))
		}
		return field, candidate, literal, nil
	}
	return "", "", "", model.NewBadRequestError(fmt.Sprintf("predicate %q has no comparison operator", expr))
}

// compareInt applies a comparison operator to two integers.
func compareInt(a int, op string, b int) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}
