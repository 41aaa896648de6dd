// Package request holds the leaf utilities of the execution pipeline: path
// template resolution and outbound request construction.
package request

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pitabwire/fabrica/model"
)

// placeholderPattern matches one {name} path placeholder.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Placeholders returns the placeholder names appearing in template, in
// left-to-right order. Repeated names are reported once, at their first
// occurrence.
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// ResolveArgs maps positional arguments onto the template's placeholder
// names: the i-th argument is assigned to the i-th placeholder, but only
// when that name is not already present in kwargs. Explicit keyword
// arguments are never overwritten, and positionals beyond the placeholder
// count are silently dropped. With an empty template or no positionals the
// input map is returned unchanged. The input map is never mutated.
func ResolveArgs(template string, args []any, kwargs map[string]any) map[string]any {
	if template == "" || len(args) == 0 {
		return kwargs
	}
	names := Placeholders(template)
	if len(names) == 0 {
		return kwargs
	}

	out := make(map[string]any, len(kwargs)+len(args))
	for k, v := range kwargs {
		out[k] = v
	}
	for i, arg := range args {
		if i >= len(names) {
			break
		}
		if _, exists := out[names[i]]; exists {
			continue
		}
		out[names[i]] = arg
	}
	return out
}

// Substitute replaces every placeholder in template with the string form of
// the matching keyword argument, escaping values for safe use in a URL path.
// It fails with a MISSING_PATH_PARAMETER error naming the first placeholder
// that has no entry. The returned names list every placeholder in template
// order, regardless of how the value was supplied, so callers can strip them
// from further processing.
func Substitute(template string, kwargs map[string]any) (string, []string, error) {
	names := Placeholders(template)
	if len(names) == 0 {
		return template, nil, nil
	}

	path := template
	for _, name := range names {
		value, ok := kwargs[name]
		if !ok {
			return "", nil, model.NewMissingPathParamError(name)
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(stringify(value)))
	}
	return path, names, nil
}

// stringify renders a keyword value for path or query use.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
