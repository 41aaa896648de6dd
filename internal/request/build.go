package request

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pitabwire/fabrica/model"
)

// Reserved field names routed to named request slots regardless of verb.
const (
	FieldHeaders = "headers"
	FieldCookies = "cookies"
	FieldParams  = "params"
	FieldJSON    = "json"
	FieldData    = "data"
	FieldFiles   = "files"
)

func reservedField(name string) bool {
	switch name {
	case FieldHeaders, FieldCookies, FieldParams, FieldJSON, FieldData, FieldFiles:
		return true
	}
	return false
}

// JoinURL joins a base URL with optional resource and method path segments,
// normalizing to exactly one separator between segments. A query string
// already present on the base URL is preserved.
func JoinURL(baseURL, resourcePath, path string) string {
	base := baseURL
	query := ""
	if i := strings.IndexByte(baseURL, '?'); i >= 0 {
		base, query = baseURL[:i], baseURL[i+1:]
	}

	parts := []string{strings.TrimRight(base, "/")}
	if p := strings.Trim(resourcePath, "/"); p != "" {
		parts = append(parts, p)
	}
	if p := strings.Trim(path, "/"); p != "" {
		parts = append(parts, p)
	}

	joined := strings.Join(parts, "/")
	if query != "" {
		joined += "?" + query
	}
	return joined
}

// Build assembles an outbound request from a verb, URL segments, and a flat
// field map. Fields partition by a fixed rule: the reserved names route to
// their named slot regardless of verb, non-reserved names route to query
// parameters for GET/HEAD/OPTIONS and into the body for the body-bearing
// verbs. Build is a pure function: the same inputs always produce the same
// request, and the fields map is never mutated.
func Build(verb, baseURL, path, resourcePath string, fields map[string]any) (*model.Request, error) {
	verb = strings.ToUpper(verb)
	req := model.NewRequest(verb, JoinURL(baseURL, resourcePath, path))

	loose := make(map[string]any)
	for name, value := range fields {
		if reservedField(name) {
			continue
		}
		loose[name] = value
	}

	if raw, ok := fields[FieldHeaders]; ok {
		headers, err := coerceStringMap(FieldHeaders, raw)
		if err != nil {
			return nil, err
		}
		req = req.WithHeaders(headers)
	}
	if raw, ok := fields[FieldCookies]; ok {
		cookies, err := coerceStringMap(FieldCookies, raw)
		if err != nil {
			return nil, err
		}
		req = req.WithCookies(cookies)
	}

	params := map[string]string{}
	if raw, ok := fields[FieldParams]; ok {
		explicit, err := coerceStringMap(FieldParams, raw)
		if err != nil {
			return nil, err
		}
		for k, v := range explicit {
			params[k] = v
		}
	}

	var body map[string]any
	if model.BodyVerb(verb) {
		body = loose
	} else {
		// Loose fields become query parameters and win over the explicit
		// params slot on conflicting keys.
		for k, v := range loose {
			params[k] = stringify(v)
		}
	}
	if len(params) > 0 {
		req = req.WithParams(params)
	}

	jsonBody, err := mergeJSONBody(fields[FieldJSON], body)
	if err != nil {
		return nil, err
	}
	if jsonBody != nil {
		req = req.WithJSON(jsonBody)
	}

	if raw, ok := fields[FieldData]; ok {
		data, err := coerceStringMap(FieldData, raw)
		if err != nil {
			return nil, err
		}
		out := req.Clone()
		out.Data = data
		req = out
	}
	if raw, ok := fields[FieldFiles]; ok {
		files, ok := raw.(map[string]model.FileUpload)
		if !ok {
			return nil, model.NewBadRequestError(fmt.Sprintf("field %q must be map[string]model.FileUpload, got %T", FieldFiles, raw))
		}
		out := req.Clone()
		out.Files = files
		req = out
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// mergeJSONBody combines the explicit json slot with loose body fields.
// Loose fields win on conflicting keys, mirroring the query parameter rule.
func mergeJSONBody(explicit any, loose map[string]any) (any, error) {
	if explicit == nil {
		if len(loose) == 0 {
			return nil, nil
		}
		return loose, nil
	}
	if len(loose) == 0 {
		return explicit, nil
	}
	base, ok := explicit.(map[string]any)
	if !ok {
		return nil, model.NewBadRequestError(
			fmt.Sprintf("cannot merge body fields into a non-object json slot of type %T", explicit))
	}
	merged := make(map[string]any, len(base)+len(loose))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range loose {
		merged[k] = v
	}
	return merged, nil
}

// ApplyMethodConfig applies a descriptor's statically declared headers,
// cookies, and timeout to a built request, honoring the merge modes. In
// merge mode the descriptor's entries win on conflicting keys; in overwrite
// mode they replace the slot entirely.
func ApplyMethodConfig(req *model.Request, desc *model.MethodDescriptor) *model.Request {
	out := req
	if len(desc.Headers) > 0 {
		if desc.HeaderMode == model.MergeModeOverwrite {
			cleared := out.Clone()
			cleared.Headers = nil
			out = cleared.WithHeaders(desc.Headers)
		} else {
			out = out.WithHeaders(desc.Headers)
		}
	}
	if len(desc.Cookies) > 0 {
		if desc.CookieMode == model.MergeModeOverwrite {
			cleared := out.Clone()
			cleared.Cookies = nil
			out = cleared.WithCookies(desc.Cookies)
		} else {
			out = out.WithCookies(desc.Cookies)
		}
	}
	if desc.Timeout > 0 {
		out = out.WithTimeout(desc.Timeout)
	}
	return out
}

// FullURL composes the request's final URL: the built URL plus any query
// parameters carried on the request, merged with a query string already on
// the URL.
func FullURL(req *model.Request) (string, error) {
	if len(req.Params) == 0 {
		return req.URL, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", model.NewBadRequestError(fmt.Sprintf("invalid request URL %q: %v", req.URL, err))
	}
	values := u.Query()
	for k, v := range req.Params {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// coerceStringMap converts a reserved slot value into a string map. YAML and
// JSON sources decode mappings as map[string]any; values are stringified.
func coerceStringMap(slot string, raw any) (map[string]string, error) {
	switch m := raw.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = stringify(v)
		}
		return out, nil
	default:
		return nil, model.NewBadRequestError(fmt.Sprintf("field %q must be a string map, got %T", slot, raw))
	}
}
