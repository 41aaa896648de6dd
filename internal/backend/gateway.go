package backend

import (
	"github.com/pitabwire/fabrica/internal/request"
	"github.com/pitabwire/fabrica/model"
)

const defaultTargetParam = "url"

// Gateway rewrites requests to pass through an API gateway: the original
// target URL, query included, travels as a single query parameter on the
// gateway endpoint. Process unwraps the gateway's response envelope.
type Gateway struct {
	endpoint    string
	targetParam string
	resultPath  string
}

var _ model.Backend = (*Gateway)(nil)

// NewGateway creates a gateway adapter. targetParam defaults to "url";
// an empty resultPath returns the parsed envelope whole.
func NewGateway(endpoint, targetParam, resultPath string) *Gateway {
	if targetParam == "" {
		targetParam = defaultTargetParam
	}
	return &Gateway{
		endpoint:    endpoint,
		targetParam: targetParam,
		resultPath:  resultPath,
	}
}

// Format redirects the request at the gateway endpoint, folding the
// original URL and its query parameters into the target parameter.
func (g *Gateway) Format(req *model.Request, data map[string]any) (*model.Request, error) {
	target, err := request.FullURL(req)
	if err != nil {
		return nil, err
	}

	out := req.Clone()
	out.URL = g.endpoint
	out.Params = map[string]string{g.targetParam: target}
	return out, nil
}

// Process unwraps the configured result path from the envelope. Non-2xx
// responses pass through untouched so callers can inspect the failure.
func (g *Gateway) Process(resp *model.Response) (any, error) {
	if !resp.OK() {
		return resp, nil
	}
	if g.resultPath == "" {
		if len(resp.Body) == 0 {
			return resp, nil
		}
		return resp.JSON()
	}
	return resp.Extract(g.resultPath)
}
