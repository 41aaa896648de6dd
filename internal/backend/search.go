package backend

import (
	"github.com/pitabwire/fabrica/model"
)

const (
	defaultHitsPath  = "hits"
	defaultTotalPath = "total"
)

// Search translates logical query parameters to a search service's wire
// names and extracts hits and a total count from its response envelope.
type Search struct {
	paramMap  map[string]string
	hitsPath  string
	totalPath string
}

var _ model.Backend = (*Search)(nil)

// NewSearch creates a search adapter. Parameters missing from paramMap
// keep their logical name; empty paths select "hits" and "total".
func NewSearch(paramMap map[string]string, hitsPath, totalPath string) *Search {
	if hitsPath == "" {
		hitsPath = defaultHitsPath
	}
	if totalPath == "" {
		totalPath = defaultTotalPath
	}
	return &Search{
		paramMap:  paramMap,
		hitsPath:  hitsPath,
		totalPath: totalPath,
	}
}

// Format renames the request's query parameters per the parameter map.
func (s *Search) Format(req *model.Request, data map[string]any) (*model.Request, error) {
	if len(req.Params) == 0 || len(s.paramMap) == 0 {
		return req, nil
	}

	params := make(map[string]string, len(req.Params))
	for name, value := range req.Params {
		wire, ok := s.paramMap[name]
		if !ok {
			wire = name
		}
		params[wire] = value
	}

	out := req.Clone()
	out.Params = params
	return out, nil
}

// Process extracts hits and total from the envelope. Non-2xx responses
// pass through untouched. A missing total degrades to nil rather than an
// error; missing hits is an error since the result would be meaningless.
func (s *Search) Process(resp *model.Response) (any, error) {
	if !resp.OK() {
		return resp, nil
	}

	hits, err := resp.Extract(s.hitsPath)
	if err != nil {
		return nil, err
	}
	total, err := resp.Extract(s.totalPath)
	if err != nil {
		total = nil
	}

	return map[string]any{
		"hits":  hits,
		"total": total,
	}, nil
}
