// Package integration exercises the full library surface end to end: YAML
// definitions compiled into a factory, invocations running the complete
// pipeline against a mock HTTP service, and bulk runs under every policy.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/fabrica"
	"github.com/pitabwire/fabrica/internal/config"
	"github.com/pitabwire/fabrica/model"
)

// Harness wires a factory against a MockAPI through a generated client
// definition. The default definition declares a "shop" client with an
// "orders" resource.
type Harness struct {
	t       *testing.T
	API     *MockAPI
	Factory *fabrica.Factory
}

// HarnessOption customizes the generated definition, the config, or the
// factory options before assembly.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	def         model.ClientDefinition
	cfg         *config.Config
	factoryOpts []fabrica.Option
	schemaDoc   string
	wiring      []func(apiURL string) HarnessOption
}

// WithWiring defers an option until the mock server's URL is known, for
// specs that must point at the server, such as gateway endpoints.
func WithWiring(fn func(apiURL string) HarnessOption) HarnessOption {
	return func(c *harnessConfig) { c.wiring = append(c.wiring, fn) }
}

// WithAuthSpec sets the client's auth definition.
func WithAuthSpec(a *model.AuthDefinition) HarnessOption {
	return func(c *harnessConfig) { c.def.Auth = a }
}

// WithBackendSpec sets the client's backend definition.
func WithBackendSpec(b *model.BackendDefinition) HarnessOption {
	return func(c *harnessConfig) { c.def.Backend = b }
}

// WithSessionSpec sets the client's session definition.
func WithSessionSpec(s *model.SessionDefinition) HarnessOption {
	return func(c *harnessConfig) { c.def.Session = s }
}

// WithEngineSpec sets the client's engine tuning.
func WithEngineSpec(e *model.EngineDefinition) HarnessOption {
	return func(c *harnessConfig) { c.def.Engine = e }
}

// WithMethodSpec appends a method to the named resource, creating the
// resource when absent.
func WithMethodSpec(resource string, m model.MethodDefinition) HarnessOption {
	return func(c *harnessConfig) {
		for i := range c.def.Resources {
			if c.def.Resources[i].Name == resource {
				c.def.Resources[i].Methods = append(c.def.Resources[i].Methods, m)
				return
			}
		}
		c.def.Resources = append(c.def.Resources, model.ResourceDefinition{
			Name:    resource,
			Methods: []model.MethodDefinition{m},
		})
	}
}

// WithSchemaDoc installs an OpenAPI document the definition's validate
// references resolve against. The document is written to a temp file and
// wired in as the client's schema.
func WithSchemaDoc(doc string) HarnessOption {
	return func(c *harnessConfig) { c.schemaDoc = doc }
}

// WithFactoryOptions forwards extra options to fabrica.New.
func WithFactoryOptions(opts ...fabrica.Option) HarnessOption {
	return func(c *harnessConfig) { c.factoryOpts = append(c.factoryOpts, opts...) }
}

// WithDefinition replaces the generated definition wholesale. The
// definition's base URL is still pointed at the mock API.
func WithDefinition(def model.ClientDefinition) HarnessOption {
	return func(c *harnessConfig) { c.def = def }
}

// NewHarness starts a mock API and assembles a factory whose "shop" client
// points at it.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	api := NewMockAPI(t)

	hc := &harnessConfig{
		def: defaultDefinition(),
		cfg: config.Defaults(),
	}
	for _, opt := range opts {
		opt(hc)
	}
	for _, fn := range hc.wiring {
		fn(api.URL())(hc)
	}
	hc.def.BaseURL = api.URL()

	if hc.schemaDoc != "" {
		schemaPath := filepath.Join(t.TempDir(), "schema.yaml")
		if err := os.WriteFile(schemaPath, []byte(hc.schemaDoc), 0o600); err != nil {
			t.Fatalf("writing schema: %v", err)
		}
		hc.def.Schema = schemaPath
	}

	factory, err := fabrica.New(hc.cfg, []model.ClientDefinition{hc.def}, hc.factoryOpts...)
	if err != nil {
		t.Fatalf("assembling factory: %v", err)
	}
	t.Cleanup(func() { _ = factory.Close() })

	return &Harness{t: t, API: api, Factory: factory}
}

// defaultDefinition is the baseline client the harness compiles: a "shop"
// client with list/get/create/cancel methods on an orders resource.
func defaultDefinition() model.ClientDefinition {
	return model.ClientDefinition{
		Client:  "shop",
		Version: "1.0.0",
		BaseURL: "placeholder",
		Headers: map[string]string{"X-Tenant": "acme"},
		Resources: []model.ResourceDefinition{
			{
				Name: "orders",
				Path: "/orders",
				Methods: []model.MethodDefinition{
					{Name: "list", Verb: "GET", Path: ""},
					{Name: "get", Verb: "GET", Path: "/{order_id}"},
					{Name: "create", Verb: "POST", Path: ""},
					{Name: "cancel", Verb: "DELETE", Path: "/{order_id}"},
				},
			},
		},
	}
}

// Bind resolves a method reference, failing the test on error.
func (h *Harness) Bind(ref string) *fabrica.Bound {
	h.t.Helper()
	bound, err := h.Factory.Bind(context.Background(), ref)
	if err != nil {
		h.t.Fatalf("binding %s: %v", ref, err)
	}
	return bound
}

// Call invokes a method reference with the given keyword arguments.
func (h *Harness) Call(ref string, kwargs map[string]any) (any, error) {
	h.t.Helper()
	return h.Bind(ref).Call(context.Background(), model.NewInvocation(kwargs))
}

// MustCall invokes a method reference and fails the test on error,
// returning the response.
func (h *Harness) MustCall(ref string, kwargs map[string]any) *model.Response {
	h.t.Helper()
	out, err := h.Call(ref, kwargs)
	if err != nil {
		h.t.Fatalf("calling %s: %v", ref, err)
	}
	resp, ok := out.(*model.Response)
	if !ok {
		h.t.Fatalf("calling %s returned %T, want *model.Response", ref, out)
	}
	return resp
}
