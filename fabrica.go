// Package fabrica builds and executes HTTP requests on behalf of
// declaratively defined API clients. Client definitions are loaded from
// YAML, compiled into an immutable registry, and exposed through a Factory
// that hands out bound methods: one call runs the full request pipeline,
// and batches of calls run under a bulk execution policy.
package fabrica

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/fabrica/internal/auth"
	"github.com/pitabwire/fabrica/internal/backend"
	"github.com/pitabwire/fabrica/internal/bulk"
	"github.com/pitabwire/fabrica/internal/config"
	"github.com/pitabwire/fabrica/internal/definition"
	"github.com/pitabwire/fabrica/internal/engine"
	"github.com/pitabwire/fabrica/internal/observability"
	"github.com/pitabwire/fabrica/internal/pipeline"
	"github.com/pitabwire/fabrica/internal/session"
	"github.com/pitabwire/fabrica/internal/validate"
	"github.com/pitabwire/fabrica/model"
)

// Factory assembles clients from compiled definitions and runs invocations
// through the pipeline, alone or in bulk. A Factory is safe for concurrent
// use; build one per process and share it.
type Factory struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	registry *definition.Registry
	engines  *engine.Registry
	executor *pipeline.Executor

	orchestrator *bulk.Orchestrator

	transforms *definition.TransformSet
	transport  model.Transport
	store      model.Store
	auths      map[string]model.AuthProvider
	backends   map[string]model.Backend
	observers  []pipeline.Observer

	mu      sync.Mutex
	clients map[string]*Client
}

// Option configures optional Factory collaborators. Every shipped
// collaborator can be replaced through one of these; the interfaces in
// model are the only coupling point.
type Option func(*Factory)

// WithLogger sets the factory's logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics enables invocation and bulk run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithTransforms registers the pre and post transforms definitions may
// reference by name.
func WithTransforms(t *definition.TransformSet) Option {
	return func(f *Factory) { f.transforms = t }
}

// WithTransport replaces the HTTP engine for every client. Definitions'
// engine tuning is ignored when a custom transport is installed.
func WithTransport(t model.Transport) Option {
	return func(f *Factory) { f.transport = t }
}

// WithStore replaces the session store for every client with a session
// definition, overriding the store the definition names.
func WithStore(s model.Store) Option {
	return func(f *Factory) { f.store = s }
}

// WithAuthProvider replaces the auth provider for one client.
func WithAuthProvider(clientID string, p model.AuthProvider) Option {
	return func(f *Factory) { f.auths[clientID] = p }
}

// WithBackend replaces the backend adapter for one client.
func WithBackend(clientID string, b model.Backend) Option {
	return func(f *Factory) { f.backends[clientID] = b }
}

// WithObserver adds a per-invocation observer.
func WithObserver(obs pipeline.Observer) Option {
	return func(f *Factory) { f.observers = append(f.observers, obs) }
}

// New compiles the given definitions and returns a ready Factory. Schema
// documents referenced by definitions are loaded relative to each
// definition's source file.
func New(cfg *config.Config, defs []model.ClientDefinition, opts ...Option) (*Factory, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}

	f := &Factory{
		cfg:      cfg,
		logger:   zap.NewNop(),
		auths:    make(map[string]model.AuthProvider),
		backends: make(map[string]model.Backend),
		clients:  make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(f)
	}

	schemas, err := loadSchemas(defs)
	if err != nil {
		return nil, err
	}

	registry, err := definition.NewRegistry(defs, schemas, f.transforms)
	if err != nil {
		return nil, err
	}
	f.registry = registry

	execOpts := make([]pipeline.ExecutorOption, 0, len(f.observers)+1)
	for _, obs := range f.observers {
		execOpts = append(execOpts, pipeline.WithObserver(obs))
	}
	if f.metrics != nil {
		execOpts = append(execOpts, pipeline.WithObserver(&metricsObserver{m: f.metrics}))
		f.metrics.SetDefinitionsLoaded(float64(len(defs)))
		for clientID, index := range schemas {
			f.metrics.SetSchemasIndexed(clientID, float64(len(index.OperationIDs())))
		}
	}
	f.executor = pipeline.NewExecutor(f.logger, execOpts...)

	engineOpts := []engine.Option{engine.WithLogger(f.logger)}
	if f.metrics != nil {
		engineOpts = append(engineOpts, engine.WithRetryHook(f.metrics.RecordSendRetry))
	}
	f.engines = engine.NewRegistry(engineOpts...)

	bulkOpts := []bulk.Option{bulk.WithLogger(f.logger)}
	if f.metrics != nil {
		bulkOpts = append(bulkOpts, bulk.WithMetrics(f.metrics))
	}
	f.orchestrator = bulk.New(&itemRunner{f: f}, bulkOpts...)

	return f, nil
}

// Load reads every client definition under the config's definition
// directories and builds a Factory from them.
func Load(cfg *config.Config, opts ...Option) (*Factory, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return nil, err
	}
	return New(cfg, defs, opts...)
}

// loadSchemas builds a schema index per client that references one.
func loadSchemas(defs []model.ClientDefinition) (map[string]*validate.SchemaIndex, error) {
	schemas := make(map[string]*validate.SchemaIndex)
	for _, def := range defs {
		if def.Schema == "" {
			continue
		}
		index := validate.NewSchemaIndex()
		if err := index.Load(definition.SchemaPath(def)); err != nil {
			return nil, err
		}
		schemas[def.Client] = index
	}
	return schemas, nil
}

// Registry exposes the compiled definitions, for callers that list or
// inspect what was loaded.
func (f *Factory) Registry() *definition.Registry {
	return f.registry
}

// Client returns the assembled client for the given ID, building its
// collaborators (auth, backend, session, engine) on first use. When the
// client's session definition asks for auto-load, persisted state is read
// under the given context.
func (f *Factory) Client(ctx context.Context, id string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[id]; ok {
		return c, nil
	}

	desc, ok := f.registry.Client(id)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("unknown client %q", id))
	}

	c, err := f.buildClient(ctx, desc)
	if err != nil {
		return nil, err
	}
	f.clients[id] = c
	return c, nil
}

func (f *Factory) buildClient(ctx context.Context, desc *model.ClientDescriptor) (*Client, error) {
	authProvider, ok := f.auths[desc.ID]
	if !ok {
		var err error
		authProvider, err = auth.FromDefinition(desc.Auth)
		if err != nil {
			return nil, err
		}
	}

	adapter, ok := f.backends[desc.ID]
	if !ok && desc.Backend != nil {
		var err error
		adapter, err = backend.FromDefinition(desc.Backend)
		if err != nil {
			return nil, err
		}
	}

	var sess *session.Session
	if desc.Session != nil {
		store := f.store
		if store == nil {
			var err error
			store, err = session.StoreFromDefinition(desc.Session)
			if err != nil {
				return nil, err
			}
		}
		sess = session.New(desc.ID, store, desc.Session)
		if desc.Session.AutoLoad {
			if err := sess.Load(ctx); err != nil {
				return nil, err
			}
		}
	}

	var transport model.Transport = f.transport
	if transport == nil {
		transport = f.engines.For(desc.ID, f.engineSettings(desc))
	}

	return &Client{
		factory:   f,
		desc:      desc,
		auth:      authProvider,
		backend:   adapter,
		session:   sess,
		transport: transport,
	}, nil
}

// engineSettings merges the client's engine tuning over the config's
// engine defaults; zero-valued client fields inherit the default.
func (f *Factory) engineSettings(desc *model.ClientDescriptor) model.EngineSettings {
	s := desc.Engine
	d := f.cfg.Engine
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.BackoffInitial == 0 {
		s.BackoffInitial = d.BackoffInitial
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = d.BackoffMax
	}
	if s.BreakerThreshold == 0 {
		s.BreakerThreshold = d.BreakerThreshold
	}
	if s.BreakerCooldown == 0 {
		s.BreakerCooldown = d.BreakerCooldown
	}
	if s.MaxConnsPerHost == 0 {
		s.MaxConnsPerHost = d.MaxConnsPerHost
	}
	return s
}

// Bind resolves a fully qualified method reference,
// "client.resource.method", to a bound method ready to call.
func (f *Factory) Bind(ctx context.Context, ref string) (*Bound, error) {
	clientID, method, err := model.SplitMethodRef(ref)
	if err != nil {
		return nil, err
	}
	c, err := f.Client(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return c.Method(method)
}

// Bulk runs the set under the policy. Items that name a method reference
// run through the full pipeline of their client; raw request items are sent
// through the default engine.
func (f *Factory) Bulk(ctx context.Context, set *model.BulkSet, policy model.BulkPolicy) (*model.BulkResult, error) {
	return f.orchestrator.Run(ctx, set, policy)
}

// RunPlan compiles a parsed bulk plan and runs it.
func (f *Factory) RunPlan(ctx context.Context, plan model.BulkPlanDefinition) (*model.BulkResult, error) {
	set, policy, err := bulk.CompilePlan(plan)
	if err != nil {
		return nil, err
	}
	return f.Bulk(ctx, set, policy)
}

// Close releases every engine the factory created. Custom transports
// installed through WithTransport are the caller's to close.
func (f *Factory) Close() error {
	return f.engines.CloseAll()
}

// ReadinessChecks exposes the factory's dependency probes for a readiness
// endpoint: definitions compiled, the injected session store reachable,
// and no client's circuit stuck open.
func (f *Factory) ReadinessChecks() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool {
			return len(f.registry.Clients()) > 0
		},
		Engines: observability.CheckerFunc(func(context.Context) error {
			var open []string
			f.engines.Each(func(clientID string, e *engine.Engine) {
				if e.Breaker().State() == engine.BreakerOpen {
					open = append(open, clientID)
				}
			})
			if len(open) > 0 {
				sort.Strings(open)
				return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
			}
			return nil
		}),
	}
	if f.store != nil {
		store := f.store
		checks.SessionStore = observability.CheckerFunc(func(ctx context.Context) error {
			_, err := store.Exists(ctx, "readiness")
			return err
		})
	}
	return checks
}

// defaultTransport returns the transport used for raw bulk request items:
// the injected transport when one was installed, otherwise an engine built
// from the config defaults.
func (f *Factory) defaultTransport() model.Transport {
	if f.transport != nil {
		return f.transport
	}
	return f.engines.For("", f.engineSettings(&model.ClientDescriptor{}))
}

// Client is one assembled API client: its compiled descriptor plus the
// collaborators every invocation shares. Safe for concurrent use.
type Client struct {
	factory   *Factory
	desc      *model.ClientDescriptor
	auth      model.AuthProvider
	backend   model.Backend
	session   *session.Session
	transport model.Transport
}

// ID returns the client's definition ID.
func (c *Client) ID() string {
	return c.desc.ID
}

// Session returns the client's session, or nil when the definition does
// not configure one.
func (c *Client) Session() *session.Session {
	return c.session
}

// Method returns the bound method for "resource.method".
func (c *Client) Method(name string) (*Bound, error) {
	desc, ok := c.desc.Methods[name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("client %q has no method %q", c.desc.ID, name))
	}
	return &Bound{
		client: c,
		binding: &pipeline.Binding{
			Client:  c.desc,
			Desc:    desc,
			Auth:    c.auth,
			Backend: c.backend,
			Session: c.session,
			Engine:  c.transport,
		},
	}, nil
}

// MethodRefs returns the client's fully qualified method references,
// sorted.
func (c *Client) MethodRefs() []string {
	refs := make([]string, 0, len(c.desc.Methods))
	for _, m := range c.desc.Methods {
		refs = append(refs, m.Ref)
	}
	sort.Strings(refs)
	return refs
}

// Bound is one callable method with its capability set resolved. Bound
// values are cheap; callers may keep them or re-resolve per call.
type Bound struct {
	client  *Client
	binding *pipeline.Binding
}

// Descriptor returns the method's compiled descriptor.
func (b *Bound) Descriptor() *model.MethodDescriptor {
	return b.binding.Desc
}

// Call runs the invocation through the full pipeline. The result is the
// processed response value, or the built request when the invocation is a
// dry run.
func (b *Bound) Call(ctx context.Context, inv *model.Invocation) (any, error) {
	if inv == nil {
		inv = model.NewInvocation(nil)
	}
	return b.client.factory.executor.Execute(ctx, b.binding, inv)
}

// Request builds the request the invocation would send, without sending
// it. The transport is never touched.
func (b *Bound) Request(ctx context.Context, inv *model.Invocation) (*model.Request, error) {
	if inv == nil {
		inv = model.NewInvocation(nil)
	}
	return b.client.factory.executor.BuildRequest(ctx, b.binding, inv)
}

// itemRunner adapts the factory to the orchestrator's per-item contract.
type itemRunner struct {
	f *Factory
}

var _ bulk.ItemRunner = (*itemRunner)(nil)

func (r *itemRunner) RunItem(ctx context.Context, item model.BulkItem) (any, error) {
	if item.Request != nil {
		resp, err := r.f.defaultTransport().Send(ctx, item.Request)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	bound, err := r.f.Bind(ctx, item.MethodRef)
	if err != nil {
		return nil, err
	}
	return bound.Call(ctx, item.Invocation)
}

// metricsObserver records invocation metrics from pipeline events.
type metricsObserver struct {
	m *observability.Metrics
}

var _ pipeline.Observer = (*metricsObserver)(nil)

func (o *metricsObserver) OnInvocation(_ context.Context, ev pipeline.Event) {
	if ev.NoExec && ev.Err == nil {
		o.m.RecordDryRun(ev.ClientID, ev.MethodRef)
		return
	}
	status := observability.StatusClass(ev.Status)
	if ev.Err != nil {
		status = "error"
		if model.IsCode(ev.Err, model.ErrValidationFailed) {
			o.m.RecordValidationFailure(ev.ClientID, ev.MethodRef)
		}
	}
	o.m.RecordInvocation(ev.ClientID, ev.MethodRef, status, ev.Duration)
}
