// Package pipeline executes one bound method invocation through the fixed
// stage sequence: transform, resolve, validate, substitute, build, augment,
// format, send, process, transform. The executor is stateless across
// invocations; all per-call state lives in the Invocation and the stages
// communicate by value.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/fabrica/internal/observability"
	"github.com/pitabwire/fabrica/internal/request"
	"github.com/pitabwire/fabrica/internal/session"
	"github.com/pitabwire/fabrica/model"
)

// Stage names carried by pipeline errors.
const (
	StagePreprocess  = "preprocess"
	StageResolve     = "resolve"
	StageValidate    = "validate"
	StageSubstitute  = "substitute"
	StageBuild       = "build"
	StageAugment     = "augment"
	StageFormat      = "format"
	StageSend        = "send"
	StageProcess     = "process"
	StagePostprocess = "postprocess"
)

// StageError reports which pipeline stage failed. Unwrap exposes the
// underlying error so code checks keep working through the wrapper.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return "stage " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// fail wraps err with its originating stage.
func fail(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Binding is one callable method with its full capability set resolved: the
// descriptors, the auth provider, the backend adapter, the session, and the
// transport. Bindings are assembled once per method and shared read-only by
// every invocation.
type Binding struct {
	Client *model.ClientDescriptor
	Desc   *model.MethodDescriptor

	// Auth is applied during augmentation when the descriptor requires it.
	Auth model.AuthProvider
	// Backend formats the request and processes the response; nil is
	// identity on both sides.
	Backend model.Backend
	// Session carries persisted headers and cookies across invocations.
	Session *session.Session
	// Engine sends the built request.
	Engine model.Transport
}

// Observer receives one event per finished invocation.
// Implementations may record metrics, audit logs, or other telemetry.
type Observer interface {
	OnInvocation(ctx context.Context, ev Event)
}

// Event describes the outcome of one invocation.
type Event struct {
	ClientID  string        `json:"client_id"`
	MethodRef string        `json:"method_ref"`
	Verb      string        `json:"verb"`
	Status    int           `json:"status_code"`
	NoExec    bool          `json:"noexec"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Executor runs invocations through the stage sequence.
type Executor struct {
	logger    *zap.Logger
	observers []Observer
}

// ExecutorOption configures optional executor collaborators.
type ExecutorOption func(*Executor)

// WithObserver adds an invocation observer.
func WithObserver(obs Observer) ExecutorOption {
	return func(x *Executor) { x.observers = append(x.observers, obs) }
}

// NewExecutor creates an executor logging through the given logger.
func NewExecutor(logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Executor{logger: logger}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs the invocation through the full stage sequence. A dry run
// returns the built *model.Request without sending; otherwise the result is
// the processed response value.
func (x *Executor) Execute(ctx context.Context, b *Binding, inv *model.Invocation) (any, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "fabrica.invoke",
		observability.AttrClientID.String(b.Desc.ClientID),
		observability.AttrMethodRef.String(b.Desc.Ref),
		observability.AttrVerb.String(b.Desc.Verb),
		observability.AttrNoExec.Bool(inv.NoExec),
	)

	result, status, err := x.run(ctx, b, inv)

	if status > 0 {
		span.SetAttributes(observability.AttrStatus.Int(status))
	}
	observability.EndSpanWithError(span, err)

	duration := time.Since(start)
	x.logOutcome(ctx, b, inv, status, duration, err)
	x.notifyObservers(ctx, Event{
		ClientID:  b.Desc.ClientID,
		MethodRef: b.Desc.Ref,
		Verb:      b.Desc.Verb,
		Status:    status,
		NoExec:    inv.NoExec,
		Duration:  duration,
		Err:       err,
	})

	return result, err
}

// BuildRequest runs the assembly stages and returns the request that would
// be sent, without sending it.
func (x *Executor) BuildRequest(ctx context.Context, b *Binding, inv *model.Invocation) (*model.Request, error) {
	dry := *inv
	dry.NoExec = true

	out, err := x.Execute(ctx, b, &dry)
	if err != nil {
		return nil, err
	}
	inv.Consumed = dry.Consumed

	req, ok := out.(*model.Request)
	if !ok {
		return nil, model.NewBadRequestError(fmt.Sprintf("dry run returned %T, not a request", out))
	}
	return req, nil
}

// run executes the stages. It returns the result value and, when a send
// happened, the response status code.
func (x *Executor) run(ctx context.Context, b *Binding, inv *model.Invocation) (any, int, error) {
	desc := b.Desc
	kwargs := inv.CloneKwargs()

	// Step 1: Preprocess raw keyword arguments.
	if desc.Pre != nil {
		transformed, err := desc.Pre(ctx, kwargs)
		if err != nil {
			return nil, 0, fail(StagePreprocess, err)
		}
		kwargs = transformed
	}

	// Step 2: Resolve positional arguments onto path placeholders.
	// Keyword-supplied names always win; excess positionals are dropped.
	kwargs = request.ResolveArgs(desc.PathTemplate, inv.Args, kwargs)

	// Step 3: Validate resolved kwargs against the method's schema, before
	// substitution so violations name the logical parameters. All
	// violations are aggregated into one error.
	if desc.Validator != nil {
		validated, err := desc.Validator.Validate(ctx, kwargs)
		if err != nil {
			return nil, 0, fail(StageValidate, err)
		}
		kwargs = validated
	}

	// Step 4: Substitute placeholders into the path and strip the consumed
	// names from the working set so they cannot leak into query or body.
	path, consumed, err := request.Substitute(desc.PathTemplate, kwargs)
	if err != nil {
		return nil, 0, fail(StageSubstitute, err)
	}
	inv.Consumed = consumed
	if len(consumed) > 0 {
		trimmed := make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			trimmed[k] = v
		}
		for _, name := range consumed {
			delete(trimmed, name)
		}
		kwargs = trimmed
	}

	// Step 5: Build the outbound request, partitioning fields by verb.
	req, err := request.Build(desc.Verb, b.Client.BaseURL, path, desc.ResourcePath, kwargs)
	if err != nil {
		return nil, 0, fail(StageBuild, err)
	}

	x.logger.Debug("request built",
		zap.String("method_ref", desc.Ref),
		zap.String("url", req.URL),
		zap.Any("kwargs", observability.RedactBody(kwargs, nil)),
	)

	// Step 6: Augment with method statics, client defaults, session state,
	// and auth. Precedence: method statics (per merge mode) over request
	// values; client defaults and session state only fill absent keys.
	req = request.ApplyMethodConfig(req, desc)
	req = applyClientDefaults(req, b.Client)
	if b.Session != nil {
		req = b.Session.Prepare(req)
	}
	if desc.RequiresAuth {
		if b.Auth == nil {
			return nil, 0, fail(StageAugment,
				model.NewAuthFailedError(fmt.Sprintf("method %q requires auth but client %q has no provider", desc.Ref, desc.ClientID)))
		}
		authed, err := b.Auth.Apply(req)
		if err != nil {
			return nil, 0, fail(StageAugment, err)
		}
		req = authed
	}

	// Step 7: Backend formatting may fully replace the request.
	if b.Backend != nil {
		formatted, err := b.Backend.Format(req, kwargs)
		if err != nil {
			return nil, 0, fail(StageFormat, err)
		}
		req = formatted
	} else if b.Client.Backend != nil {
		return nil, 0, fail(StageFormat, model.NewNoBackendError(desc.ClientID))
	}

	// Step 8: Dry run stops here; the transport is never touched.
	if inv.NoExec {
		return req, 0, nil
	}

	// Step 9: Send.
	if b.Engine == nil {
		return nil, 0, fail(StageSend, model.NewNoEngineError(desc.ClientID))
	}
	resp, err := b.Engine.Send(ctx, req)
	if err != nil {
		return nil, 0, fail(StageSend, err)
	}

	// The session captures response state before processing can discard
	// the raw response.
	if b.Session != nil {
		b.Session.Capture(resp)
		if err := b.Session.MaybeSave(ctx); err != nil {
			x.logger.Warn("session save failed",
				zap.String("client_id", desc.ClientID),
				zap.Error(err),
			)
		}
	}

	// Step 10: Backend response processing.
	var result any = resp
	if b.Backend != nil {
		processed, err := b.Backend.Process(resp)
		if err != nil {
			return nil, resp.StatusCode, fail(StageProcess, err)
		}
		result = processed
	}

	// Step 11: Postprocess, applied last.
	if desc.Post != nil {
		final, err := desc.Post(ctx, result)
		if err != nil {
			return nil, resp.StatusCode, fail(StagePostprocess, err)
		}
		result = final
	}

	return result, resp.StatusCode, nil
}

// applyClientDefaults fills header keys the request does not already carry
// from the client's default header set.
func applyClientDefaults(req *model.Request, client *model.ClientDescriptor) *model.Request {
	if len(client.Headers) == 0 {
		return req
	}
	missing := make(map[string]string)
	for k, v := range client.Headers {
		if req.Header(k) == "" {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return req
	}
	return req.WithHeaders(missing)
}

// logOutcome writes the single per-invocation log line. 5xx and transport
// failures log at error, 4xx at warn, everything else at info.
func (x *Executor) logOutcome(ctx context.Context, b *Binding, inv *model.Invocation, status int, duration time.Duration, err error) {
	logger := observability.CallLogger(ctx, x.logger)
	fields := []zap.Field{
		zap.String("client_id", b.Desc.ClientID),
		zap.String("method_ref", b.Desc.Ref),
		zap.String("verb", b.Desc.Verb),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	}

	switch {
	case err != nil:
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			fields = append(fields, zap.String("stage", stageErr.Stage))
		}
		fields = append(fields, zap.Error(err))
		logger.Error("invocation failed", fields...)
	case inv.NoExec:
		logger.Info("invocation dry run", fields...)
	case status >= 500:
		logger.Error("invocation returned server error", fields...)
	case status >= 400:
		logger.Warn("invocation returned client error", fields...)
	default:
		logger.Info("invocation completed", fields...)
	}
}

// notifyObservers sends the event to all registered observers.
func (x *Executor) notifyObservers(ctx context.Context, ev Event) {
	for _, obs := range x.observers {
		obs.OnInvocation(ctx, ev)
	}
}
