package model

import (
	"context"
)

// Invocation carries the per-call state for one pipeline execution: the
// caller's positional and keyword arguments, the dry-run flag, and the set of
// keyword names consumed by path substitution. An Invocation is created fresh
// per call, owned exclusively by that call, and discarded when it returns.
type Invocation struct {
	// Args are positional arguments, mapped onto path placeholders in
	// template order.
	Args []any
	// Kwargs are keyword arguments. The pipeline works on its own copy; the
	// caller's map is never mutated.
	Kwargs map[string]any
	// NoExec suppresses the network send: the pipeline returns the built
	// request instead of executing it.
	NoExec bool

	// Consumed records, in template order, the keyword names absorbed by
	// path substitution. It is populated by the pipeline.
	Consumed []string
}

// NewInvocation returns an invocation carrying the given keyword arguments.
func NewInvocation(kwargs map[string]any) *Invocation {
	return &Invocation{Kwargs: kwargs}
}

// WithArgs sets the positional arguments and returns the invocation for
// chaining during construction.
func (inv *Invocation) WithArgs(args ...any) *Invocation {
	inv.Args = args
	return inv
}

// WithNoExec marks the invocation as a dry run.
func (inv *Invocation) WithNoExec() *Invocation {
	inv.NoExec = true
	return inv
}

// Kwarg returns the named keyword argument and whether it was provided,
// distinguishing an explicit nil from an absent key.
func (inv *Invocation) Kwarg(name string) (any, bool) {
	v, ok := inv.Kwargs[name]
	return v, ok
}

// CloneKwargs returns a shallow copy of the keyword arguments for the
// pipeline to mutate.
func (inv *Invocation) CloneKwargs() map[string]any {
	out := make(map[string]any, len(inv.Kwargs))
	for k, v := range inv.Kwargs {
		out[k] = v
	}
	return out
}

// CallScope identifies one logical call as it crosses package boundaries:
// which client and method are executing, the correlation ID stamped on the
// outbound request, and, for bulk items, the run and item position. It is
// immutable after construction and safe for concurrent reads.
type CallScope struct {
	CorrelationID string
	ClientID      string
	MethodRef     string
	RunID         string
	// ItemIndex is the submission position within a bulk run, or -1 for a
	// standalone call.
	ItemIndex int
}

type callScopeKey struct{}

// WithCallScope attaches a CallScope to the given context.
func WithCallScope(ctx context.Context, scope *CallScope) context.Context {
	return context.WithValue(ctx, callScopeKey{}, scope)
}

// CallScopeFrom extracts the CallScope from the context, or returns nil if
// not present.
func CallScopeFrom(ctx context.Context) *CallScope {
	scope, _ := ctx.Value(callScopeKey{}).(*CallScope)
	return scope
}
