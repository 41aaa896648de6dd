package model

import (
	"context"
	"fmt"
	"time"
)

// ExecMode selects how a bulk run schedules its items.
type ExecMode string

const (
	ExecSequential ExecMode = "sequential"
	ExecParallel   ExecMode = "parallel"
)

// ErrorPolicy selects how a bulk run reacts to a per-item failure.
type ErrorPolicy string

const (
	// PolicyRaise aborts the whole batch immediately; in-flight items are
	// cancelled and pending items never start.
	PolicyRaise ErrorPolicy = "raise"
	// PolicyBreak stops submitting new items but lets in-flight ones finish.
	PolicyBreak ErrorPolicy = "break"
	// PolicyContinue records the failure as an outcome and proceeds.
	PolicyContinue ErrorPolicy = "continue"
)

// AggregationMode selects the reduction applied to a run's outcome list.
type AggregationMode string

const (
	AggregateAll     AggregationMode = "all"
	AggregateLast    AggregationMode = "last"
	AggregateFirst   AggregationMode = "first"
	AggregateSuccess AggregationMode = "success"
	AggregateFailure AggregationMode = "failure"
	AggregateCount   AggregationMode = "count"
)

// RunState is the lifecycle state of one bulk run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)

// OutcomeStatus classifies one recorded per-item outcome.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	// OutcomeSkipped marks an item that was never attempted because its
	// dependency failed. Skipped is distinct from failure.
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is the recorded result of one bulk item.
type Outcome struct {
	// Index is the item's submission position within the set.
	Index   int           `json:"index"`
	Status  OutcomeStatus `json:"status"`
	Value   any           `json:"value,omitempty"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
}

// ErrorMessage returns the outcome's error text, or "" for non-failures.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// BulkItem is one entry of a Bulk Request Set: either a method invocation
// (MethodRef plus Invocation) or a raw prepared request sent as-is.
type BulkItem struct {
	MethodRef  string
	Invocation *Invocation
	Request    *Request

	// DependsOn points at an earlier item this one depends on. An item whose
	// dependency did not succeed is skipped.
	DependsOn *int
}

// BulkSet is an ordered sequence of bulk items. The zero value is ready to
// use; items are appended with AddCall and AddRequest.
type BulkSet struct {
	Items []BulkItem
}

// NewBulkSet returns an empty set.
func NewBulkSet() *BulkSet {
	return &BulkSet{}
}

// AddCall appends a method invocation and returns its submission index.
func (s *BulkSet) AddCall(methodRef string, inv *Invocation) int {
	s.Items = append(s.Items, BulkItem{MethodRef: methodRef, Invocation: inv})
	return len(s.Items) - 1
}

// AddCallAfter appends a method invocation depending on an earlier item.
func (s *BulkSet) AddCallAfter(methodRef string, inv *Invocation, dependsOn int) int {
	dep := dependsOn
	s.Items = append(s.Items, BulkItem{MethodRef: methodRef, Invocation: inv, DependsOn: &dep})
	return len(s.Items) - 1
}

// AddRequest appends a raw prepared request and returns its submission index.
func (s *BulkSet) AddRequest(req *Request) int {
	s.Items = append(s.Items, BulkItem{Request: req})
	return len(s.Items) - 1
}

// Validate checks the structural invariants of the set: every item carries
// exactly one payload, and dependencies refer only to earlier items, which
// also guarantees the dependency graph is acyclic.
func (s *BulkSet) Validate() error {
	for i, item := range s.Items {
		hasCall := item.MethodRef != "" && item.Invocation != nil
		hasReq := item.Request != nil
		if hasCall == hasReq {
			return NewBadRequestError(fmt.Sprintf("bulk item %d must carry either a method invocation or a raw request", i))
		}
		if item.DependsOn == nil {
			continue
		}
		dep := *item.DependsOn
		if dep < 0 || dep >= len(s.Items) {
			return NewDependencyError(fmt.Sprintf("bulk item %d depends on out-of-range item %d", i, dep))
		}
		if dep >= i {
			return NewDependencyError(fmt.Sprintf("bulk item %d depends on item %d; dependencies must refer to earlier items", i, dep))
		}
	}
	return nil
}

// RollbackHook undoes work after a run terminates under the raise or break
// policies. It receives the successful outcomes so far, most recently
// completed first, and the triggering error. Returning false stops further
// rollback calls.
type RollbackHook func(ctx context.Context, completed []Outcome, cause error) bool

// ErrorPredicate classifies an outcome as an error for aggregation and
// policy purposes.
type ErrorPredicate func(Outcome) bool

// DefaultErrorPredicate treats failures as errors, skips as non-errors, and
// response-shaped successes as errors when the response is not ok.
func DefaultErrorPredicate(o Outcome) bool {
	switch o.Status {
	case OutcomeFailure:
		return true
	case OutcomeSkipped:
		return false
	}
	if resp, ok := o.Value.(*Response); ok {
		return !resp.OK()
	}
	return false
}

// BulkPolicy configures one bulk run. It is immutable for the duration of
// the run.
type BulkPolicy struct {
	Mode      ExecMode
	OnError   ErrorPolicy
	Aggregate AggregationMode
	// Delay is awaited between items in sequential mode.
	Delay time.Duration
	// MaxConcurrency is a hard cap on in-flight sends in parallel mode.
	MaxConcurrency int
	// Rollback hooks run in reverse registration order after an aborted run.
	Rollback []RollbackHook
	// CollectAll keeps failure outcomes in the result list. When false only
	// successes and skips are recorded.
	CollectAll bool
	// ErrorWhen overrides DefaultErrorPredicate when set.
	ErrorWhen ErrorPredicate
}

// DefaultBulkPolicy mirrors the documented defaults: sequential execution,
// continue on error, aggregate all, ten parallel slots, collect everything.
func DefaultBulkPolicy() BulkPolicy {
	return BulkPolicy{
		Mode:           ExecSequential,
		OnError:        PolicyContinue,
		Aggregate:      AggregateAll,
		MaxConcurrency: 10,
		CollectAll:     true,
	}
}

// Normalize fills zero-valued fields with the defaults and validates the
// enum fields.
func (p BulkPolicy) Normalize() (BulkPolicy, error) {
	def := DefaultBulkPolicy()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.OnError == "" {
		p.OnError = def.OnError
	}
	if p.Aggregate == "" {
		p.Aggregate = def.Aggregate
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = def.MaxConcurrency
	}
	switch p.Mode {
	case ExecSequential, ExecParallel:
	default:
		return p, NewBadRequestError(fmt.Sprintf("unknown execution mode %q", p.Mode))
	}
	switch p.OnError {
	case PolicyRaise, PolicyBreak, PolicyContinue:
	default:
		return p, NewBadRequestError(fmt.Sprintf("unknown error policy %q", p.OnError))
	}
	switch p.Aggregate {
	case AggregateAll, AggregateLast, AggregateFirst, AggregateSuccess, AggregateFailure, AggregateCount:
	default:
		return p, NewBadRequestError(fmt.Sprintf("unknown aggregation mode %q", p.Aggregate))
	}
	return p, nil
}

// BulkResult is the product of one bulk run: recorded outcomes in submission
// order plus the final aggregate.
type BulkResult struct {
	RunID     string        `json:"run_id"`
	State     RunState      `json:"state"`
	Outcomes  []Outcome     `json:"outcomes"`
	Aggregate any           `json:"aggregate,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`

	// TriggerErr is the per-item failure that terminated the run under the
	// raise or break policies.
	TriggerErr error `json:"-"`
	// RollbackErr reports a rollback failure. It is secondary: it never
	// replaces TriggerErr.
	RollbackErr error `json:"-"`
}

// Outcome returns the recorded outcome for the given submission index.
func (r *BulkResult) Outcome(index int) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Index == index {
			return o, true
		}
	}
	return Outcome{}, false
}
