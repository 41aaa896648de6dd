// Package bulk executes ordered sets of prepared calls under an execution
// policy: sequential or bounded-parallel scheduling, dependency gating,
// raise/break/continue error handling, rollback hooks, and outcome
// aggregation. The orchestrator schedules and records; actually running one
// item is delegated to an ItemRunner.
package bulk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/fabrica/internal/observability"
	"github.com/pitabwire/fabrica/model"
)

// ItemRunner executes one bulk item and returns its result value.
// Implementations must be safe for concurrent calls.
type ItemRunner interface {
	RunItem(ctx context.Context, item model.BulkItem) (any, error)
}

// Orchestrator runs bulk sets. It is stateless across runs and safe for
// concurrent use.
type Orchestrator struct {
	runner  ItemRunner
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables run and outcome metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator delegating item execution to runner.
func New(runner ItemRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner: runner,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runOutput carries a scheduling loop's results back to Run.
type runOutput struct {
	// outcomes are the recorded outcomes, in completion order.
	outcomes []model.Outcome
	// successes are the non-error successful outcomes in completion order,
	// including completions that landed after an abort decision. Rollback
	// hooks see them; the result does not.
	successes []model.Outcome
	// trigger is the cause of early termination, nil when every item was
	// resolved.
	trigger error
	// policyStop distinguishes a raise/break termination from a dead
	// context. Only policy terminations roll back.
	policyStop bool
}

// Run executes the set under the policy and returns the bulk result. The
// error return is non-nil for configuration problems, for aborted runs
// (RUN_ABORTED wrapping the trigger), and for aggregation failures such as
// EMPTY_BATCH. Partial results accompany abort errors.
func (o *Orchestrator) Run(ctx context.Context, set *model.BulkSet, policy model.BulkPolicy) (*model.BulkResult, error) {
	policy, err := policy.Normalize()
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = model.NewBulkSet()
	}
	// The dependency graph is checked up front: nothing runs for a
	// malformed set.
	if err := set.Validate(); err != nil {
		return nil, err
	}

	errorWhen := policy.ErrorWhen
	if errorWhen == nil {
		errorWhen = model.DefaultErrorPredicate
	}

	runID := uuid.NewString()
	result := &model.BulkResult{RunID: runID, State: model.RunPending}

	ctx, span := observability.StartSpan(ctx, "fabrica.bulk.run",
		observability.AttrRunID.String(runID),
		observability.AttrRunMode.String(string(policy.Mode)),
		observability.AttrItemCount.Int(len(set.Items)),
	)

	o.logger.Info("bulk run started",
		zap.String("run_id", runID),
		zap.String("mode", string(policy.Mode)),
		zap.String("on_error", string(policy.OnError)),
		zap.Int("items", len(set.Items)),
	)

	start := time.Now()
	result.State = model.RunRunning

	var out runOutput
	if policy.Mode == model.ExecParallel {
		out = o.runParallel(ctx, set, policy, errorWhen, runID)
	} else {
		out = o.runSequential(ctx, set, policy, errorWhen, runID)
	}

	// Outcomes are always reported in submission order, regardless of the
	// order items finished in.
	sort.Slice(out.outcomes, func(i, j int) bool { return out.outcomes[i].Index < out.outcomes[j].Index })
	result.Outcomes = out.outcomes
	result.Elapsed = time.Since(start)

	var runErr error
	if out.trigger != nil {
		result.State = model.RunAborted
		result.TriggerErr = out.trigger
		runErr = model.NewRunAbortedError(out.trigger)
		if out.policyStop && len(policy.Rollback) > 0 {
			result.RollbackErr = o.runRollback(ctx, policy.Rollback, out.successes, out.trigger, runID)
		}
	} else {
		result.State = model.RunCompleted
		agg, aggErr := Aggregate(policy.Aggregate, result.Outcomes, errorWhen)
		if aggErr != nil {
			runErr = aggErr
		} else {
			result.Aggregate = agg
		}
	}

	if o.metrics != nil {
		o.metrics.RecordBulkRun(string(policy.Mode), string(result.State), len(set.Items), result.Elapsed)
		for _, oc := range result.Outcomes {
			o.metrics.RecordBulkOutcome(string(oc.Status))
		}
	}

	observability.EndSpanWithError(span, runErr)
	o.logRunEnd(result, policy)
	return result, runErr
}

// runSequential walks the set in submission order, pacing items through a
// rate limiter and stopping on the first policy error under raise or break.
func (o *Orchestrator) runSequential(ctx context.Context, set *model.BulkSet, policy model.BulkPolicy, errorWhen model.ErrorPredicate, runID string) runOutput {
	var out runOutput
	pacer := newPacer(policy.Delay)
	statuses := make([]model.OutcomeStatus, len(set.Items))

	for i, item := range set.Items {
		if err := ctx.Err(); err != nil {
			out.trigger = err
			return out
		}
		if err := pacer.Wait(ctx); err != nil {
			out.trigger = err
			return out
		}

		if dep := item.DependsOn; dep != nil && statuses[*dep] != model.OutcomeSuccess {
			skip := model.Outcome{Index: i, Status: model.OutcomeSkipped}
			statuses[i] = model.OutcomeSkipped
			out.outcomes = append(out.outcomes, skip)
			continue
		}

		oc := o.runOne(ctx, item, i, runID)
		statuses[i] = oc.Status
		isErr := errorWhen(oc)

		if oc.Status != model.OutcomeFailure || policy.CollectAll {
			out.outcomes = append(out.outcomes, oc)
		}
		if oc.Status == model.OutcomeSuccess && !isErr {
			out.successes = append(out.successes, oc)
		}
		if isErr && policy.OnError != model.PolicyContinue {
			out.trigger = itemError(oc)
			out.policyStop = true
			return out
		}
	}
	return out
}

// Item scheduling states for the parallel dispatcher.
const (
	itemPending = iota
	itemInFlight
	itemDone
)

// runParallel schedules dependency-free items onto a bounded worker pool and
// feeds completions back through one intake channel. Items gated on a
// dependency are submitted only once that dependency's outcome is known.
func (o *Orchestrator) runParallel(ctx context.Context, set *model.BulkSet, policy model.BulkPolicy, errorWhen model.ErrorPredicate, runID string) runOutput {
	var out runOutput

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := pool.New().WithContext(runCtx).WithMaxGoroutines(policy.MaxConcurrency)
	intake := make(chan model.Outcome)

	states := make([]int, len(set.Items))
	statuses := make([]model.OutcomeStatus, len(set.Items))
	inFlight := 0
	stopNew := false
	aborted := false

	submitReady := func() {
		if stopNew {
			return
		}
		for i := range set.Items {
			if states[i] != itemPending {
				continue
			}
			item := set.Items[i]
			if dep := item.DependsOn; dep != nil {
				if states[*dep] != itemDone {
					continue
				}
				if statuses[*dep] != model.OutcomeSuccess {
					// Skips resolve synchronously and take no pool slot,
					// so skip chains collapse in one pass.
					states[i] = itemDone
					statuses[i] = model.OutcomeSkipped
					out.outcomes = append(out.outcomes, model.Outcome{Index: i, Status: model.OutcomeSkipped})
					continue
				}
			}
			// The in-flight count never exceeds the pool size, so Go
			// below cannot block the dispatcher.
			if inFlight >= policy.MaxConcurrency {
				continue
			}
			states[i] = itemInFlight
			inFlight++
			index := i
			workers.Go(func(workerCtx context.Context) error {
				intake <- o.runOne(workerCtx, item, index, runID)
				return nil
			})
		}
	}

	for {
		if !aborted && ctx.Err() != nil {
			out.trigger = ctx.Err()
			stopNew = true
			aborted = true
		}
		submitReady()
		if inFlight == 0 {
			break
		}

		oc := <-intake
		inFlight--
		states[oc.Index] = itemDone
		statuses[oc.Index] = oc.Status
		isErr := errorWhen(oc)

		if aborted {
			// Completions landing after the abort decision stay out of
			// the result but remain visible to rollback hooks.
			if oc.Status == model.OutcomeSuccess && !isErr {
				out.successes = append(out.successes, oc)
			}
			continue
		}

		if oc.Status != model.OutcomeFailure || policy.CollectAll {
			out.outcomes = append(out.outcomes, oc)
		}
		if oc.Status == model.OutcomeSuccess && !isErr {
			out.successes = append(out.successes, oc)
		}
		if isErr && policy.OnError != model.PolicyContinue {
			// Under break, in-flight items keep completing after the
			// first failure; only the failure that stopped submissions
			// is the trigger.
			if out.trigger == nil {
				out.trigger = itemError(oc)
			}
			out.policyStop = true
			stopNew = true
			if policy.OnError == model.PolicyRaise {
				aborted = true
				cancel()
			}
		}
	}

	_ = workers.Wait()
	return out
}

// runOne executes a single item through the runner, stamping a call scope so
// downstream logs and headers carry the run and item identity.
func (o *Orchestrator) runOne(ctx context.Context, item model.BulkItem, index int, runID string) model.Outcome {
	scope := &model.CallScope{
		CorrelationID: uuid.NewString(),
		ClientID:      clientIDOf(item),
		MethodRef:     item.MethodRef,
		RunID:         runID,
		ItemIndex:     index,
	}
	itemCtx := model.WithCallScope(ctx, scope)

	if o.metrics != nil {
		o.metrics.BulkItemStarted()
		defer o.metrics.BulkItemFinished()
	}

	start := time.Now()
	value, err := o.runner.RunItem(itemCtx, item)
	elapsed := time.Since(start)

	if err != nil {
		return model.Outcome{Index: index, Status: model.OutcomeFailure, Err: err, Elapsed: elapsed}
	}
	return model.Outcome{Index: index, Status: model.OutcomeSuccess, Value: value, Elapsed: elapsed}
}

// runRollback invokes the hooks in reverse registration order. Hooks see the
// successful outcomes most recently completed first and may stop the chain
// by returning false. A hook panic is recorded and the chain continues; the
// returned error never replaces the run's trigger error.
func (o *Orchestrator) runRollback(ctx context.Context, hooks []model.RollbackHook, successes []model.Outcome, cause error, runID string) error {
	completed := make([]model.Outcome, len(successes))
	for i, oc := range successes {
		completed[len(successes)-1-i] = oc
	}

	o.logger.Info("rolling back aborted run",
		zap.String("run_id", runID),
		zap.Int("hooks", len(hooks)),
		zap.Int("completed", len(completed)),
	)

	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		proceed, err := o.callHook(ctx, hooks[i], completed, cause)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !proceed {
			break
		}
	}

	if o.metrics != nil {
		status := "ok"
		if firstErr != nil {
			status = "failed"
		}
		o.metrics.RecordBulkRollback(status)
	}
	if firstErr != nil {
		o.logger.Error("rollback failed", zap.String("run_id", runID), zap.Error(firstErr))
		return model.NewRollbackFailedError(firstErr)
	}
	return nil
}

// callHook runs one rollback hook, converting a panic into an error.
func (o *Orchestrator) callHook(ctx context.Context, hook model.RollbackHook, completed []model.Outcome, cause error) (proceed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			proceed, err = true, fmt.Errorf("rollback hook panicked: %v", r)
		}
	}()
	return hook(ctx, completed, cause), nil
}

// logRunEnd writes the run's terminal log line.
func (o *Orchestrator) logRunEnd(result *model.BulkResult, policy model.BulkPolicy) {
	var successes, failures, skips int
	for _, oc := range result.Outcomes {
		switch oc.Status {
		case model.OutcomeSuccess:
			successes++
		case model.OutcomeFailure:
			failures++
		case model.OutcomeSkipped:
			skips++
		}
	}

	fields := []zap.Field{
		zap.String("run_id", result.RunID),
		zap.String("mode", string(policy.Mode)),
		zap.String("state", string(result.State)),
		zap.Int("successes", successes),
		zap.Int("failures", failures),
		zap.Int("skipped", skips),
		zap.Duration("elapsed", result.Elapsed),
	}
	if result.State == model.RunAborted {
		fields = append(fields, zap.Error(result.TriggerErr))
		o.logger.Error("bulk run aborted", fields...)
		return
	}
	o.logger.Info("bulk run completed", fields...)
}

// newPacer builds the inter-item rate limiter. The first item is never
// delayed; each subsequent item waits out the configured delay.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// itemError derives the trigger error for an outcome the policy stopped on.
func itemError(oc model.Outcome) error {
	if oc.Err != nil {
		return oc.Err
	}
	if resp, ok := oc.Value.(*model.Response); ok {
		return fmt.Errorf("bulk item %d returned status %d", oc.Index, resp.StatusCode)
	}
	return fmt.Errorf("bulk item %d classified as an error", oc.Index)
}

// clientIDOf extracts the owning client from an item's method reference, or
// "" for raw request items.
func clientIDOf(item model.BulkItem) string {
	if item.MethodRef == "" {
		return ""
	}
	clientID, _, err := model.SplitMethodRef(item.MethodRef)
	if err != nil {
		return ""
	}
	return clientID
}
