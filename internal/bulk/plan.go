package bulk

import (
	"fmt"
	"time"

	"github.com/pitabwire/fabrica/model"
)

// CompilePlan converts a parsed bulk plan definition into a runnable set and
// a normalized policy. The plan's policy strings are validated here, before
// anything runs, so a malformed plan file never starts a batch.
func CompilePlan(def model.BulkPlanDefinition) (*model.BulkSet, model.BulkPolicy, error) {
	set := model.NewBulkSet()
	for _, item := range def.Items {
		inv := model.NewInvocation(item.Kwargs)
		if len(item.Args) > 0 {
			inv = inv.WithArgs(item.Args...)
		}
		if item.DependsOn != nil {
			set.AddCallAfter(item.Method, inv, *item.DependsOn)
		} else {
			set.AddCall(item.Method, inv)
		}
	}

	policy := model.BulkPolicy{
		Mode:           model.ExecMode(def.Policy.Mode),
		OnError:        model.ErrorPolicy(def.Policy.OnError),
		Aggregate:      model.AggregationMode(def.Policy.Aggregate),
		MaxConcurrency: def.Policy.MaxConcurrency,
		CollectAll:     true,
	}

	if def.Policy.Delay != "" {
		delay, err := time.ParseDuration(def.Policy.Delay)
		if err != nil {
			return nil, model.BulkPolicy{}, model.NewBadRequestError(fmt.Sprintf("plan %q: invalid delay %q", def.Name, def.Policy.Delay))
		}
		policy.Delay = delay
	}
	if def.Policy.ErrorWhen != "" {
		pred, err := CompilePredicate(def.Policy.ErrorWhen)
		if err != nil {
			return nil, model.BulkPolicy{}, err
		}
		policy.ErrorWhen = pred
	}

	policy, err := policy.Normalize()
	if err != nil {
		return nil, model.BulkPolicy{}, err
	}
	if err := set.Validate(); err != nil {
		return nil, model.BulkPolicy{}, err
	}
	return set, policy, nil
}
