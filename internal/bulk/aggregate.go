package bulk

import (
	"fmt"

	"github.com/pitabwire/fabrica/model"
)

// Aggregate reduces an ordered outcome list to the run's final value. It is
// a pure function over the list: all returns it verbatim, first and last
// pick one end (EMPTY_BATCH when there is nothing to pick), success and
// failure filter by the error predicate, and count returns the list length.
func Aggregate(mode model.AggregationMode, outcomes []model.Outcome, errorWhen model.ErrorPredicate) (any, error) {
	if errorWhen == nil {
		errorWhen = model.DefaultErrorPredicate
	}

	switch mode {
	case model.AggregateAll:
		return outcomes, nil

	case model.AggregateLast:
		if len(outcomes) == 0 {
			return nil, model.NewEmptyBatchError(string(mode))
		}
		return outcomes[len(outcomes)-1], nil

	case model.AggregateFirst:
		if len(outcomes) == 0 {
			return nil, model.NewEmptyBatchError(string(mode))
		}
		return outcomes[0], nil

	case model.AggregateSuccess:
		kept := make([]model.Outcome, 0, len(outcomes))
		for _, oc := range outcomes {
			if !errorWhen(oc) {
				kept = append(kept, oc)
			}
		}
		return kept, nil

	case model.AggregateFailure:
		kept := make([]model.Outcome, 0)
		for _, oc := range outcomes {
			if errorWhen(oc) {
				kept = append(kept, oc)
			}
		}
		return kept, nil

	case model.AggregateCount:
		return len(outcomes), nil
	}

	return nil, model.NewBadRequestError(fmt.Sprintf("unknown aggregation mode %q", mode))
}
