package interaction

import "roomsync/pkg/types"

// ComputeAggregate derives the tally for the state's current version from the
// ledger contents. It is recomputed from scratch on every call.
func ComputeAggregate(state types.InteractionState, responses []types.Response) types.Aggregate {
	agg := types.Aggregate{
		SessionID:    state.SessionID,
		SlideID:      state.SlideID,
		Version:      state.Version,
		Distribution: make(map[string]int),
	}

	correct := 0
	for _, r := range responses {
		if r.Version != state.Version {
			continue
		}
		agg.Total++
		agg.Distribution[r.Value]++
		if r.Value == state.CorrectAnswer {
			correct++
		}
	}

	if state.Kind == types.KindQuiz && state.CorrectAnswer != "" {
		agg.CorrectCount = &correct
	}
	return agg
}

// PublicAggregate hides the correct count until the answer is revealed
func PublicAggregate(agg types.Aggregate, state types.InteractionState) types.Aggregate {
	if !state.Revealed {
		agg.CorrectCount = nil
	}
	return agg
}
