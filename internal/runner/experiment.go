package runner

import (
	"github.com/meanderhq/meander-go/internal/campaign"
	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/value"
)

// execExperiment resolves the journey's variant for an experiment and
// freezes it. The exposure event is emitted at most once per experiment
// per journey, tracked in journey state so it survives restarts.
func (r *Runner) execExperiment(a campaign.Action) actionResult {
	ex, ok := r.def.Experiment(a.ExperimentID)
	if !ok || len(ex.Variants) == 0 {
		r.log.Error("experiment not declared", "journey_id", r.j.ID, "experiment_id", a.ExperimentID)
		return actionResult{outcome: outcomeExit, reason: ExitReasonError}
	}

	variant, assigned := r.resolveVariant(ex)
	variant = r.j.FreezeAssignment(ex.ID, variant)
	r.markDirty()

	if r.j.MarkExposed(ex.ID) {
		props := value.Object{
			"experiment_id": value.String(ex.ID),
			"variant":       value.String(variant),
			"assigned":      value.Bool(assigned),
		}
		if err := r.sink.Track(event.NameExperimentExposure, props); err != nil {
			// Exposure is analytics, not control flow. A failed emit does
			// not block the journey, but the exposure mark stays set so
			// the experiment still reads as exposed.
			r.log.Warn("exposure event failed",
				"journey_id", r.j.ID,
				"experiment_id", ex.ID,
				"error", err,
			)
		}
	}

	r.log.Debug("experiment resolved",
		"journey_id", r.j.ID,
		"experiment_id", ex.ID,
		"variant", variant,
		"assigned", assigned,
	)
	return actionResult{outcome: outcomeContinue}
}

// resolveVariant picks the variant for an experiment. The journey's
// frozen assignment wins, then a server assignment, then the first
// declared variant. The second result reports whether the variant came
// from a real assignment rather than the fallback.
func (r *Runner) resolveVariant(ex *campaign.Experiment) (string, bool) {
	if v, ok := r.j.Assignments[ex.ID]; ok {
		return v, true
	}
	if r.assigner != nil {
		if v, ok := r.assigner.Variant(ex.ID); ok {
			return v, true
		}
	}
	return ex.Variants[0], false
}
