package synthesis

import (
	"context"

	"github.com/mohammad-safakhou/dossier/internal/protocol"
)

// Store loads build inputs and keeps the latest bundle of a run.
type Store interface {
	GetRun(ctx context.Context, runID string) (protocol.Run, error)
	GetEntity(ctx context.Context, entityID string) (protocol.Entity, error)
	GetStepResults(ctx context.Context, runID string) ([]protocol.StepResult, error)
	SaveSynthesisBundle(ctx context.Context, runID string, bundle *Bundle) error
	LoadSynthesisBundle(ctx context.Context, runID string) (*Bundle, error)
}

// LoadInput reads everything a build needs for runID.
func LoadInput(ctx context.Context, st Store, runID string) (Input, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return Input{}, err
	}
	in := Input{Run: run}
	if in.Primary, err = st.GetEntity(ctx, run.PrimaryEntityID); err != nil {
		return Input{}, err
	}
	if run.HasSecondary() {
		secondary, err := st.GetEntity(ctx, run.SecondaryEntityID)
		if err != nil {
			return Input{}, err
		}
		in.Secondary = &secondary
	}
	if in.Results, err = st.GetStepResults(ctx, runID); err != nil {
		return Input{}, err
	}
	return in, nil
}

// BuildRun loads the inputs of runID, builds a bundle and saves it,
// replacing any earlier bundle.
func (e *Engine) BuildRun(ctx context.Context, st Store, runID string) (*Bundle, error) {
	in, err := LoadInput(ctx, st, runID)
	if err != nil {
		return nil, newError(runID, PhaseStart, "loadInput", nil, err)
	}
	bundle, err := e.Build(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := st.SaveSynthesisBundle(ctx, runID, bundle); err != nil {
		return nil, newError(runID, PhaseDone, "saveBundle", bundle.StepCodes, err)
	}
	return bundle, nil
}
