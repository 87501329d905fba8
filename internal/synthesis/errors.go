package synthesis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dossier/internal/helpers"
)

// ErrNoCanonicalData is returned when a run has no step result with real data.
var ErrNoCanonicalData = errors.New("no canonical step data")

// The truncated message, ellipsis included, is at most this long.
const maxErrorMessageRunes = 500

// Error is the single error a failed build returns.
type Error struct {
	RunID     string
	Phase     Phase
	Method    string
	StepCodes []string
	Message   string
	Err       error
}

func newError(runID string, phase Phase, method string, codes []string, err error) *Error {
	return &Error{
		RunID:     runID,
		Phase:     phase,
		Method:    method,
		StepCodes: append([]string(nil), codes...),
		Message:   helpers.TruncateRunes(err.Error(), maxErrorMessageRunes-1),
		Err:       err,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesis failed: run=%s phase=%s method=%s steps=[%s]: %s",
		e.RunID, e.Phase, e.Method, strings.Join(e.StepCodes, ","), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
