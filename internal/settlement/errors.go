package settlement

import (
	"fmt"
	"strings"

	"github.com/atmx/pv-engine/internal/model"
)

var (
	// ErrAlreadySettled is returned when the period is already finalized.
	ErrAlreadySettled = fmt.Errorf("%w: settlement already finalized", model.ErrDuplicateOperation)

	// ErrDuplicateSettlement is returned when another run holds the period.
	ErrDuplicateSettlement = fmt.Errorf("%w: settlement already running", model.ErrDuplicateOperation)

	// ErrNoFinalizedWeeks is returned by a quarterly run with nothing to
	// aggregate.
	ErrNoFinalizedWeeks = fmt.Errorf("%w: no finalized weeks in quarter", model.ErrValidation)
)

// UserFailure is one user's failed step inside a batch.
type UserFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
	err    error
}

func (f UserFailure) Unwrap() error { return f.err }

// BatchError reports a batch that processed some users but not all. The
// period is left unfinalized; re-running it resumes with the failed users.
type BatchError struct {
	Kind     string        `json:"kind"`
	Key      string        `json:"key"`
	Failures []UserFailure `json:"failures"`
}

func (e *BatchError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.UserID)
	}
	if len(ids) > 5 {
		ids = append(ids[:5], "...")
	}
	return fmt.Sprintf("%s settlement %s: %d user(s) failed: %s",
		e.Kind, e.Key, len(e.Failures), strings.Join(ids, ", "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.err)
	}
	return errs
}

func failure(userID string, err error) UserFailure {
	return UserFailure{UserID: userID, Error: err.Error(), err: err}
}
