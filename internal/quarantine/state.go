package quarantine

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/loan-ingest/internal/model"
)

// ErrInvalidTransition is returned for a review action the item's current
// status does not allow.
var ErrInvalidTransition = eris.New("quarantine: invalid status transition")

var transitions = map[model.QuarantineStatus][]model.QuarantineStatus{
	model.QuarantinePending: {model.QuarantineFixed, model.QuarantineApproved, model.QuarantineRejected},
	model.QuarantineFixed:   {model.QuarantineFixed, model.QuarantineApproved, model.QuarantineRejected},
}

// Transition validates moving a quarantined row from one status to another.
// Approved and rejected are terminal.
func Transition(from, to model.QuarantineStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return eris.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}
