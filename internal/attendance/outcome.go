package attendance

import "github.com/dukerupert/rollcall/internal/model"

// Reason explains why a redemption was rejected. The values are sent to
// clients verbatim.
type Reason string

const (
	ReasonInvalidSignal   Reason = "invalid-signal"
	ReasonSignalExpired   Reason = "signal-expired"
	ReasonSessionNotFound Reason = "session-not-found"
	ReasonSessionClosed   Reason = "session-closed"
	ReasonSessionExpired  Reason = "session-expired"
)

// Outcome is the result of a redemption that did not fail on persistence.
// Exactly one of Accepted or Reason is set.
type Outcome struct {
	Accepted bool
	Reason   Reason

	// AlreadyMarked is true when the student had been recorded before this
	// call. The stored record is returned either way.
	AlreadyMarked bool
	Record        *model.AttendanceRecord
}

func accepted(rec model.AttendanceRecord, already bool) Outcome {
	return Outcome{Accepted: true, AlreadyMarked: already, Record: &rec}
}

func rejected(r Reason) Outcome {
	return Outcome{Reason: r}
}
