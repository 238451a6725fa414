package delivery

import "fmt"

// Error is a failed delivery to one subscriber. It is logged and recorded
// in the delivery log; delivery is not retried.
type Error struct {
	SubscriberID string
	ChangeID     string
	Transport    string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery: %s to %s via %s: %v", e.ChangeID, e.SubscriberID, e.Transport, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
