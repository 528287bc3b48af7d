package task

import "time"

type Outcome string

const (
	OutcomeSent            Outcome = "SENT"
	OutcomeFailedTransient Outcome = "FAILED_TRANSIENT"
	OutcomeFailedPermanent Outcome = "FAILED_PERMANENT"
	OutcomeSuppressed      Outcome = "SUPPRESSED"
)

// DeliveryRecord is an append-only audit entry. Records feed dedup and rate
// limiting, so they are never mutated once written.
type DeliveryRecord struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Owner       string    `json:"owner"`
	Kind        Kind      `json:"kind"`
	AttemptedAt time.Time `json:"attempted_at"`
	Channel     Channel   `json:"channel,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	Reason      Reason    `json:"reason,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Error       string    `json:"error,omitempty"`
}
