package policy

import (
	"time"

	"herald/internal/task"
)

func requeueReason(r task.Reason) task.Requeue {
	switch r {
	case task.ReasonQuietHours:
		return task.RequeueQuietHours
	case task.ReasonRateLimited:
		return task.RequeueRateLimited
	}
	return task.RequeueNone
}

// Apply returns t updated for a SUPPRESS decision: deferred decisions keep
// the task PENDING with a new fire time, terminal ones retire it. A DELIVER
// decision returns t unchanged.
func Apply(t task.Task, d Decision, now time.Time) task.Task {
	if d.Action != Suppress {
		return t
	}
	out := t.Clone()
	out.UpdatedAt = now.UTC()
	if d.RequeueAt != nil {
		out.Status = task.StatusPending
		out.ClaimedAt = nil
		out.SetNext(*d.RequeueAt, requeueReason(d.Reason))
		return out
	}
	out.Finish(task.StatusSuppressed, d.Reason)
	return out
}

// Record is the SUPPRESSED audit entry for a decision.
func Record(t task.Task, d Decision, now time.Time) task.DeliveryRecord {
	return task.DeliveryRecord{
		TaskID:      t.ID,
		Owner:       t.Owner,
		Kind:        t.Kind,
		AttemptedAt: now.UTC(),
		Outcome:     task.OutcomeSuppressed,
		Reason:      d.Reason,
		Fingerprint: t.Fingerprint,
	}
}
