package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultEventLead is how long before an event start its reminder fires.
const DefaultEventLead = 15 * time.Minute

// New builds a PENDING task without a fire time; recurrence.Seed fills it in.
func New(owner string, kind Kind, payload Payload, sched Schedule, now time.Time) Task {
	now = now.UTC()
	return Task{
		ID:        uuid.NewString(),
		Owner:     owner,
		Kind:      kind,
		Payload:   payload,
		Schedule:  sched,
		Status:    StatusPending,
		Requeue:   RequeueNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EventReminder builds a one-shot EVENT_REMINDER that fires lead before start.
// A lead <= 0 uses DefaultEventLead.
func EventReminder(owner, title, location string, start time.Time, lead time.Duration, now time.Time) Task {
	if lead <= 0 {
		lead = DefaultEventLead
	}
	body := title
	if loc := strings.TrimSpace(location); loc != "" {
		body = fmt.Sprintf("%s @ %s", title, loc)
	}
	p := Payload{
		Title: title,
		Body:  body,
		Data:  map[string]string{"event_start": start.UTC().Format(time.RFC3339)},
	}
	return New(owner, KindEventReminder, p, OneShotAt(start.Add(-lead)), now)
}

// FormatMessage renders the outgoing text in the owner's local time.
func FormatMessage(t Task, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	switch {
	case t.Kind == KindReminder:
		b.WriteString("Reminder: ")
		b.WriteString(t.Payload.Body)
	case t.Kind == KindEventReminder:
		b.WriteString("Upcoming: ")
		b.WriteString(t.Payload.Body)
	case t.Kind.IsAlert():
		if t.Payload.Title != "" {
			b.WriteString(t.Payload.Title)
			b.WriteString("\n")
		}
		b.WriteString(t.Payload.Body)
		if t.Payload.URL != "" {
			b.WriteString("\n")
			b.WriteString(t.Payload.URL)
		}
		return b.String()
	default:
		b.WriteString(t.Payload.Body)
	}

	at := scheduledFor(t)
	if at != nil {
		b.WriteString("\n\nScheduled for: ")
		b.WriteString(at.In(loc).Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

func scheduledFor(t Task) *time.Time {
	if raw, ok := t.Payload.Data["event_start"]; ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return &ts
		}
	}
	if t.NextFireAt != nil {
		return t.NextFireAt
	}
	return t.Schedule.At
}
