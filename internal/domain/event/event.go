// Package event defines the immutable medication event log entries and the
// derivation rules over them.
package event

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of fact an event records
type Type string

const (
	TypeDoseScheduled        Type = "dose_scheduled"
	TypeDoseTaken            Type = "dose_taken"
	TypeDoseMissed           Type = "dose_missed"
	TypeDoseSkipped          Type = "dose_skipped"
	TypeDoseSnoozed          Type = "dose_snoozed"
	TypeCommandCreated       Type = "command_created"
	TypeCommandUpdated       Type = "command_updated"
	TypeCommandDiscontinued  Type = "command_discontinued"
)

// OccurrenceStatus is the derived status of a dose occurrence
type OccurrenceStatus string

const (
	StatusScheduled OccurrenceStatus = "scheduled"
	StatusTaken     OccurrenceStatus = "taken"
	StatusMissed    OccurrenceStatus = "missed"
	StatusSkipped   OccurrenceStatus = "skipped"
)

// MedicationEvent is one immutable fact about a command or a dose occurrence.
// Events are never updated or deleted individually; they leave the store only
// through whole-command cascade deletion.
type MedicationEvent struct {
	ID        string `json:"id"`
	CommandID string `json:"command_id"`
	PatientID string `json:"patient_id"`
	EventType Type   `json:"event_type"`

	// ScheduledDateTime identifies the dose occurrence together with
	// CommandID. Zero for command-level events.
	ScheduledDateTime time.Time  `json:"scheduled_datetime"`
	ActualDateTime    *time.Time `json:"actual_datetime,omitempty"`

	// Grace period snapshot captured when the dose was scheduled. Missed
	// detection reads these, never the live command configuration.
	GracePeriodMinutes      int      `json:"grace_period_minutes"`
	GracePeriodRulesApplied []string `json:"grace_period_rules_applied,omitempty"`

	// EventSequenceNumber is monotonic per command, assigned inside the
	// owning transaction.
	EventSequenceNumber int64     `json:"event_sequence_number"`
	CreatedAt           time.Time `json:"created_at"`
}

// New builds an event with a fresh id. Sequence number and created-at are
// assigned by the log at append time.
func New(commandID, patientID string, eventType Type) *MedicationEvent {
	return &MedicationEvent{
		ID:        uuid.New().String(),
		CommandID: commandID,
		PatientID: patientID,
		EventType: eventType,
	}
}

// IsTerminal reports whether the event type resolves a dose occurrence.
func (t Type) IsTerminal() bool {
	return t == TypeDoseTaken || t == TypeDoseMissed || t == TypeDoseSkipped
}

// Less is the total order on events: scheduledDateTime ascending, ties broken
// by eventSequenceNumber. Wall-clock created-at never participates.
func Less(a, b *MedicationEvent) bool {
	if !a.ScheduledDateTime.Equal(b.ScheduledDateTime) {
		return a.ScheduledDateTime.Before(b.ScheduledDateTime)
	}
	return a.EventSequenceNumber < b.EventSequenceNumber
}

// Sort orders events by the canonical total order.
func Sort(events []*MedicationEvent) {
	sort.Slice(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// DeriveStatus computes the current status of a single dose occurrence from
// its events. dose_taken wins over dose_missed regardless of write order;
// with no terminal event the occurrence is still scheduled.
func DeriveStatus(events []*MedicationEvent) OccurrenceStatus {
	status := StatusScheduled
	for _, e := range events {
		switch e.EventType {
		case TypeDoseTaken:
			return StatusTaken
		case TypeDoseSkipped:
			status = StatusSkipped
		case TypeDoseMissed:
			if status != StatusSkipped {
				status = StatusMissed
			}
		}
	}
	return status
}

// Filter selects events from the log.
type Filter struct {
	CommandID string
	PatientID string
	EventType Type
	From      time.Time
	To        time.Time
	Limit     int
}
