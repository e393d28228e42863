// Package command defines the medication command aggregate: the single
// authoritative record of a medication's configuration and status.
package command

import (
	"time"
)

// Status represents the lifecycle status of a medication command
type Status string

const (
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusDiscontinued Status = "discontinued"
)

// Frequency controls how schedule times expand into dose occurrences
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Medication holds the prescribed medication details
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Form         string `json:"form,omitempty"`
	Route        string `json:"route,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Schedule holds the dosing schedule. Times are clock times in "15:04" form,
// expanded into concrete occurrences per Frequency. Weekly schedules fire on
// StartDate's weekday.
type Schedule struct {
	Frequency    Frequency `json:"frequency"`
	Times        []string  `json:"times"`
	StartDate    time.Time `json:"start_date"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	IsIndefinite bool      `json:"is_indefinite"`
}

// Reminders holds reminder preferences for a command
type Reminders struct {
	Enabled       bool  `json:"enabled"`
	MinutesBefore []int `json:"minutes_before,omitempty"`
}

// MedicationCommand is the authoritative document for one medication of one
// patient. All scheduling and reminder data is embedded; there is no separate
// schedule entity. Version increases monotonically on every mutation.
type MedicationCommand struct {
	ID         string     `json:"id"`
	PatientID  string     `json:"patient_id"`
	Medication Medication `json:"medication"`
	Schedule   Schedule   `json:"schedule"`
	Reminders  Reminders  `json:"reminders"`

	Status   Status `json:"status"`
	IsPRN    bool   `json:"is_prn"`

	// MedicationType feeds the grace period engine (critical, standard,
	// vitamin, prn).
	MedicationType string `json:"medication_type"`

	// GraceOverrideMinutes, when set, replaces the grace period base value
	// entirely for every dose of this medication.
	GraceOverrideMinutes *int `json:"grace_override_minutes,omitempty"`

	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsActive reports whether the command should produce and track doses.
func (c *MedicationCommand) IsActive() bool {
	return c.Status == StatusActive && c.DeletedAt == nil
}

// validTransitions is the command status state machine. Discontinued is
// terminal: no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusDiscontinued},
	StatusPaused: {StatusActive, StatusDiscontinued},
}

// CanTransition reports whether a status change is permitted.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the command to a new status after validating the edge.
func (c *MedicationCommand) Transition(to Status) error {
	switch to {
	case StatusActive, StatusPaused, StatusDiscontinued:
	default:
		return &ValidationError{Fields: []string{"status: unrecognized state " + string(to)}}
	}
	if !CanTransition(c.Status, to) {
		return &ValidationError{Fields: []string{
			"status: invalid transition " + string(c.Status) + " -> " + string(to),
		}}
	}
	c.Status = to
	return nil
}

// Patch carries a partial update to a command. Nil fields are left unchanged.
type Patch struct {
	Medication           *Medication `json:"medication,omitempty"`
	Schedule             *Schedule   `json:"schedule,omitempty"`
	Reminders            *Reminders  `json:"reminders,omitempty"`
	MedicationType       *string     `json:"medication_type,omitempty"`
	GraceOverrideMinutes *int        `json:"grace_override_minutes,omitempty"`
}

// Apply merges the patch into the command. Validation of the merged result is
// the caller's responsibility.
func (p *Patch) Apply(c *MedicationCommand) {
	if p.Medication != nil {
		c.Medication = *p.Medication
	}
	if p.Schedule != nil {
		c.Schedule = *p.Schedule
	}
	if p.Reminders != nil {
		c.Reminders = *p.Reminders
	}
	if p.MedicationType != nil {
		c.MedicationType = *p.MedicationType
	}
	if p.GraceOverrideMinutes != nil {
		c.GraceOverrideMinutes = p.GraceOverrideMinutes
	}
}

// Validate checks the invariants every stored command must satisfy.
func (c *MedicationCommand) Validate() error {
	var fields []string
	if c.PatientID == "" {
		fields = append(fields, "patient_id: required")
	}
	if c.Medication.Name == "" {
		fields = append(fields, "medication.name: required")
	}
	if c.Medication.Dosage == "" {
		fields = append(fields, "medication.dosage: required")
	}
	if !c.IsPRN {
		if len(c.Schedule.Times) == 0 {
			fields = append(fields, "schedule.times: at least one time required")
		}
		for _, t := range c.Schedule.Times {
			if _, err := time.Parse("15:04", t); err != nil {
				fields = append(fields, "schedule.times: invalid clock time "+t)
			}
		}
		switch c.Schedule.Frequency {
		case FrequencyDaily, FrequencyWeekly:
		default:
			fields = append(fields, "schedule.frequency: must be daily or weekly")
		}
		if c.Schedule.StartDate.IsZero() {
			fields = append(fields, "schedule.start_date: required")
		}
		if !c.Schedule.IsIndefinite && c.Schedule.EndDate == nil {
			fields = append(fields, "schedule.end_date: required unless indefinite")
		}
		if c.Schedule.EndDate != nil && c.Schedule.EndDate.Before(c.Schedule.StartDate) {
			fields = append(fields, "schedule.end_date: before start_date")
		}
	}
	switch c.MedicationType {
	case "critical", "standard", "vitamin", "prn":
	default:
		fields = append(fields, "medication_type: must be one of critical, standard, vitamin, prn")
	}
	for _, m := range c.Reminders.MinutesBefore {
		if m < 0 {
			fields = append(fields, "reminders.minutes_before: negative offset")
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
