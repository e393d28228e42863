// Package grace computes dose tolerance windows. The engine is a pure
// function over an explicit configuration object: no I/O, no ambient state,
// identical inputs always produce identical output.
package grace

import (
	"time"
)

// MedicationType classifies a medication for grace period purposes
type MedicationType string

const (
	TypeCritical MedicationType = "critical"
	TypeStandard MedicationType = "standard"
	TypeVitamin  MedicationType = "vitamin"
	TypePRN      MedicationType = "prn"
)

// TimeSlot is the portion of day a dose belongs to
type TimeSlot string

const (
	SlotMorning TimeSlot = "morning"
	SlotNoon    TimeSlot = "noon"
	SlotEvening TimeSlot = "evening"
	SlotBedtime TimeSlot = "bedtime"
)

// Rule names reported in Result.AppliedRules, in application order.
const (
	RuleBase               = "base"
	RuleMedicationOverride = "medication_override"
	RulePatientOverride    = "patient_override"
	RuleWeekendMultiplier  = "weekend_multiplier"
	RuleHolidayMultiplier  = "holiday_multiplier"
	RulePRNZero            = "prn_zero"
)

// Input carries everything the engine needs for one computation.
type Input struct {
	MedicationType MedicationType
	TimeSlot       TimeSlot
	ScheduledAt    time.Time

	// MedicationOverrideMinutes, when set, replaces the base value entirely.
	MedicationOverrideMinutes *int

	Config Config
}

// Result is the computed tolerance window.
type Result struct {
	GracePeriodMinutes     int
	AppliedRules           []string
	GracePeriodEndDateTime time.Time
}

// Compute resolves the grace period for one scheduled dose.
//
// Resolution order: per-medication override replaces the base, else a
// per-patient override for the type/slot replaces it, else the default
// matrix applies. A holiday applies the holiday multiplier; a weekend the
// weekend multiplier; when a holiday falls on a weekend only the larger of
// the two multipliers applies, never both. PRN medications always resolve to
// zero minutes. The result is truncated to whole minutes and floored at zero.
func Compute(in Input) Result {
	cfg := in.Config

	if in.MedicationType == TypePRN {
		return Result{
			GracePeriodMinutes:     0,
			AppliedRules:           []string{RulePRNZero},
			GracePeriodEndDateTime: in.ScheduledAt,
		}
	}

	var rules []string
	var minutes float64

	switch {
	case in.MedicationOverrideMinutes != nil:
		minutes = float64(*in.MedicationOverrideMinutes)
		rules = append(rules, RuleMedicationOverride)
	case cfg.patientOverride(in.MedicationType, in.TimeSlot) != nil:
		minutes = float64(*cfg.patientOverride(in.MedicationType, in.TimeSlot))
		rules = append(rules, RulePatientOverride)
	default:
		minutes = float64(cfg.baseMinutes(in.MedicationType, in.TimeSlot))
		rules = append(rules, RuleBase)
	}

	holiday := cfg.IsHoliday(in.ScheduledAt)
	weekend := isWeekend(in.ScheduledAt)

	switch {
	case holiday && weekend:
		if cfg.HolidayMultiplier >= cfg.WeekendMultiplier {
			minutes *= cfg.HolidayMultiplier
			rules = append(rules, RuleHolidayMultiplier)
		} else {
			minutes *= cfg.WeekendMultiplier
			rules = append(rules, RuleWeekendMultiplier)
		}
	case holiday:
		minutes *= cfg.HolidayMultiplier
		rules = append(rules, RuleHolidayMultiplier)
	case weekend:
		minutes *= cfg.WeekendMultiplier
		rules = append(rules, RuleWeekendMultiplier)
	}

	final := int(minutes)
	if final < 0 {
		final = 0
	}

	return Result{
		GracePeriodMinutes:     final,
		AppliedRules:           rules,
		GracePeriodEndDateTime: in.ScheduledAt.Add(time.Duration(final) * time.Minute),
	}
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// SlotFor maps a clock time onto the time slot used by the default matrix.
func SlotFor(t time.Time) TimeSlot {
	switch h := t.Hour(); {
	case h < 11:
		return SlotMorning
	case h < 15:
		return SlotNoon
	case h < 20:
		return SlotEvening
	default:
		return SlotBedtime
	}
}
