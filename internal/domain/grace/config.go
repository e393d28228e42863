package grace

import "time"

// Config is the per-patient grace period configuration. It is a read-only
// input to Compute; the engine never mutates it.
type Config struct {
	// Defaults is the base minutes matrix by medication type and time slot.
	Defaults map[MedicationType]map[TimeSlot]int

	// PatientOverrides replaces the matrix entry for a type/slot when the
	// patient has a custom default and the medication has no override of
	// its own.
	PatientOverrides map[MedicationType]map[TimeSlot]int

	WeekendMultiplier float64
	HolidayMultiplier float64

	// Holidays is the recognized holiday calendar, keyed by "2006-01-02"
	// in the schedule's location.
	Holidays map[string]bool
}

// DefaultConfig returns the stock matrix and multipliers.
func DefaultConfig() Config {
	return Config{
		Defaults: map[MedicationType]map[TimeSlot]int{
			TypeCritical: {SlotMorning: 15, SlotNoon: 15, SlotEvening: 20, SlotBedtime: 20},
			TypeStandard: {SlotMorning: 30, SlotNoon: 45, SlotEvening: 45, SlotBedtime: 60},
			TypeVitamin:  {SlotMorning: 120, SlotNoon: 120, SlotEvening: 120, SlotBedtime: 120},
			TypePRN:      {SlotMorning: 0, SlotNoon: 0, SlotEvening: 0, SlotBedtime: 0},
		},
		WeekendMultiplier: 1.5,
		HolidayMultiplier: 2.0,
		Holidays:          map[string]bool{},
	}
}

// IsHoliday reports whether the date is on the recognized holiday calendar.
func (c Config) IsHoliday(t time.Time) bool {
	return c.Holidays[t.Format("2006-01-02")]
}

func (c Config) baseMinutes(mt MedicationType, slot TimeSlot) int {
	if bySlot, ok := c.Defaults[mt]; ok {
		if v, ok := bySlot[slot]; ok {
			return v
		}
	}
	return 0
}

func (c Config) patientOverride(mt MedicationType, slot TimeSlot) *int {
	if bySlot, ok := c.PatientOverrides[mt]; ok {
		if v, ok := bySlot[slot]; ok {
			return &v
		}
	}
	return nil
}
