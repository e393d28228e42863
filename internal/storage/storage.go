// Package storage defines the persistence contracts for the medication
// lifecycle engine. The transaction manager is the only path through which
// commands and events may be mutated together; readers operate outside it.
package storage

import (
	"context"
	"time"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
)

// Tx is the scope handed to a transactional function. Every write performed
// through it commits or rolls back as one unit.
type Tx interface {
	Commands() CommandTx
	Events() EventTx
}

// TxManager executes multi-document mutations atomically. The function either
// fully commits or fully rolls back; rollback is guaranteed on every exit
// path including panics.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// CascadeDelete removes a command together with every event referencing
	// it. Soft delete leaves the command discontinued with a deletion
	// marker; hard delete removes the document. Event deletion is split
	// into retry-safe sub-batches when the set is large. On success zero
	// events remain for the command.
	CascadeDelete(ctx context.Context, commandID string, hardDelete bool) (*DeletionSummary, error)
}

// CommandTx mutates the command store inside a transaction.
type CommandTx interface {
	Insert(ctx context.Context, cmd *command.MedicationCommand) error

	// Update persists the command only if the stored version still equals
	// expectedVersion, then increments it. Returns VersionConflictError
	// when a concurrent writer won.
	Update(ctx context.Context, cmd *command.MedicationCommand, expectedVersion int) error

	// Get reads the command within the transaction's snapshot.
	Get(ctx context.Context, id string) (*command.MedicationCommand, error)
}

// EventTx appends to the event log inside a transaction. The log is
// append-only: individual events are never updated or deleted outside the
// cascade-delete path.
type EventTx interface {
	// Append assigns the per-command sequence number and created-at inside
	// the owning transaction and writes the event.
	Append(ctx context.Context, ev *event.MedicationEvent) error

	// TerminalEventType returns the terminal event type for an occurrence
	// if one exists. Used for atomic check-then-act.
	TerminalEventType(ctx context.Context, commandID string, scheduledAt time.Time) (event.Type, bool, error)

	// ScheduledOccurrences returns the set of scheduledDateTime values that
	// already carry a dose_scheduled event in [from, to). Horizon
	// regeneration checks this before inserting.
	ScheduledOccurrences(ctx context.Context, commandID string, from, to time.Time) (map[time.Time]bool, error)
}

// CommandReader reads commands outside any transaction.
type CommandReader interface {
	GetCommand(ctx context.Context, id string) (*command.MedicationCommand, error)
	ListCommandsByPatient(ctx context.Context, patientID string) ([]*command.MedicationCommand, error)
}

// EventReader queries the event log outside any transaction.
type EventReader interface {
	// QueryEvents returns events matching the filter, ordered by
	// (scheduledDateTime, eventSequenceNumber) ascending.
	QueryEvents(ctx context.Context, f event.Filter) ([]*event.MedicationEvent, error)

	// OccurrenceEvents returns every event for one dose occurrence.
	OccurrenceEvents(ctx context.Context, commandID string, scheduledAt time.Time) ([]*event.MedicationEvent, error)

	// DeriveCurrentStatus resolves the occurrence's derived status.
	DeriveCurrentStatus(ctx context.Context, commandID string, scheduledAt time.Time) (event.OccurrenceStatus, error)
}

// DoseCandidate is a scheduled occurrence of an active command with no
// terminal event yet, carrying the grace snapshot taken at scheduling time.
type DoseCandidate struct {
	CommandID    string
	PatientID    string
	ScheduledAt  time.Time
	GraceMinutes int
	SnoozedUntil *time.Time
}

// ScanCursor positions a candidate page within the (scheduledAt, commandID)
// total order. An empty CommandID starts the page at ScheduledAt inclusively;
// otherwise the page starts strictly after the cursor, so a burst of
// same-instant occurrences larger than one page is never skipped.
type ScanCursor struct {
	ScheduledAt time.Time
	CommandID   string
}

// ScanSource feeds the missed-dose detector.
type ScanSource interface {
	// PendingDoseCandidates returns unresolved occurrences after cursor and
	// before to for active commands, ordered by (scheduledAt, commandID),
	// up to limit.
	PendingDoseCandidates(ctx context.Context, cursor ScanCursor, to time.Time, limit int) ([]*DoseCandidate, error)

	// GetScanCheckpoint returns the persisted low-water mark for a scanner,
	// or the zero time when the scanner has never completed a run.
	GetScanCheckpoint(ctx context.Context, scanner string) (time.Time, error)

	// SaveScanCheckpoint records how far a scanner has fully processed.
	SaveScanCheckpoint(ctx context.Context, scanner string, at time.Time) error
}

// DeletionSummary reports what a cascade delete removed.
type DeletionSummary struct {
	CommandDeleted    bool  `json:"command_deleted"`
	EventsDeleted     int64 `json:"events_deleted"`
	TotalItemsDeleted int64 `json:"total_items_deleted"`
}
