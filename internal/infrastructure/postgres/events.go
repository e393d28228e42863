package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
)

// eventTx appends to medication_events inside one transaction. The table is
// append-only: nothing here updates or deletes rows; only the cascade-delete
// path in the transaction manager removes them.
type eventTx struct {
	tx pgx.Tx
}

// Append writes the event, assigning the per-command sequence number inside
// the owning transaction so concurrent appends for the same command cannot
// tie. Appends for one command serialize on its command row: at read
// committed, two transactions computing MAX(event_seq) from the same
// snapshot would otherwise both insert the same sequence number.
func (e *eventTx) Append(ctx context.Context, ev *event.MedicationEvent) error {
	var locked int
	err := e.tx.QueryRow(ctx,
		`SELECT 1 FROM medication_commands WHERE id = $1 FOR UPDATE`, ev.CommandID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return &command.NotFoundError{Kind: "command", ID: ev.CommandID}
	}
	if err != nil {
		return fmt.Errorf("lock command for append: %w", err)
	}

	err = e.tx.QueryRow(ctx, `
		INSERT INTO medication_events
		(id, command_id, patient_id, event_type, scheduled_at, actual_at,
		 grace_minutes, grace_rules, event_seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		        (SELECT COALESCE(MAX(event_seq), 0) + 1
		         FROM medication_events WHERE command_id = $2),
		        NOW())
		RETURNING event_seq, created_at
	`,
		ev.ID, ev.CommandID, ev.PatientID, ev.EventType,
		ev.ScheduledDateTime, ev.ActualDateTime,
		ev.GracePeriodMinutes, ev.GracePeriodRulesApplied,
	).Scan(&ev.EventSequenceNumber, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (e *eventTx) TerminalEventType(ctx context.Context, commandID string, scheduledAt time.Time) (event.Type, bool, error) {
	return terminalEventType(ctx, e.tx, commandID, scheduledAt)
}

func (e *eventTx) ScheduledOccurrences(ctx context.Context, commandID string, from, to time.Time) (map[time.Time]bool, error) {
	rows, err := e.tx.Query(ctx, `
		SELECT scheduled_at FROM medication_events
		WHERE command_id = $1
		  AND event_type = $2
		  AND scheduled_at >= $3 AND scheduled_at < $4
	`, commandID, event.TypeDoseScheduled, from, to)
	if err != nil {
		return nil, fmt.Errorf("query scheduled occurrences: %w", err)
	}
	defer rows.Close()

	existing := make(map[time.Time]bool)
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		existing[at.UTC()] = true
	}
	return existing, rows.Err()
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// terminalEventType finds the resolving event for an occurrence if any.
// dose_taken sorts first so it wins over a simultaneously present
// dose_missed.
func terminalEventType(ctx context.Context, q queryer, commandID string, scheduledAt time.Time) (event.Type, bool, error) {
	var typ event.Type
	err := q.QueryRow(ctx, `
		SELECT event_type FROM medication_events
		WHERE command_id = $1 AND scheduled_at = $2
		  AND event_type = ANY($3)
		ORDER BY CASE event_type
			WHEN 'dose_taken' THEN 0
			WHEN 'dose_skipped' THEN 1
			ELSE 2
		END
		LIMIT 1
	`, commandID, scheduledAt,
		[]string{string(event.TypeDoseTaken), string(event.TypeDoseSkipped), string(event.TypeDoseMissed)},
	).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query terminal event: %w", err)
	}
	return typ, true, nil
}

const eventColumns = `
	id, command_id, patient_id, event_type, scheduled_at, actual_at,
	grace_minutes, grace_rules, event_seq, created_at
`

// QueryEvents returns events matching the filter, ordered by
// (scheduled_at, event_seq) ascending.
func (s *Store) QueryEvents(ctx context.Context, f event.Filter) ([]*event.MedicationEvent, error) {
	sql := `SELECT ` + eventColumns + ` FROM medication_events WHERE 1=1`
	var args []any

	add := func(clause string, v any) {
		args = append(args, v)
		sql += " AND " + clause + "$" + strconv.Itoa(len(args))
	}

	if f.CommandID != "" {
		add("command_id = ", f.CommandID)
	}
	if f.PatientID != "" {
		add("patient_id = ", f.PatientID)
	}
	if f.EventType != "" {
		add("event_type = ", f.EventType)
	}
	if !f.From.IsZero() {
		add("scheduled_at >= ", f.From)
	}
	if !f.To.IsZero() {
		add("scheduled_at < ", f.To)
	}

	sql += " ORDER BY scheduled_at, event_seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *Store) OccurrenceEvents(ctx context.Context, commandID string, scheduledAt time.Time) ([]*event.MedicationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM medication_events
		WHERE command_id = $1 AND scheduled_at = $2
		ORDER BY event_seq
	`, commandID, scheduledAt)
	if err != nil {
		return nil, fmt.Errorf("query occurrence events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// DeriveCurrentStatus resolves the derived status of one dose occurrence.
func (s *Store) DeriveCurrentStatus(ctx context.Context, commandID string, scheduledAt time.Time) (event.OccurrenceStatus, error) {
	events, err := s.OccurrenceEvents(ctx, commandID, scheduledAt)
	if err != nil {
		return "", err
	}
	return event.DeriveStatus(events), nil
}

func scanEvents(rows pgx.Rows) ([]*event.MedicationEvent, error) {
	var events []*event.MedicationEvent
	for rows.Next() {
		ev := &event.MedicationEvent{}
		err := rows.Scan(
			&ev.ID, &ev.CommandID, &ev.PatientID, &ev.EventType,
			&ev.ScheduledDateTime, &ev.ActualDateTime,
			&ev.GracePeriodMinutes, &ev.GracePeriodRulesApplied,
			&ev.EventSequenceNumber, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
