package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/storage"
)

// PendingDoseCandidates returns unresolved occurrences before to, ordered by
// the (scheduled_at, command_id) total order and starting after the cursor.
// The two-column keyset lets the caller paginate past a burst of occurrences
// sharing one timestamp. Occurrences of paused or discontinued commands are
// excluded: a pause suspends missed tracking without touching the immutable
// history.
func (s *Store) PendingDoseCandidates(ctx context.Context, cursor storage.ScanCursor, to time.Time, limit int) ([]*storage.DoseCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.command_id, s.patient_id, s.scheduled_at, s.grace_minutes,
		       MAX(z.actual_at) AS snoozed_until
		FROM medication_events s
		JOIN medication_commands c ON c.id = s.command_id
		LEFT JOIN medication_events z
		  ON z.command_id = s.command_id
		 AND z.scheduled_at = s.scheduled_at
		 AND z.event_type = $1
		WHERE s.event_type = $2
		  AND (s.scheduled_at > $3 OR (s.scheduled_at = $3 AND s.command_id > $4))
		  AND s.scheduled_at < $5
		  AND c.status = $6 AND c.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM medication_events t
			WHERE t.command_id = s.command_id
			  AND t.scheduled_at = s.scheduled_at
			  AND t.event_type IN ('dose_taken', 'dose_missed', 'dose_skipped')
		  )
		GROUP BY s.command_id, s.patient_id, s.scheduled_at, s.grace_minutes
		ORDER BY s.scheduled_at, s.command_id
		LIMIT $7
	`, event.TypeDoseSnoozed, event.TypeDoseScheduled, cursor.ScheduledAt, cursor.CommandID, to, command.StatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("query dose candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*storage.DoseCandidate
	for rows.Next() {
		c := &storage.DoseCandidate{}
		err := rows.Scan(&c.CommandID, &c.PatientID, &c.ScheduledAt, &c.GraceMinutes, &c.SnoozedUntil)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GetScanCheckpoint returns the persisted low-water mark for a scanner, or
// the zero time when the scanner has never completed a run.
func (s *Store) GetScanCheckpoint(ctx context.Context, scanner string) (time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT window_start FROM scan_checkpoints WHERE scanner = $1`, scanner,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get scan checkpoint: %w", err)
	}
	return at, nil
}

// SaveScanCheckpoint records how far a scanner has fully processed.
func (s *Store) SaveScanCheckpoint(ctx context.Context, scanner string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_checkpoints (scanner, window_start, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (scanner) DO UPDATE
		SET window_start = EXCLUDED.window_start, updated_at = NOW()
	`, scanner, at)
	if err != nil {
		return fmt.Errorf("save scan checkpoint: %w", err)
	}
	return nil
}
