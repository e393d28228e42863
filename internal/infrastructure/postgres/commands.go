package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medherence/medcycle/internal/domain/command"
)

func nowUTC() time.Time { return time.Now().UTC() }

// commandTx mutates medication_commands inside one transaction.
type commandTx struct {
	tx pgx.Tx
}

const commandColumns = `
	id, patient_id, medication, schedule, reminders, status, is_prn,
	medication_type, grace_override_minutes, version, created_at, updated_at, deleted_at
`

func (c *commandTx) Insert(ctx context.Context, cmd *command.MedicationCommand) error {
	medication, schedule, reminders, err := marshalEmbedded(cmd)
	if err != nil {
		return err
	}

	_, err = c.tx.Exec(ctx, `
		INSERT INTO medication_commands
		(id, patient_id, medication, schedule, reminders, status, is_prn,
		 medication_type, grace_override_minutes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`,
		cmd.ID, cmd.PatientID, medication, schedule, reminders,
		cmd.Status, cmd.IsPRN, cmd.MedicationType, cmd.GraceOverrideMinutes,
		cmd.Version, cmd.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// Update persists the command only when the stored version still equals
// expectedVersion. The WHERE clause carries the optimistic check so losing
// writers see zero rows affected instead of clobbering the winner.
func (c *commandTx) Update(ctx context.Context, cmd *command.MedicationCommand, expectedVersion int) error {
	medication, schedule, reminders, err := marshalEmbedded(cmd)
	if err != nil {
		return err
	}

	cmd.Version = expectedVersion + 1
	cmd.UpdatedAt = nowUTC()

	tag, err := c.tx.Exec(ctx, `
		UPDATE medication_commands
		SET medication = $1, schedule = $2, reminders = $3, status = $4,
		    is_prn = $5, medication_type = $6, grace_override_minutes = $7,
		    version = $8, updated_at = $9, deleted_at = $10
		WHERE id = $11 AND version = $12
	`,
		medication, schedule, reminders, cmd.Status,
		cmd.IsPRN, cmd.MedicationType, cmd.GraceOverrideMinutes,
		cmd.Version, cmd.UpdatedAt, cmd.DeletedAt,
		cmd.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update command: %w", err)
	}

	if tag.RowsAffected() == 0 {
		cmd.Version = expectedVersion
		var actual int
		err := c.tx.QueryRow(ctx,
			`SELECT version FROM medication_commands WHERE id = $1`, cmd.ID,
		).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return &command.NotFoundError{Kind: "command", ID: cmd.ID}
		}
		if err != nil {
			return fmt.Errorf("read conflicting version: %w", err)
		}
		return &command.VersionConflictError{
			CommandID:       cmd.ID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   actual,
		}
	}
	return nil
}

func (c *commandTx) Get(ctx context.Context, id string) (*command.MedicationCommand, error) {
	row := c.tx.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM medication_commands WHERE id = $1`, id)
	return scanCommand(row, id)
}

// Pool-backed reads.

func (s *Store) GetCommand(ctx context.Context, id string) (*command.MedicationCommand, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM medication_commands WHERE id = $1`, id)
	return scanCommand(row, id)
}

func (s *Store) ListCommandsByPatient(ctx context.Context, patientID string) ([]*command.MedicationCommand, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandColumns+`
		FROM medication_commands
		WHERE patient_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var cmds []*command.MedicationCommand
	for rows.Next() {
		cmd, err := scanCommand(rows, "")
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner, id string) (*command.MedicationCommand, error) {
	cmd := &command.MedicationCommand{}
	var medication, schedule, reminders []byte

	err := row.Scan(
		&cmd.ID, &cmd.PatientID, &medication, &schedule, &reminders,
		&cmd.Status, &cmd.IsPRN, &cmd.MedicationType, &cmd.GraceOverrideMinutes,
		&cmd.Version, &cmd.CreatedAt, &cmd.UpdatedAt, &cmd.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &command.NotFoundError{Kind: "command", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}

	if err := json.Unmarshal(medication, &cmd.Medication); err != nil {
		return nil, fmt.Errorf("decode medication: %w", err)
	}
	if err := json.Unmarshal(schedule, &cmd.Schedule); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	if err := json.Unmarshal(reminders, &cmd.Reminders); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	return cmd, nil
}

func marshalEmbedded(cmd *command.MedicationCommand) (medication, schedule, reminders []byte, err error) {
	if medication, err = json.Marshal(cmd.Medication); err != nil {
		return nil, nil, nil, fmt.Errorf("encode medication: %w", err)
	}
	if schedule, err = json.Marshal(cmd.Schedule); err != nil {
		return nil, nil, nil, fmt.Errorf("encode schedule: %w", err)
	}
	if reminders, err = json.Marshal(cmd.Reminders); err != nil {
		return nil, nil, nil, fmt.Errorf("encode reminders: %w", err)
	}
	return medication, schedule, reminders, nil
}
