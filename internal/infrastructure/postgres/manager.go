// Package postgres implements the persistence layer: command store, event
// log, transaction manager, scan checkpoints and the notification outbox.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/storage"
)

// Store provides pool-backed readers and the transaction manager.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer

	// cascadeBatchSize bounds how many events a single sub-transaction of
	// a cascade delete may remove.
	cascadeBatchSize int
}

// NewStore creates the store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:             pool,
		logger:           logger,
		tracer:           otel.Tracer("postgres-store"),
		cascadeBatchSize: 500,
	}
}

// pgTx is the storage.Tx bound to one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commands() storage.CommandTx { return &commandTx{tx: t.tx} }
func (t *pgTx) Events() storage.EventTx     { return &eventTx{tx: t.tx} }

// WithinTx runs fn inside one transaction. Rollback is deferred, so it covers
// every failure path including panics; after a successful commit it is a
// no-op.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "within_tx")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &storage.TransactionAbortError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return &storage.TransactionAbortError{Op: "commit", Err: err}
	}
	return nil
}

// CascadeDelete removes a command and every event referencing it. Events are
// deleted in bounded sub-transactions so a large history cannot exceed a
// single transaction's safe write count; each sub-batch is independently
// retry-safe. Soft delete marks the command first, which stops new writers,
// then drains the history. Hard delete drains the history first and removes
// the command row in the final transaction: an interrupted run leaves the
// command in place, so a retried delete resumes the drain instead of
// stranding orphaned events behind a missing command.
func (s *Store) CascadeDelete(ctx context.Context, commandID string, hardDelete bool) (*storage.DeletionSummary, error) {
	ctx, span := s.tracer.Start(ctx, "cascade_delete",
		trace.WithAttributes(
			attribute.String("command_id", commandID),
			attribute.Bool("hard_delete", hardDelete),
		))
	defer span.End()

	summary := &storage.DeletionSummary{}

	if !hardDelete {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			cmd, err := tx.Commands().Get(ctx, commandID)
			if err != nil {
				return err
			}
			if cmd.Status != command.StatusDiscontinued {
				if err := cmd.Transition(command.StatusDiscontinued); err != nil {
					return err
				}
			}
			now := nowUTC()
			cmd.DeletedAt = &now
			if err := tx.Commands().Update(ctx, cmd, cmd.Version); err != nil {
				return err
			}
			summary.CommandDeleted = true
			return nil
		})
		if err != nil {
			return summary, err
		}
	}

	for {
		deleted, err := s.deleteEventBatch(ctx, commandID)
		if err != nil {
			return summary, err
		}
		summary.EventsDeleted += deleted
		if deleted < int64(s.cascadeBatchSize) {
			break
		}
	}

	if hardDelete {
		err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			tag, err := s.execInTx(ctx, tx, `DELETE FROM medication_commands WHERE id = $1`, commandID)
			if err != nil {
				return err
			}
			if tag == 0 {
				return &command.NotFoundError{Kind: "command", ID: commandID}
			}
			summary.CommandDeleted = true

			// The row lock taken by the delete serializes against in-flight
			// appends, so stragglers that landed during the drain are swept
			// here and nothing can commit afterwards.
			swept, err := s.execInTx(ctx, tx, `DELETE FROM medication_events WHERE command_id = $1`, commandID)
			if err != nil {
				return err
			}
			summary.EventsDeleted += swept
			return nil
		})
		if err != nil {
			return summary, err
		}
	}

	summary.TotalItemsDeleted = summary.EventsDeleted
	if hardDelete && summary.CommandDeleted {
		summary.TotalItemsDeleted++
	}

	s.logger.Info("cascade delete completed",
		zap.String("command_id", commandID),
		zap.Bool("hard_delete", hardDelete),
		zap.Int64("events_deleted", summary.EventsDeleted))

	return summary, nil
}

// deleteEventBatch removes up to cascadeBatchSize events for the command in
// its own transaction.
func (s *Store) deleteEventBatch(ctx context.Context, commandID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &storage.TransactionAbortError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM medication_events
		WHERE id IN (
			SELECT id FROM medication_events
			WHERE command_id = $1
			ORDER BY event_seq
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, commandID, s.cascadeBatchSize)
	if err != nil {
		return 0, fmt.Errorf("delete event batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &storage.TransactionAbortError{Op: "commit", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (s *Store) execInTx(ctx context.Context, tx storage.Tx, sql string, args ...any) (int64, error) {
	pt, ok := tx.(*pgTx)
	if !ok {
		return 0, fmt.Errorf("unexpected tx type %T", tx)
	}
	tag, err := pt.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
