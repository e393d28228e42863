package postgres

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/storage"
)

// The tests in this file exercise real locking and transaction semantics, so
// they need a live database. They run against TEST_DATABASE_URL (falling back
// to DATABASE_URL) inside a throwaway schema, and skip when neither is set.

var schemaSerial int64

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	schema := "medcycle_test_" +
		strconv.FormatInt(time.Now().UnixNano(), 36) + "_" +
		strconv.FormatInt(atomic.AddInt64(&schemaSerial, 1), 10)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
	})

	ddl := []string{
		`CREATE TABLE medication_commands (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			medication JSONB NOT NULL,
			schedule JSONB NOT NULL,
			reminders JSONB NOT NULL,
			status TEXT NOT NULL,
			is_prn BOOLEAN NOT NULL,
			medication_type TEXT NOT NULL,
			grace_override_minutes INT,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE medication_events (
			id TEXT PRIMARY KEY,
			command_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			actual_at TIMESTAMPTZ,
			grace_minutes INT NOT NULL,
			grace_rules TEXT[],
			event_seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return pool
}

func seedCommand(t *testing.T, pool *pgxpool.Pool, id string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO medication_commands
		(id, patient_id, medication, schedule, reminders, status, is_prn,
		 medication_type, grace_override_minutes, version, created_at, updated_at)
		VALUES ($1, 'patient-1', '{}', '{}', '{}', $2, false, 'standard', NULL, 1, NOW(), NOW())
	`, id, command.StatusActive)
	if err != nil {
		t.Fatalf("seed command: %v", err)
	}
}

func TestAppendAssignsDistinctSequencesUnderConcurrency(t *testing.T) {
	pool := newTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	seedCommand(t, pool, "cmd-seq")

	txA, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin A: %v", err)
	}
	defer txA.Rollback(ctx)

	evA := event.New("cmd-seq", "patient-1", event.TypeCommandCreated)
	if err := (&eventTx{tx: txA}).Append(ctx, evA); err != nil {
		t.Fatalf("append A: %v", err)
	}

	// The second writer starts while the first transaction is still open. It
	// must block on the command row until A commits, then compute its
	// sequence number from A's committed append.
	evB := event.New("cmd-seq", "patient-1", event.TypeDoseScheduled)
	evB.ScheduledDateTime = time.Now().UTC()
	done := make(chan error, 1)
	go func() {
		txB, err := pool.Begin(ctx)
		if err != nil {
			done <- err
			return
		}
		defer txB.Rollback(ctx)
		if err := (&eventTx{tx: txB}).Append(ctx, evB); err != nil {
			done <- err
			return
		}
		done <- txB.Commit(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	if err := txA.Commit(ctx); err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	if evA.EventSequenceNumber == evB.EventSequenceNumber {
		t.Fatalf("both appends were assigned event_seq %d", evA.EventSequenceNumber)
	}
	var distinct int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT event_seq) FROM medication_events WHERE command_id = 'cmd-seq'`,
	).Scan(&distinct)
	if err != nil {
		t.Fatalf("count sequences: %v", err)
	}
	if distinct != 2 {
		t.Fatalf("got %d distinct sequence numbers, want 2", distinct)
	}
}

func TestAppendRejectsMissingCommand(t *testing.T) {
	pool := newTestPool(t)
	store := NewStore(pool, nil)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Events().Append(ctx, event.New("ghost", "patient-1", event.TypeCommandCreated))
	})
	var nfe *command.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("append for a missing command: want NotFoundError, got %v", err)
	}
}

func TestCascadeDeleteHardRemovesCommandLast(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	store := NewStore(pool, nil)
	store.cascadeBatchSize = 10

	seedCommand(t, pool, "cmd-del")

	base := time.Now().UTC().Truncate(time.Second)
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < 25; i++ {
			ev := event.New("cmd-del", "patient-1", event.TypeDoseScheduled)
			ev.ScheduledDateTime = base.Add(time.Duration(i) * time.Minute)
			if err := tx.Events().Append(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}

	// A partially drained history leaves the command retrievable, so a
	// retried delete resumes the drain instead of stranding orphans.
	if _, err := store.deleteEventBatch(ctx, "cmd-del"); err != nil {
		t.Fatalf("drain one batch: %v", err)
	}
	if _, err := store.GetCommand(ctx, "cmd-del"); err != nil {
		t.Fatalf("command gone after partial drain: %v", err)
	}

	summary, err := store.CascadeDelete(ctx, "cmd-del", true)
	if err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if !summary.CommandDeleted {
		t.Fatal("summary reports the command as kept")
	}
	if summary.EventsDeleted != 15 {
		t.Fatalf("events deleted = %d, want the 15 remaining", summary.EventsDeleted)
	}

	var remaining int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM medication_events WHERE command_id = 'cmd-del'`,
	).Scan(&remaining); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("%d events remain after cascade delete", remaining)
	}

	var nfe *command.NotFoundError
	if _, err := store.GetCommand(ctx, "cmd-del"); !errors.As(err, &nfe) {
		t.Fatalf("command still present: %v", err)
	}
	if _, err := store.CascadeDelete(ctx, "cmd-del", true); !errors.As(err, &nfe) {
		t.Fatalf("repeated delete: want NotFoundError, got %v", err)
	}
}

func TestCascadeDeleteSoftKeepsCommandResolvable(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	store := NewStore(pool, nil)

	seedCommand(t, pool, "cmd-soft")
	err := store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Events().Append(ctx, event.New("cmd-soft", "patient-1", event.TypeCommandCreated))
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	summary, err := store.CascadeDelete(ctx, "cmd-soft", false)
	if err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if !summary.CommandDeleted || summary.EventsDeleted != 1 {
		t.Fatalf("summary = %+v, want marked command and 1 event removed", summary)
	}

	cmd, err := store.GetCommand(ctx, "cmd-soft")
	if err != nil {
		t.Fatalf("soft-deleted command unreadable: %v", err)
	}
	if cmd.Status != command.StatusDiscontinued || cmd.DeletedAt == nil {
		t.Fatalf("command = status %s deleted_at %v, want discontinued with marker", cmd.Status, cmd.DeletedAt)
	}

	// Repeating the soft delete is safe.
	if _, err := store.CascadeDelete(ctx, "cmd-soft", false); err != nil {
		t.Fatalf("repeated soft delete: %v", err)
	}
}
