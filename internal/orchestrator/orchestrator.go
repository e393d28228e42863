// Package orchestrator is the single entry point for every externally
// triggered medication workflow. Each workflow runs one transaction covering
// the command mutation and all resulting event appends; notification dispatch
// happens after commit, outside the consistency boundary.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/domain/grace"
	"github.com/medherence/medcycle/internal/notify"
	"github.com/medherence/medcycle/internal/storage"
)

// GraceConfigProvider supplies the per-patient grace period configuration.
type GraceConfigProvider interface {
	ConfigFor(ctx context.Context, patientID string) (grace.Config, error)
}

// StaticGraceConfig serves one configuration for every patient.
type StaticGraceConfig struct {
	Config grace.Config
}

func (p StaticGraceConfig) ConfigFor(context.Context, string) (grace.Config, error) {
	return p.Config, nil
}

// SideEffects reports what a workflow changed beyond its primary document.
type SideEffects struct {
	EventsCreated       int   `json:"events_created"`
	EventsDeleted       int64 `json:"events_deleted"`
	NotificationsQueued int   `json:"notifications_queued"`
}

// Result is a successful workflow outcome.
type Result struct {
	Data        any         `json:"data,omitempty"`
	SideEffects SideEffects `json:"side_effects"`
}

// statusRetryAttempts bounds the re-read-and-retry loop for internally driven
// status changes when a concurrent writer wins the version race.
const statusRetryAttempts = 3

// Orchestrator coordinates the command store, event log, transaction manager
// and notification dispatcher. All collaborators are injected at construction
// time.
type Orchestrator struct {
	commands   storage.CommandReader
	events     storage.EventReader
	txm        storage.TxManager
	dispatcher notify.Dispatcher
	graceCfg   GraceConfigProvider
	logger     *zap.Logger
	tracer     trace.Tracer

	now func() time.Time
}

// New creates the orchestrator.
func New(
	commands storage.CommandReader,
	events storage.EventReader,
	txm storage.TxManager,
	dispatcher notify.Dispatcher,
	graceCfg GraceConfigProvider,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	if graceCfg == nil {
		graceCfg = StaticGraceConfig{Config: grace.DefaultConfig()}
	}
	return &Orchestrator{
		commands:   commands,
		events:     events,
		txm:        txm,
		dispatcher: dispatcher,
		graceCfg:   graceCfg,
		logger:     logger,
		tracer:     otel.Tracer("orchestrator"),
		now:        time.Now,
	}
}

// CreateInput is the create-workflow intent.
type CreateInput struct {
	PatientID      string             `json:"patient_id"`
	Medication     command.Medication `json:"medication"`
	Schedule       command.Schedule   `json:"schedule"`
	Reminders      command.Reminders  `json:"reminders"`
	MedicationType string             `json:"medication_type"`
	IsPRN          bool               `json:"is_prn"`

	GraceOverrideMinutes *int `json:"grace_override_minutes,omitempty"`
}

// Create validates the intent, writes the command with version 1 and status
// active, records command_created and the initial scheduled-dose horizon in
// one transaction, then queues a notification.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_create")
	defer span.End()

	now := o.now().UTC()
	cmd := &command.MedicationCommand{
		ID:                   uuid.New().String(),
		PatientID:            in.PatientID,
		Medication:           in.Medication,
		Schedule:             in.Schedule,
		Reminders:            in.Reminders,
		Status:               command.StatusActive,
		IsPRN:                in.IsPRN,
		MedicationType:       in.MedicationType,
		GraceOverrideMinutes: in.GraceOverrideMinutes,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	cfg, err := o.graceCfg.ConfigFor(ctx, cmd.PatientID)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("command_id", cmd.ID))

	var created int
	err = o.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Commands().Insert(ctx, cmd); err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, event.New(cmd.ID, cmd.PatientID, event.TypeCommandCreated)); err != nil {
			return err
		}
		created++

		n, err := o.scheduleHorizon(ctx, tx, cmd, cfg, now)
		if err != nil {
			return err
		}
		created += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("command created",
		zap.String("command_id", cmd.ID),
		zap.String("patient_id", cmd.PatientID),
		zap.Int("doses_scheduled", created-1))

	queued := o.notify(ctx, cmd, event.TypeCommandCreated, "medication added: "+cmd.Medication.Name)

	return &Result{
		Data: cmd,
		SideEffects: SideEffects{
			EventsCreated:       created,
			NotificationsQueued: queued,
		},
	}, nil
}

// Update applies a patch under the caller-supplied expected version,
// records command_updated, and extends the scheduled-dose horizon without
// duplicating any existing occurrence. A lost version race surfaces as
// VersionConflictError for the caller to re-read and retry.
func (o *Orchestrator) Update(ctx context.Context, patientID, commandID string, patch command.Patch, expectedVersion int) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_update",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()

	cfg, err := o.graceCfg.ConfigFor(ctx, patientID)
	if err != nil {
		return nil, err
	}

	var cmd *command.MedicationCommand
	var created int
	err = o.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		cmd, err = tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		if err := o.authorize(patientID, cmd); err != nil {
			return err
		}
		if cmd.Status == command.StatusDiscontinued {
			return &command.ValidationError{Fields: []string{"status: command is discontinued"}}
		}

		patch.Apply(cmd)
		if err := cmd.Validate(); err != nil {
			return err
		}
		if err := tx.Commands().Update(ctx, cmd, expectedVersion); err != nil {
			return err
		}
		if err := tx.Events().Append(ctx, event.New(cmd.ID, cmd.PatientID, event.TypeCommandUpdated)); err != nil {
			return err
		}
		created++

		n, err := o.scheduleHorizon(ctx, tx, cmd, cfg, o.now().UTC())
		if err != nil {
			return err
		}
		created += n
		return nil
	})
	if err != nil {
		return nil, err
	}

	queued := o.notify(ctx, cmd, event.TypeCommandUpdated, "medication updated: "+cmd.Medication.Name)

	return &Result{
		Data:        cmd,
		SideEffects: SideEffects{EventsCreated: created, NotificationsQueued: queued},
	}, nil
}

// Take records a dose as taken. dose_taken wins over a previously recorded
// dose_missed for the same occurrence, so a late mark-taken is accepted; a
// dose already taken or skipped is rejected.
func (o *Orchestrator) Take(ctx context.Context, patientID, commandID string, scheduledAt, actualAt time.Time) (*Result, error) {
	return o.resolveDose(ctx, patientID, commandID, scheduledAt, actualAt, event.TypeDoseTaken)
}

// Skip records a dose as intentionally skipped.
func (o *Orchestrator) Skip(ctx context.Context, patientID, commandID string, scheduledAt, actualAt time.Time) (*Result, error) {
	return o.resolveDose(ctx, patientID, commandID, scheduledAt, actualAt, event.TypeDoseSkipped)
}

func (o *Orchestrator) resolveDose(ctx context.Context, patientID, commandID string, scheduledAt, actualAt time.Time, typ event.Type) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_"+string(typ),
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()

	scheduledAt = scheduledAt.UTC()
	actualAt = actualAt.UTC()

	var ev *event.MedicationEvent
	err := o.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		if err := o.authorize(patientID, cmd); err != nil {
			return err
		}
		if cmd.Status == command.StatusDiscontinued {
			return &command.ValidationError{Fields: []string{"status: command is discontinued"}}
		}

		// PRN doses have no pre-scheduled occurrence; the intake moment
		// identifies the occurrence.
		if cmd.IsPRN && scheduledAt.IsZero() {
			scheduledAt = actualAt
		}

		terminal, found, err := tx.Events().TerminalEventType(ctx, commandID, scheduledAt)
		if err != nil {
			return err
		}
		if found && terminal != event.TypeDoseMissed {
			return &command.ValidationError{Fields: []string{
				"occurrence: already resolved as " + string(terminal),
			}}
		}
		if found && typ == event.TypeDoseSkipped {
			return &command.ValidationError{Fields: []string{
				"occurrence: already resolved as " + string(terminal),
			}}
		}

		ev = event.New(commandID, cmd.PatientID, typ)
		ev.ScheduledDateTime = scheduledAt
		ev.ActualDateTime = &actualAt
		return tx.Events().Append(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:        ev,
		SideEffects: SideEffects{EventsCreated: 1},
	}, nil
}

// Snooze extends an unresolved occurrence's tolerance window to snoozedUntil.
func (o *Orchestrator) Snooze(ctx context.Context, patientID, commandID string, scheduledAt, snoozedUntil time.Time) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_snooze",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()

	scheduledAt = scheduledAt.UTC()
	snoozedUntil = snoozedUntil.UTC()
	if !snoozedUntil.After(scheduledAt) {
		return nil, &command.ValidationError{Fields: []string{"snoozed_until: must be after the scheduled time"}}
	}

	var ev *event.MedicationEvent
	err := o.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cmd, err := tx.Commands().Get(ctx, commandID)
		if err != nil {
			return err
		}
		if err := o.authorize(patientID, cmd); err != nil {
			return err
		}
		if cmd.Status == command.StatusDiscontinued {
			return &command.ValidationError{Fields: []string{"status: command is discontinued"}}
		}

		existing, err := tx.Events().ScheduledOccurrences(ctx, commandID, scheduledAt, scheduledAt.Add(time.Second))
		if err != nil {
			return err
		}
		if !existing[scheduledAt] {
			return &command.NotFoundError{Kind: "dose occurrence", ID: commandID + "@" + scheduledAt.Format(time.RFC3339)}
		}

		terminal, found, err := tx.Events().TerminalEventType(ctx, commandID, scheduledAt)
		if err != nil {
			return err
		}
		if found {
			return &command.ValidationError{Fields: []string{
				"occurrence: already resolved as " + string(terminal),
			}}
		}

		ev = event.New(commandID, cmd.PatientID, event.TypeDoseSnoozed)
		ev.ScheduledDateTime = scheduledAt
		ev.ActualDateTime = &snoozedUntil
		return tx.Events().Append(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	return &Result{Data: ev, SideEffects: SideEffects{EventsCreated: 1}}, nil
}

// Pause suspends an active command.
func (o *Orchestrator) Pause(ctx context.Context, patientID, commandID, reason string) (*Result, error) {
	return o.changeStatus(ctx, patientID, commandID, command.StatusPaused, reason)
}

// Resume reactivates a paused command and regenerates the scheduled-dose
// horizon without duplicating surviving occurrences.
func (o *Orchestrator) Resume(ctx context.Context, patientID, commandID, reason string) (*Result, error) {
	return o.changeStatus(ctx, patientID, commandID, command.StatusActive, reason)
}

// Discontinue moves the command to its terminal state.
func (o *Orchestrator) Discontinue(ctx context.Context, patientID, commandID, reason string) (*Result, error) {
	return o.changeStatus(ctx, patientID, commandID, command.StatusDiscontinued, reason)
}

// changeStatus re-reads inside each attempt, so an internally driven status
// change retries a bounded number of times when it loses the version race.
func (o *Orchestrator) changeStatus(ctx context.Context, patientID, commandID string, to command.Status, reason string) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_change_status",
		trace.WithAttributes(
			attribute.String("command_id", commandID),
			attribute.String("to_status", string(to)),
		))
	defer span.End()

	var cmd *command.MedicationCommand
	var created int
	var lastErr error

	for attempt := 0; attempt < statusRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		created = 0
		lastErr = o.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			cmd, err = tx.Commands().Get(ctx, commandID)
			if err != nil {
				return err
			}
			if err := o.authorize(patientID, cmd); err != nil {
				return err
			}

			expected := cmd.Version
			if err := cmd.Transition(to); err != nil {
				return err
			}
			if err := tx.Commands().Update(ctx, cmd, expected); err != nil {
				return err
			}

			evType := event.TypeCommandUpdated
			if to == command.StatusDiscontinued {
				evType = event.TypeCommandDiscontinued
			}
			ev := event.New(cmd.ID, cmd.PatientID, evType)
			if err := tx.Events().Append(ctx, ev); err != nil {
				return err
			}
			created++

			if to == command.StatusActive && !cmd.IsPRN {
				cfg, err := o.graceCfg.ConfigFor(ctx, cmd.PatientID)
				if err != nil {
					return err
				}
				n, err := o.scheduleHorizon(ctx, tx, cmd, cfg, o.now().UTC())
				if err != nil {
					return err
				}
				created += n
			}
			return nil
		})

		var conflict *command.VersionConflictError
		if errors.As(lastErr, &conflict) {
			continue
		}
		break
	}
	if lastErr != nil {
		return nil, lastErr
	}

	o.logger.Info("command status changed",
		zap.String("command_id", commandID),
		zap.String("status", string(to)),
		zap.String("reason", reason))

	var queued int
	if to == command.StatusDiscontinued {
		queued = o.notify(ctx, cmd, event.TypeCommandDiscontinued, "medication discontinued: "+cmd.Medication.Name)
	}

	return &Result{
		Data:        cmd,
		SideEffects: SideEffects{EventsCreated: created, NotificationsQueued: queued},
	}, nil
}

// Delete removes the command through the cascade-delete contract. Soft delete
// (the default) leaves the command discontinued with a deletion marker; hard
// delete removes the document. Either way zero events remain afterward.
func (o *Orchestrator) Delete(ctx context.Context, patientID, commandID string, hardDelete bool) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "workflow_delete",
		trace.WithAttributes(
			attribute.String("command_id", commandID),
			attribute.Bool("hard_delete", hardDelete),
		))
	defer span.End()

	cmd, err := o.commands.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(patientID, cmd); err != nil {
		return nil, err
	}

	summary, err := o.txm.CascadeDelete(ctx, commandID, hardDelete)
	if err != nil {
		return nil, err
	}

	o.logger.Info("command deleted",
		zap.String("command_id", commandID),
		zap.Bool("hard_delete", hardDelete),
		zap.Int64("events_deleted", summary.EventsDeleted))

	return &Result{
		Data:        summary,
		SideEffects: SideEffects{EventsDeleted: summary.EventsDeleted},
	}, nil
}

// scheduleHorizon appends dose_scheduled events for the next HorizonDays,
// skipping any (command, scheduledDateTime) pair that already has one. Each
// event snapshots the grace period computed at scheduling time.
func (o *Orchestrator) scheduleHorizon(ctx context.Context, tx storage.Tx, cmd *command.MedicationCommand, cfg grace.Config, from time.Time) (int, error) {
	if cmd.IsPRN || !cmd.IsActive() {
		return 0, nil
	}

	to := from.AddDate(0, 0, HorizonDays)
	wanted := Occurrences(cmd.Schedule, from, to)
	if len(wanted) == 0 {
		return 0, nil
	}

	existing, err := tx.Events().ScheduledOccurrences(ctx, cmd.ID, from, to)
	if err != nil {
		return 0, err
	}

	var created int
	for _, at := range wanted {
		if existing[at] {
			continue
		}

		res := grace.Compute(grace.Input{
			MedicationType:            grace.MedicationType(cmd.MedicationType),
			TimeSlot:                  grace.SlotFor(at),
			ScheduledAt:               at,
			MedicationOverrideMinutes: cmd.GraceOverrideMinutes,
			Config:                    cfg,
		})

		ev := event.New(cmd.ID, cmd.PatientID, event.TypeDoseScheduled)
		ev.ScheduledDateTime = at
		ev.GracePeriodMinutes = res.GracePeriodMinutes
		ev.GracePeriodRulesApplied = res.AppliedRules
		if err := tx.Events().Append(ctx, ev); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// notify queues a notification asynchronously. Failures never propagate.
func (o *Orchestrator) notify(ctx context.Context, cmd *command.MedicationCommand, typ event.Type, message string) int {
	if !cmd.Reminders.Enabled && typ != event.TypeCommandDiscontinued {
		return 0
	}
	n := notify.New(cmd.ID, cmd.PatientID, typ, message)
	if err := o.dispatcher.Dispatch(ctx, n); err != nil {
		o.logger.Warn("notification dispatch failed",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
		return 0
	}
	return 1
}

func (o *Orchestrator) authorize(patientID string, cmd *command.MedicationCommand) error {
	if patientID != "" && cmd.PatientID != patientID {
		return &command.PermissionError{PatientID: patientID, CommandID: cmd.ID}
	}
	return nil
}
