package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/notify"
	"github.com/medherence/medcycle/internal/storage"
)

// fixedNow keeps horizon generation deterministic: daily two-dose schedules
// starting 2026-09-01 produce exactly 60 occurrences in the 30-day window.
var fixedNow = time.Date(2026, 9, 1, 7, 0, 0, 0, time.UTC)

// memStore is an in-memory stand-in for the postgres store. It satisfies the
// reader interfaces and the transaction manager; WithinTx runs the function
// inline without rollback, which is enough because workflows validate before
// they write.
type memStore struct {
	mu       sync.Mutex
	commands map[string]*command.MedicationCommand
	events   []*event.MedicationEvent
	seq      map[string]int64

	// conflictsRemaining forces the next N Update calls to lose the version
	// race regardless of the stored version.
	conflictsRemaining int

	cascadeCalls   int
	cascadeSummary *storage.DeletionSummary
}

func newMemStore() *memStore {
	return &memStore{
		commands: make(map[string]*command.MedicationCommand),
		seq:      make(map[string]int64),
		cascadeSummary: &storage.DeletionSummary{
			CommandDeleted:    true,
			EventsDeleted:     4,
			TotalItemsDeleted: 5,
		},
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return fn(ctx, &memTx{s: s})
}

func (s *memStore) CascadeDelete(_ context.Context, commandID string, hardDelete bool) (*storage.DeletionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascadeCalls++

	remaining := s.events[:0]
	for _, ev := range s.events {
		if ev.CommandID != commandID {
			remaining = append(remaining, ev)
		}
	}
	s.events = remaining
	if hardDelete {
		delete(s.commands, commandID)
	} else if cmd, ok := s.commands[commandID]; ok {
		now := time.Now().UTC()
		cmd.Status = command.StatusDiscontinued
		cmd.DeletedAt = &now
	}
	return s.cascadeSummary, nil
}

func (s *memStore) GetCommand(_ context.Context, id string) (*command.MedicationCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *memStore) ListCommandsByPatient(_ context.Context, patientID string) ([]*command.MedicationCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*command.MedicationCommand
	for _, cmd := range s.commands {
		if cmd.PatientID == patientID && cmd.DeletedAt == nil {
			copied := *cmd
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) QueryEvents(_ context.Context, f event.Filter) ([]*event.MedicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.MedicationEvent
	for _, ev := range s.events {
		if f.CommandID != "" && ev.CommandID != f.CommandID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		out = append(out, ev)
	}
	event.Sort(out)
	return out, nil
}

func (s *memStore) OccurrenceEvents(_ context.Context, commandID string, scheduledAt time.Time) ([]*event.MedicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.MedicationEvent
	for _, ev := range s.events {
		if ev.CommandID == commandID && ev.ScheduledDateTime.Equal(scheduledAt) {
			out = append(out, ev)
		}
	}
	event.Sort(out)
	return out, nil
}

func (s *memStore) DeriveCurrentStatus(ctx context.Context, commandID string, scheduledAt time.Time) (event.OccurrenceStatus, error) {
	events, err := s.OccurrenceEvents(ctx, commandID, scheduledAt)
	if err != nil {
		return "", err
	}
	return event.DeriveStatus(events), nil
}

// getLocked returns a copy so workflow mutations before a failed Update do not
// leak into the store, matching transactional read semantics.
func (s *memStore) getLocked(id string) (*command.MedicationCommand, error) {
	cmd, ok := s.commands[id]
	if !ok {
		return nil, &command.NotFoundError{Kind: "command", ID: id}
	}
	copied := *cmd
	return &copied, nil
}

func (s *memStore) eventsOfType(typ event.Type) []*event.MedicationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.MedicationEvent
	for _, ev := range s.events {
		if ev.EventType == typ {
			out = append(out, ev)
		}
	}
	return out
}

type memTx struct {
	s *memStore
}

func (t *memTx) Commands() storage.CommandTx { return &memCommandTx{s: t.s} }
func (t *memTx) Events() storage.EventTx     { return &memEventTx{s: t.s} }

type memCommandTx struct {
	s *memStore
}

func (c *memCommandTx) Insert(_ context.Context, cmd *command.MedicationCommand) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	copied := *cmd
	c.s.commands[cmd.ID] = &copied
	return nil
}

func (c *memCommandTx) Update(_ context.Context, cmd *command.MedicationCommand, expectedVersion int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	stored, ok := c.s.commands[cmd.ID]
	if !ok {
		return &command.NotFoundError{Kind: "command", ID: cmd.ID}
	}
	if c.s.conflictsRemaining > 0 {
		c.s.conflictsRemaining--
		return &command.VersionConflictError{
			CommandID:       cmd.ID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   stored.Version,
		}
	}
	if stored.Version != expectedVersion {
		return &command.VersionConflictError{
			CommandID:       cmd.ID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   stored.Version,
		}
	}

	cmd.Version = expectedVersion + 1
	cmd.UpdatedAt = time.Now().UTC()
	copied := *cmd
	c.s.commands[cmd.ID] = &copied
	return nil
}

func (c *memCommandTx) Get(_ context.Context, id string) (*command.MedicationCommand, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.getLocked(id)
}

type memEventTx struct {
	s *memStore
}

func (e *memEventTx) Append(_ context.Context, ev *event.MedicationEvent) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.seq[ev.CommandID]++
	ev.EventSequenceNumber = e.s.seq[ev.CommandID]
	ev.CreatedAt = time.Now().UTC()
	e.s.events = append(e.s.events, ev)
	return nil
}

// TerminalEventType mirrors the store's precedence: taken beats skipped beats
// missed when an occurrence carries more than one terminal event.
func (e *memEventTx) TerminalEventType(_ context.Context, commandID string, scheduledAt time.Time) (event.Type, bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	rank := func(t event.Type) int {
		switch t {
		case event.TypeDoseTaken:
			return 0
		case event.TypeDoseSkipped:
			return 1
		default:
			return 2
		}
	}

	var best event.Type
	found := false
	for _, ev := range e.s.events {
		if ev.CommandID != commandID || !ev.ScheduledDateTime.Equal(scheduledAt) {
			continue
		}
		if !ev.EventType.IsTerminal() {
			continue
		}
		if !found || rank(ev.EventType) < rank(best) {
			best = ev.EventType
			found = true
		}
	}
	return best, found, nil
}

func (e *memEventTx) ScheduledOccurrences(_ context.Context, commandID string, from, to time.Time) (map[time.Time]bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	existing := make(map[time.Time]bool)
	for _, ev := range e.s.events {
		if ev.CommandID != commandID || ev.EventType != event.TypeDoseScheduled {
			continue
		}
		at := ev.ScheduledDateTime
		if !at.Before(from) && at.Before(to) {
			existing[at.UTC()] = true
		}
	}
	return existing, nil
}

// recorder captures dispatched notifications.
type recorder struct {
	mu   sync.Mutex
	sent []*notify.Notification
	err  error
}

func (r *recorder) Dispatch(_ context.Context, n *notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestOrchestrator(s *memStore, d notify.Dispatcher) *Orchestrator {
	o := New(s, s, s, d, nil, nil)
	o.now = func() time.Time { return fixedNow }
	return o
}

func createInput() CreateInput {
	return CreateInput{
		PatientID: "patient-1",
		Medication: command.Medication{
			Name:   "Metoprolol",
			Dosage: "50mg",
		},
		Schedule: command.Schedule{
			Frequency:    command.FrequencyDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		Reminders:      command.Reminders{Enabled: true},
		MedicationType: "standard",
	}
}

func mustCreate(t *testing.T, o *Orchestrator) *command.MedicationCommand {
	t.Helper()
	res, err := o.Create(context.Background(), createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res.Data.(*command.MedicationCommand)
}

func TestCreateWritesCommandAndHorizon(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	o := newTestOrchestrator(store, rec)

	res, err := o.Create(context.Background(), createInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cmd := res.Data.(*command.MedicationCommand)
	if cmd.Version != 1 {
		t.Errorf("version = %d, want 1", cmd.Version)
	}
	if cmd.Status != command.StatusActive {
		t.Errorf("status = %s, want active", cmd.Status)
	}

	// command_created plus two doses a day for the 30-day horizon.
	if res.SideEffects.EventsCreated != 61 {
		t.Errorf("events created = %d, want 61", res.SideEffects.EventsCreated)
	}
	if got := len(store.eventsOfType(event.TypeDoseScheduled)); got != 60 {
		t.Errorf("dose_scheduled events = %d, want 60", got)
	}
	if got := len(store.eventsOfType(event.TypeCommandCreated)); got != 1 {
		t.Errorf("command_created events = %d, want 1", got)
	}

	// Standard morning dose on a weekday snapshots 30 grace minutes.
	first := store.eventsOfType(event.TypeDoseScheduled)[0]
	if first.GracePeriodMinutes != 30 {
		t.Errorf("grace snapshot = %d, want 30", first.GracePeriodMinutes)
	}
	if len(first.GracePeriodRulesApplied) == 0 {
		t.Error("grace snapshot carries no applied rules")
	}

	if res.SideEffects.NotificationsQueued != 1 || rec.count() != 1 {
		t.Errorf("notifications queued = %d (dispatched %d), want 1", res.SideEffects.NotificationsQueued, rec.count())
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})

	in := createInput()
	in.PatientID = ""
	in.Medication.Name = ""

	_, err := o.Create(context.Background(), in)
	var ve *command.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if len(store.commands) != 0 || len(store.events) != 0 {
		t.Fatal("rejected create left writes behind")
	}
}

func TestCreatePRNSchedulesNothing(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})

	in := createInput()
	in.IsPRN = true
	in.MedicationType = "prn"
	in.Schedule = command.Schedule{}

	res, err := o.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.SideEffects.EventsCreated != 1 {
		t.Errorf("events created = %d, want 1 (command_created only)", res.SideEffects.EventsCreated)
	}
}

func TestUpdateSurfacesVersionConflict(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	newDosage := "100mg"
	patch := command.Patch{Medication: &command.Medication{Name: "Metoprolol", Dosage: newDosage}}

	_, err := o.Update(context.Background(), "patient-1", cmd.ID, patch, cmd.Version+5)
	var conflict *command.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want VersionConflictError, got %v", err)
	}
	if conflict.ExpectedVersion != cmd.Version+5 || conflict.ActualVersion != cmd.Version {
		t.Fatalf("conflict = expected %d actual %d, want expected %d actual %d",
			conflict.ExpectedVersion, conflict.ActualVersion, cmd.Version+5, cmd.Version)
	}

	stored, _ := store.GetCommand(context.Background(), cmd.ID)
	if stored.Medication.Dosage != "50mg" {
		t.Fatal("lost writer's patch reached the store")
	}
}

func TestUpdateDedupesScheduledHorizon(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	newType := "critical"
	res, err := o.Update(context.Background(), "patient-1", cmd.ID, command.Patch{MedicationType: &newType}, 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Every horizon occurrence already exists, so only command_updated lands.
	if res.SideEffects.EventsCreated != 1 {
		t.Errorf("events created = %d, want 1", res.SideEffects.EventsCreated)
	}
	if got := len(store.eventsOfType(event.TypeDoseScheduled)); got != 60 {
		t.Errorf("dose_scheduled events = %d, want 60 (no duplicates)", got)
	}

	updated := res.Data.(*command.MedicationCommand)
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}
	if updated.MedicationType != "critical" {
		t.Errorf("medication type = %s, want critical", updated.MedicationType)
	}
}

func TestUpdateRejectsDiscontinuedCommand(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	if _, err := o.Discontinue(context.Background(), "patient-1", cmd.ID, "therapy complete"); err != nil {
		t.Fatalf("discontinue: %v", err)
	}

	newType := "critical"
	_, err := o.Update(context.Background(), "patient-1", cmd.ID, command.Patch{MedicationType: &newType}, 2)
	var ve *command.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError for discontinued command, got %v", err)
	}
}

func TestTakeAfterMissedIsAccepted(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	missed := event.New(cmd.ID, cmd.PatientID, event.TypeDoseMissed)
	missed.ScheduledDateTime = scheduledAt
	if err := (&memEventTx{s: store}).Append(context.Background(), missed); err != nil {
		t.Fatalf("seed missed event: %v", err)
	}

	actualAt := scheduledAt.Add(2 * time.Hour)
	res, err := o.Take(context.Background(), "patient-1", cmd.ID, scheduledAt, actualAt)
	if err != nil {
		t.Fatalf("late take rejected: %v", err)
	}

	ev := res.Data.(*event.MedicationEvent)
	if ev.EventType != event.TypeDoseTaken {
		t.Fatalf("event type = %s, want dose_taken", ev.EventType)
	}
	if ev.ActualDateTime == nil || !ev.ActualDateTime.Equal(actualAt) {
		t.Fatal("actual time not recorded")
	}

	status, _ := store.DeriveCurrentStatus(context.Background(), cmd.ID, scheduledAt)
	if status != event.StatusTaken {
		t.Fatalf("derived status = %s, want taken", status)
	}
}

func TestTakeRejectedWhenAlreadyResolved(t *testing.T) {
	for _, terminal := range []event.Type{event.TypeDoseTaken, event.TypeDoseSkipped} {
		store := newMemStore()
		o := newTestOrchestrator(store, &recorder{})
		cmd := mustCreate(t, o)

		scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
		prior := event.New(cmd.ID, cmd.PatientID, terminal)
		prior.ScheduledDateTime = scheduledAt
		if err := (&memEventTx{s: store}).Append(context.Background(), prior); err != nil {
			t.Fatalf("seed %s: %v", terminal, err)
		}

		_, err := o.Take(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt)
		var ve *command.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("take after %s: want ValidationError, got %v", terminal, err)
		}
	}
}

func TestSkipRejectedAfterAnyTerminal(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	missed := event.New(cmd.ID, cmd.PatientID, event.TypeDoseMissed)
	missed.ScheduledDateTime = scheduledAt
	if err := (&memEventTx{s: store}).Append(context.Background(), missed); err != nil {
		t.Fatalf("seed missed event: %v", err)
	}

	// Late take overrides a miss; a skip does not.
	_, err := o.Skip(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt)
	var ve *command.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestTakePRNUsesIntakeMoment(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})

	in := createInput()
	in.IsPRN = true
	in.MedicationType = "prn"
	in.Schedule = command.Schedule{}
	res, err := o.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cmd := res.Data.(*command.MedicationCommand)

	actualAt := time.Date(2026, 9, 1, 13, 30, 0, 0, time.UTC)
	taken, err := o.Take(context.Background(), "patient-1", cmd.ID, time.Time{}, actualAt)
	if err != nil {
		t.Fatalf("prn take: %v", err)
	}

	ev := taken.Data.(*event.MedicationEvent)
	if !ev.ScheduledDateTime.Equal(actualAt) {
		t.Fatalf("scheduled time = %v, want intake moment %v", ev.ScheduledDateTime, actualAt)
	}
}

func TestTakeRejectsWrongPatient(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	_, err := o.Take(context.Background(), "patient-2", cmd.ID, scheduledAt, scheduledAt)
	var pe *command.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("want PermissionError, got %v", err)
	}
}

func TestSnoozeRequiresExistingOccurrence(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	// No dose was ever scheduled at this time.
	scheduledAt := time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC)
	_, err := o.Snooze(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt.Add(30*time.Minute))
	var nfe *command.NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestSnoozeRecordsExtendedWindow(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	until := scheduledAt.Add(45 * time.Minute)

	res, err := o.Snooze(context.Background(), "patient-1", cmd.ID, scheduledAt, until)
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	ev := res.Data.(*event.MedicationEvent)
	if ev.EventType != event.TypeDoseSnoozed {
		t.Fatalf("event type = %s, want dose_snoozed", ev.EventType)
	}
	if ev.ActualDateTime == nil || !ev.ActualDateTime.Equal(until) {
		t.Fatal("snoozed-until not recorded")
	}

	// Snoozing does not resolve the occurrence.
	status, _ := store.DeriveCurrentStatus(context.Background(), cmd.ID, scheduledAt)
	if status != event.StatusScheduled {
		t.Fatalf("derived status = %s, want scheduled", status)
	}
}

func TestSnoozeValidatesDirectionAndResolution(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

	var ve *command.ValidationError
	_, err := o.Snooze(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt.Add(-time.Minute))
	if !errors.As(err, &ve) {
		t.Fatalf("backwards snooze: want ValidationError, got %v", err)
	}

	if _, err := o.Take(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt); err != nil {
		t.Fatalf("take: %v", err)
	}
	_, err = o.Snooze(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt.Add(30*time.Minute))
	if !errors.As(err, &ve) {
		t.Fatalf("snooze after take: want ValidationError, got %v", err)
	}
}

func TestSnoozeRejectsDiscontinuedCommand(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	scheduledAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	if _, err := o.Discontinue(context.Background(), "patient-1", cmd.ID, "therapy ended"); err != nil {
		t.Fatalf("discontinue: %v", err)
	}

	_, err := o.Snooze(context.Background(), "patient-1", cmd.ID, scheduledAt, scheduledAt.Add(30*time.Minute))
	var ve *command.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("snooze on discontinued command: want ValidationError, got %v", err)
	}
	if got := len(store.eventsOfType(event.TypeDoseSnoozed)); got != 0 {
		t.Fatalf("got %d dose_snoozed events on a discontinued command, want 0", got)
	}
}

func TestPauseStopsStatus(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	res, err := o.Pause(context.Background(), "patient-1", cmd.ID, "hospital stay")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}

	paused := res.Data.(*command.MedicationCommand)
	if paused.Status != command.StatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}
	if paused.Version != 2 {
		t.Fatalf("version = %d, want 2", paused.Version)
	}
	if res.SideEffects.EventsCreated != 1 {
		t.Fatalf("events created = %d, want 1", res.SideEffects.EventsCreated)
	}
}

func TestResumeRegeneratesHorizon(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	if _, err := o.Pause(context.Background(), "patient-1", cmd.ID, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	res, err := o.Resume(context.Background(), "patient-1", cmd.ID, "back home")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	resumed := res.Data.(*command.MedicationCommand)
	if resumed.Status != command.StatusActive {
		t.Fatalf("status = %s, want active", resumed.Status)
	}
	// The full horizon survives from create, so resume adds only its own
	// command_updated event.
	if res.SideEffects.EventsCreated != 1 {
		t.Fatalf("events created = %d, want 1", res.SideEffects.EventsCreated)
	}
	if got := len(store.eventsOfType(event.TypeDoseScheduled)); got != 60 {
		t.Fatalf("dose_scheduled events = %d, want 60 (no duplicates)", got)
	}
}

func TestResumeBackfillsMissingHorizon(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})

	// A paused command with no scheduled doses at all, as after a long pause
	// followed by horizon cleanup.
	cmd := &command.MedicationCommand{
		ID:        "cmd-paused",
		PatientID: "patient-1",
		Medication: command.Medication{
			Name:   "Metoprolol",
			Dosage: "50mg",
		},
		Schedule: command.Schedule{
			Frequency:    command.FrequencyDaily,
			Times:        []string{"08:00", "20:00"},
			StartDate:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			IsIndefinite: true,
		},
		Status:         command.StatusPaused,
		MedicationType: "standard",
		Version:        3,
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
	if err := (&memCommandTx{s: store}).Insert(context.Background(), cmd); err != nil {
		t.Fatalf("seed command: %v", err)
	}

	res, err := o.Resume(context.Background(), "patient-1", cmd.ID, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.SideEffects.EventsCreated != 61 {
		t.Fatalf("events created = %d, want 61 (command_updated + 60 doses)", res.SideEffects.EventsCreated)
	}
}

func TestChangeStatusRetriesOnVersionConflict(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	store.mu.Lock()
	store.conflictsRemaining = 2
	store.mu.Unlock()

	res, err := o.Pause(context.Background(), "patient-1", cmd.ID, "")
	if err != nil {
		t.Fatalf("pause should succeed on the third attempt: %v", err)
	}
	if res.Data.(*command.MedicationCommand).Status != command.StatusPaused {
		t.Fatal("command not paused after retries")
	}
}

func TestChangeStatusGivesUpAfterBoundedRetries(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	store.mu.Lock()
	store.conflictsRemaining = statusRetryAttempts
	store.mu.Unlock()

	_, err := o.Pause(context.Background(), "patient-1", cmd.ID, "")
	var conflict *command.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want VersionConflictError after exhausted retries, got %v", err)
	}

	stored, _ := store.GetCommand(context.Background(), cmd.ID)
	if stored.Status != command.StatusActive {
		t.Fatal("failed pause changed the stored status")
	}
}

func TestDiscontinueIsTerminalAndNotifies(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	o := newTestOrchestrator(store, rec)

	in := createInput()
	in.Reminders.Enabled = false
	res, err := o.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cmd := res.Data.(*command.MedicationCommand)

	dres, err := o.Discontinue(context.Background(), "patient-1", cmd.ID, "adverse reaction")
	if err != nil {
		t.Fatalf("discontinue: %v", err)
	}

	// Discontinuation notifies even with reminders off.
	if dres.SideEffects.NotificationsQueued != 1 {
		t.Errorf("notifications queued = %d, want 1", dres.SideEffects.NotificationsQueued)
	}
	if got := len(store.eventsOfType(event.TypeCommandDiscontinued)); got != 1 {
		t.Errorf("command_discontinued events = %d, want 1", got)
	}

	if _, err := o.Resume(context.Background(), "patient-1", cmd.ID, ""); err == nil {
		t.Fatal("resume of a discontinued command should fail")
	}
	if _, err := o.Pause(context.Background(), "patient-1", cmd.ID, ""); err == nil {
		t.Fatal("pause of a discontinued command should fail")
	}
}

func TestDeleteCascades(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	res, err := o.Delete(context.Background(), "patient-1", cmd.ID, true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	summary := res.Data.(*storage.DeletionSummary)
	if !summary.CommandDeleted {
		t.Error("summary does not report command deletion")
	}
	if res.SideEffects.EventsDeleted != summary.EventsDeleted {
		t.Errorf("side effects report %d deleted events, summary says %d",
			res.SideEffects.EventsDeleted, summary.EventsDeleted)
	}
	if store.cascadeCalls != 1 {
		t.Errorf("cascade delete called %d times, want 1", store.cascadeCalls)
	}
	if len(store.events) != 0 {
		t.Errorf("%d events survived the cascade", len(store.events))
	}
}

func TestDeleteRejectsWrongPatient(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &recorder{})
	cmd := mustCreate(t, o)

	_, err := o.Delete(context.Background(), "patient-2", cmd.ID, false)
	var pe *command.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("want PermissionError, got %v", err)
	}
	if store.cascadeCalls != 0 {
		t.Fatal("cascade delete ran despite failed authorization")
	}
}
