// Package detector finds scheduled doses whose tolerance window has expired
// without a resolving event and records them as missed. Every mark is an
// atomic re-check-then-append, so a dose taken while a scan is in flight is
// never overwritten, and a second scan over the same window is a no-op.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/notify"
	"github.com/medherence/medcycle/internal/storage"
	"github.com/medherence/medcycle/pkg/workerpool"
)

const (
	// ScannerName keys the persisted checkpoint row.
	ScannerName = "missed-dose"

	// lookback bounds how far behind a scan reaches when no checkpoint
	// exists. Older unresolved doses stay unresolved rather than flooding
	// patients with stale alerts.
	lookback = 72 * time.Hour

	// batchSize is how many candidates one page of the scan pulls.
	batchSize = 50
)

// Config tunes a detector instance.
type Config struct {
	// Workers is the per-batch marking concurrency.
	Workers int
	// ScanInterval is the pause between periodic passes.
	ScanInterval time.Duration
}

// DefaultConfig returns the production scan cadence.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		ScanInterval: 15 * time.Minute,
	}
}

// Report summarizes one scan pass.
type Report struct {
	WindowFrom      time.Time `json:"window_from"`
	WindowTo        time.Time `json:"window_to"`
	CandidatesSeen  int       `json:"candidates_seen"`
	MissedMarked    int       `json:"missed_marked"`
	AlreadyResolved int       `json:"already_resolved"`
	StillInGrace    int       `json:"still_in_grace"`
	Failed          int       `json:"failed"`
}

// Detector scans for expired unresolved doses.
type Detector struct {
	source     storage.ScanSource
	txm        storage.TxManager
	dispatcher notify.Dispatcher
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a detector. A nil dispatcher disables missed-dose alerts.
func New(source storage.ScanSource, txm storage.TxManager, dispatcher notify.Dispatcher, cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Detector{
		source:     source,
		txm:        txm,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("missed-dose-detector"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start begins periodic scanning.
func (d *Detector) Start() {
	go d.scanLoop()
	d.logger.Info("missed-dose detector started",
		zap.Duration("interval", d.config.ScanInterval),
		zap.Int("workers", d.config.Workers))
}

// Stop halts the periodic scan and waits for the current pass to finish.
func (d *Detector) Stop() {
	d.cancel()
	<-d.done
	d.logger.Info("missed-dose detector stopped")
}

func (d *Detector) scanLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			report, err := d.Scan(d.ctx)
			if err != nil {
				var partial *PartialBatchError
				if errors.As(err, &partial) {
					d.logger.Warn("scan pass partially failed",
						zap.Int("failed", partial.Failed),
						zap.Int("total", partial.Total))
				} else {
					d.logger.Error("scan pass failed", zap.Error(err))
					continue
				}
			}
			if report != nil && (report.MissedMarked > 0 || report.Failed > 0) {
				d.logger.Info("scan pass complete",
					zap.Int("candidates", report.CandidatesSeen),
					zap.Int("missed_marked", report.MissedMarked),
					zap.Int("already_resolved", report.AlreadyResolved),
					zap.Int("failed", report.Failed))
			}
		}
	}
}

// Scan runs one full pass over the pending window. The window starts at the
// later of the persisted checkpoint and now minus the lookback, and the
// checkpoint only advances past occurrences that are fully settled, so an
// occurrence still inside its tolerance window is revisited by the next pass.
func (d *Detector) Scan(ctx context.Context) (*Report, error) {
	ctx, span := d.tracer.Start(ctx, "missed_dose_scan")
	defer span.End()

	now := d.now().UTC()
	from := now.Add(-lookback)
	if cp, err := d.source.GetScanCheckpoint(ctx, ScannerName); err != nil {
		return nil, fmt.Errorf("load scan checkpoint: %w", err)
	} else if cp.After(from) {
		from = cp
	}

	report := &Report{WindowFrom: from, WindowTo: now}
	var failures []CandidateFailure

	// earliestUnsettled caps the next checkpoint so in-grace and failed
	// occurrences are re-examined.
	earliestUnsettled := now

	cursor := storage.ScanCursor{ScheduledAt: from}
	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		candidates, err := d.source.PendingDoseCandidates(ctx, cursor, now, batchSize)
		if err != nil {
			return report, fmt.Errorf("fetch dose candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		batchFailures := d.processBatch(ctx, now, candidates, report, &earliestUnsettled)
		failures = append(failures, batchFailures...)

		if len(candidates) < batchSize {
			break
		}
		// Keyset on (scheduledAt, commandID): when a full page ends inside a
		// burst of same-instant occurrences, the next page picks up the rest
		// of the burst instead of stepping past it.
		last := candidates[len(candidates)-1]
		cursor = storage.ScanCursor{ScheduledAt: last.ScheduledAt, CommandID: last.CommandID}
	}

	span.SetAttributes(
		attribute.Int("candidates_seen", report.CandidatesSeen),
		attribute.Int("missed_marked", report.MissedMarked),
		attribute.Int("failed", report.Failed),
	)

	if err := d.source.SaveScanCheckpoint(ctx, ScannerName, earliestUnsettled); err != nil {
		d.logger.Warn("failed to save scan checkpoint", zap.Error(err))
	}

	if len(failures) > 0 {
		return report, &PartialBatchError{
			Total:    report.CandidatesSeen,
			Failed:   len(failures),
			Failures: failures,
		}
	}
	return report, nil
}

// processBatch fans one batch of candidates out to the worker pool. Each
// candidate is marked in its own transaction so one failure cannot roll back
// the rest.
func (d *Detector) processBatch(ctx context.Context, now time.Time, candidates []*storage.DoseCandidate, report *Report, earliestUnsettled *time.Time) []CandidateFailure {
	type outcome struct {
		candidate *storage.DoseCandidate
		marked    bool
		resolved  bool
		inGrace   bool
		err       error
	}

	pool := workerpool.New(workerpool.Config{
		Workers:   d.config.Workers,
		QueueSize: len(candidates),
	}, d.logger)
	pool.Start()

	outcomes := make([]outcome, len(candidates))
	for i, c := range candidates {
		i, c := i, c
		job := &workerpool.Job{
			ID: c.CommandID + "@" + c.ScheduledAt.Format(time.RFC3339),
			Run: func(ctx context.Context) error {
				o := d.processCandidate(ctx, now, c)
				outcomes[i] = outcome{candidate: c, marked: o.marked, resolved: o.resolved, inGrace: o.inGrace, err: o.err}
				return o.err
			},
		}
		if err := pool.Submit(ctx, job); err != nil {
			outcomes[i] = outcome{candidate: c, err: err}
		}
	}
	pool.Stop()

	var failures []CandidateFailure
	for _, o := range outcomes {
		report.CandidatesSeen++
		switch {
		case o.err != nil:
			report.Failed++
			failures = append(failures, CandidateFailure{
				CommandID:   o.candidate.CommandID,
				ScheduledAt: o.candidate.ScheduledAt.Format(time.RFC3339),
				Err:         o.err,
				Reason:      o.err.Error(),
			})
			if o.candidate.ScheduledAt.Before(*earliestUnsettled) {
				*earliestUnsettled = o.candidate.ScheduledAt
			}
		case o.inGrace:
			report.StillInGrace++
			if o.candidate.ScheduledAt.Before(*earliestUnsettled) {
				*earliestUnsettled = o.candidate.ScheduledAt
			}
		case o.resolved:
			report.AlreadyResolved++
		case o.marked:
			report.MissedMarked++
		}
	}
	return failures
}

type candidateOutcome struct {
	marked   bool
	resolved bool
	inGrace  bool
	err      error
}

// processCandidate marks one expired occurrence as missed. The terminal check
// and the append share a transaction, so a dose taken between the fetch and
// the mark wins and the mark becomes a no-op.
func (d *Detector) processCandidate(ctx context.Context, now time.Time, c *storage.DoseCandidate) candidateOutcome {
	deadline := c.ScheduledAt.Add(time.Duration(c.GraceMinutes) * time.Minute)
	if c.SnoozedUntil != nil && c.SnoozedUntil.After(deadline) {
		deadline = *c.SnoozedUntil
	}
	if !now.After(deadline) {
		return candidateOutcome{inGrace: true}
	}

	var marked, resolved bool
	err := d.txm.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, found, err := tx.Events().TerminalEventType(ctx, c.CommandID, c.ScheduledAt)
		if err != nil {
			return err
		}
		if found {
			resolved = true
			return nil
		}

		ev := event.New(c.CommandID, c.PatientID, event.TypeDoseMissed)
		ev.ScheduledDateTime = c.ScheduledAt
		ev.GracePeriodMinutes = c.GraceMinutes
		if err := tx.Events().Append(ctx, ev); err != nil {
			return err
		}
		marked = true
		return nil
	})
	if err != nil {
		return candidateOutcome{err: err}
	}

	if marked {
		n := notify.New(c.CommandID, c.PatientID, event.TypeDoseMissed,
			"missed dose at "+c.ScheduledAt.Format(time.RFC3339))
		if dispatchErr := d.dispatcher.Dispatch(ctx, n); dispatchErr != nil {
			d.logger.Warn("missed-dose notification dispatch failed",
				zap.String("command_id", c.CommandID),
				zap.Error(dispatchErr))
		}
	}

	return candidateOutcome{marked: marked, resolved: resolved}
}
