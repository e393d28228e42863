// Package handlers provides HTTP handlers for the lifecycle API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medherence/medcycle/internal/api/middleware"
	"github.com/medherence/medcycle/internal/domain/command"
	"github.com/medherence/medcycle/internal/domain/event"
	"github.com/medherence/medcycle/internal/observability/metrics"
	"github.com/medherence/medcycle/internal/orchestrator"
	"github.com/medherence/medcycle/internal/storage"
	"github.com/medherence/medcycle/pkg/idempotency"
)

// CommandHandler handles medication command endpoints.
type CommandHandler struct {
	orc      *orchestrator.Orchestrator
	commands storage.CommandReader
	events   storage.EventReader
	inbox    *idempotency.Inbox
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCommandHandler creates a new handler. The inbox and metrics are optional.
func NewCommandHandler(orc *orchestrator.Orchestrator, commands storage.CommandReader, events storage.EventReader, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{
		orc:      orc,
		commands: commands,
		events:   events,
		inbox:    inbox,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("command-handler"),
	}
}

// Routes returns the handler routes.
func (h *CommandHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.ListByPatient)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/discontinue", h.Discontinue)
	r.Post("/{id}/doses/take", h.TakeDose)
	r.Post("/{id}/doses/skip", h.SkipDose)
	r.Post("/{id}/doses/snooze", h.SnoozeDose)
	r.Get("/{id}/events", h.GetEvents)
	r.Get("/{id}/doses/status", h.DoseStatus)
	r.Get("/{id}/adherence", h.Adherence)
	return r
}

// callerPatient returns the caller's patient identity, populated by the
// identity middleware. Empty for service-to-service callers.
func callerPatient(r *http.Request) string {
	return middleware.GetPatientID(r.Context())
}

// Create handles POST /commands.
func (h *CommandHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_command")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: unreadable"}})
		return
	}

	var in orchestrator.CreateInput
	if err := json.Unmarshal(body, &in); err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: invalid JSON"}})
		return
	}
	if in.PatientID == "" {
		in.PatientID = callerPatient(r)
	}

	result, replayed, err := h.withIdempotency(ctx, r, "create_command", body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		res, err := h.orc.Create(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("replayed", replayed))
	if h.metrics != nil && !replayed {
		h.metrics.CommandsCreated.Inc()
	}

	h.logger.Info("command create handled",
		zap.String("patient_id", in.PatientID),
		zap.Bool("replayed", replayed),
		zap.String("request_id", middleware.GetRequestID(ctx)))

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	h.writeRaw(w, status, result)
}

// Get handles GET /commands/{id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cmd, err := h.commands.GetCommand(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if caller := callerPatient(r); caller != "" && cmd.PatientID != caller {
		h.writeError(w, r, &command.PermissionError{PatientID: caller, CommandID: id})
		return
	}

	h.writeJSON(w, http.StatusOK, cmd)
}

// ListByPatient handles GET /commands?patient_id=.
func (h *CommandHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		patientID = callerPatient(r)
	}
	if patientID == "" {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"patient_id: required"}})
		return
	}

	cmds, err := h.commands.ListCommandsByPatient(ctx, patientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"patient_id": patientID,
		"commands":   cmds,
	})
}

// updateRequest is the body for PUT /commands/{id}.
type updateRequest struct {
	command.Patch
	ExpectedVersion int `json:"expected_version"`
}

// Update handles PUT /commands/{id}.
func (h *CommandHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_command")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("command_id", id))

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: invalid JSON"}})
		return
	}
	if req.ExpectedVersion <= 0 {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"expected_version: required"}})
		return
	}

	res, err := h.orc.Update(ctx, callerPatient(r), id, req.Patch, req.ExpectedVersion)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.CommandsUpdated.Inc()
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Delete handles DELETE /commands/{id}. ?hard=true removes the document.
func (h *CommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "delete_command")
	defer span.End()

	id := chi.URLParam(r, "id")
	hard := r.URL.Query().Get("hard") == "true"
	span.SetAttributes(attribute.String("command_id", id), attribute.Bool("hard", hard))

	res, err := h.orc.Delete(ctx, callerPatient(r), id, hard)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.CommandsDeleted.Inc()
	}
	h.writeJSON(w, http.StatusOK, res)
}

// statusRequest carries an optional reason for a status change.
type statusRequest struct {
	Reason string `json:"reason"`
}

// Pause handles POST /commands/{id}/pause.
func (h *CommandHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.orc.Pause)
}

// Resume handles POST /commands/{id}/resume.
func (h *CommandHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.orc.Resume)
}

// Discontinue handles POST /commands/{id}/discontinue.
func (h *CommandHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.orc.Discontinue)
}

func (h *CommandHandler) changeStatus(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, patientID, commandID, reason string) (*orchestrator.Result, error)) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req statusRequest
	if r.Body != nil {
		// An empty body is fine; the reason is optional.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := fn(ctx, callerPatient(r), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// doseRequest identifies one dose occurrence.
type doseRequest struct {
	ScheduledDateTime time.Time `json:"scheduled_date_time"`
	ActualDateTime    time.Time `json:"actual_date_time"`
	SnoozedUntil      time.Time `json:"snoozed_until"`
}

// TakeDose handles POST /commands/{id}/doses/take.
func (h *CommandHandler) TakeDose(w http.ResponseWriter, r *http.Request) {
	h.resolveDose(w, r, event.TypeDoseTaken)
}

// SkipDose handles POST /commands/{id}/doses/skip.
func (h *CommandHandler) SkipDose(w http.ResponseWriter, r *http.Request) {
	h.resolveDose(w, r, event.TypeDoseSkipped)
}

func (h *CommandHandler) resolveDose(w http.ResponseWriter, r *http.Request, typ event.Type) {
	ctx, span := h.tracer.Start(r.Context(), "resolve_dose",
		trace.WithAttributes(attribute.String("resolution", string(typ))))
	defer span.End()

	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: unreadable"}})
		return
	}
	var req doseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: invalid JSON"}})
		return
	}
	if req.ActualDateTime.IsZero() {
		req.ActualDateTime = time.Now().UTC()
	}

	result, replayed, err := h.withIdempotency(ctx, r, "resolve_dose_"+string(typ), body, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		var res *orchestrator.Result
		var err error
		if typ == event.TypeDoseTaken {
			res, err = h.orc.Take(ctx, callerPatient(r), id, req.ScheduledDateTime, req.ActualDateTime)
		} else {
			res, err = h.orc.Skip(ctx, callerPatient(r), id, req.ScheduledDateTime, req.ActualDateTime)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.metrics != nil && !replayed {
		h.metrics.DosesResolved.WithLabelValues(string(typ)).Inc()
	}
	h.writeRaw(w, http.StatusOK, result)
}

// SnoozeDose handles POST /commands/{id}/doses/snooze.
func (h *CommandHandler) SnoozeDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req doseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"body: invalid JSON"}})
		return
	}

	res, err := h.orc.Snooze(ctx, callerPatient(r), id, req.ScheduledDateTime, req.SnoozedUntil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetEvents handles GET /commands/{id}/events.
func (h *CommandHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	f := event.Filter{CommandID: id}
	if v := q.Get("type"); v != "" {
		f.EventType = event.Type(v)
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, &command.ValidationError{Fields: []string{"from: invalid RFC3339 timestamp"}})
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, &command.ValidationError{Fields: []string{"to: invalid RFC3339 timestamp"}})
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, &command.ValidationError{Fields: []string{"limit: must be a non-negative integer"}})
			return
		}
		f.Limit = n
	}

	events, err := h.events.QueryEvents(ctx, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"command_id": id,
		"events":     events,
	})
}

// DoseStatus handles GET /commands/{id}/doses/status?scheduled_at=.
func (h *CommandHandler) DoseStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("scheduled_at"))
	if err != nil {
		h.writeError(w, r, &command.ValidationError{Fields: []string{"scheduled_at: invalid RFC3339 timestamp"}})
		return
	}

	status, err := h.events.DeriveCurrentStatus(ctx, id, at)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"command_id":   id,
		"scheduled_at": at,
		"status":       status,
	})
}

// adherenceSummary aggregates occurrence outcomes over a window.
type adherenceSummary struct {
	CommandID string    `json:"command_id"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Scheduled int       `json:"scheduled"`
	Taken     int       `json:"taken"`
	Missed    int       `json:"missed"`
	Skipped   int       `json:"skipped"`
	Pending   int       `json:"pending"`
}

// Adherence handles GET /commands/{id}/adherence. The window defaults to the
// trailing 30 days.
func (h *CommandHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, &command.ValidationError{Fields: []string{"from: invalid RFC3339 timestamp"}})
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, r, &command.ValidationError{Fields: []string{"to: invalid RFC3339 timestamp"}})
			return
		}
		to = t
	}

	events, err := h.events.QueryEvents(ctx, event.Filter{CommandID: id, From: from, To: to})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	byOccurrence := make(map[time.Time][]*event.MedicationEvent)
	for _, ev := range events {
		key := ev.ScheduledDateTime.UTC()
		byOccurrence[key] = append(byOccurrence[key], ev)
	}

	summary := adherenceSummary{CommandID: id, From: from, To: to}
	for _, occ := range byOccurrence {
		summary.Scheduled++
		switch event.DeriveStatus(occ) {
		case event.StatusTaken:
			summary.Taken++
		case event.StatusMissed:
			summary.Missed++
		case event.StatusSkipped:
			summary.Skipped++
		default:
			summary.Pending++
		}
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// withIdempotency routes the intent through the inbox when the client sent an
// Idempotency-Key. replayed is true when a stored result was returned instead
// of invoking fn.
func (h *CommandHandler) withIdempotency(ctx context.Context, r *http.Request, handler string, payload []byte, fn idempotency.ProcessFunc) (json.RawMessage, bool, error) {
	key := r.Header.Get("Idempotency-Key")
	if h.inbox == nil || key == "" {
		result, err := fn(ctx, payload)
		return result, false, err
	}

	pr, err := h.inbox.Process(ctx, key, handler, payload, fn)
	if err != nil {
		return nil, false, err
	}
	return pr.Result, !pr.IsNew, nil
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Fields  []string `json:"fields,omitempty"`
	Details any      `json:"details,omitempty"`
}

// writeError maps domain errors onto HTTP statuses.
func (h *CommandHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error(), Code: "internal"}
	status := http.StatusInternalServerError

	var validation *command.ValidationError
	var conflict *command.VersionConflictError
	var notFound *command.NotFoundError
	var permission *command.PermissionError
	var txAbort *storage.TransactionAbortError

	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Code = "validation_failed"
		resp.Fields = validation.Fields
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.Code = "version_conflict"
		resp.Details = map[string]any{
			"command_id":       conflict.CommandID,
			"expected_version": conflict.ExpectedVersion,
			"actual_version":   conflict.ActualVersion,
		}
	case errors.As(err, &notFound):
		status = http.StatusNotFound
		resp.Code = "not_found"
	case errors.As(err, &permission):
		status = http.StatusForbidden
		resp.Code = "permission_denied"
	case errors.Is(err, idempotency.ErrIntentInProgress):
		status = http.StatusConflict
		resp.Code = "intent_in_progress"
	case errors.As(err, &txAbort):
		resp.Code = "transaction_aborted"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}

	h.writeJSON(w, status, resp)
}

func (h *CommandHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *CommandHandler) writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
