package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/auth"
	"github.com/rpattn/devprov/internal/cache"
	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/ingestion"
	"github.com/rpattn/devprov/internal/progress"
	"github.com/rpattn/devprov/internal/repository"
)

const (
	// DefaultMaxUploadBytes caps the size of an uploaded workbook.
	DefaultMaxUploadBytes int64 = 5 << 20

	// multipartOverhead leaves room for boundaries, part headers and form
	// fields on top of the file size limit.
	multipartOverhead int64 = 1 << 20

	defaultHeartbeat = 15 * time.Second
	dateLayout       = "2006-01-02"
)

// StatusReader returns cached progress snapshots.
type StatusReader interface {
	Get(ctx context.Context, logID uuid.UUID) (cache.Snapshot, bool, error)
}

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	MaxUploadBytes int64
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// Handler exposes provisioning jobs over HTTP.
type Handler struct {
	coordinator *Coordinator
	ingestor    *ingestion.Ingestor
	store       repository.ResultStore
	statuses    StatusReader
	hub         *progress.Hub

	maxUploadBytes int64
	heartbeat      time.Duration
	logger         *zap.Logger
}

// NewHTTPHandler wires the handler. statuses and hub may be nil.
func NewHTTPHandler(
	coordinator *Coordinator,
	ingestor *ingestion.Ingestor,
	store repository.ResultStore,
	statuses StatusReader,
	hub *progress.Hub,
	cfg HandlerConfig,
) *Handler {
	h := &Handler{
		coordinator:    coordinator,
		ingestor:       ingestor,
		store:          store,
		statuses:       statuses,
		hub:            hub,
		maxUploadBytes: cfg.MaxUploadBytes,
		heartbeat:      cfg.Heartbeat,
		logger:         cfg.Logger,
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = DefaultMaxUploadBytes
	}
	if h.heartbeat <= 0 {
		h.heartbeat = defaultHeartbeat
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// Register mounts the provisioning routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/bulk", h.handleBulk)
	r.Get("/history", h.handleHistory)
	r.Get("/status/{id}", h.handleStatus)
	r.Get("/events", h.handleEvents)
}

type errorResponse struct {
	Status  string                      `json:"status"`
	Message string                      `json:"message"`
	Results []domain.ProvisioningResult `json:"results,omitempty"`
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeFail(w, http.StatusBadRequest, "File too large")
			return
		}
		writeFail(w, http.StatusBadRequest, fmt.Sprintf("invalid form data: %v", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFail(w, http.StatusBadRequest, "Excel file is required")
		return
	}
	defer file.Close()
	if header.Size > h.maxUploadBytes {
		writeFail(w, http.StatusBadRequest, "File too large")
		return
	}

	if err := ingestion.CheckUpload(header.Filename, header.Header.Get("Content-Type")); err != nil {
		h.writeJobError(w, err, nil)
		return
	}

	ticketNumber := strings.TrimSpace(r.FormValue("ticketNumber"))
	reason := strings.TrimSpace(r.FormValue("reason"))
	if ticketNumber == "" || reason == "" {
		writeFail(w, http.StatusBadRequest, "Ticket number and reason are required")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeFail(w, http.StatusBadRequest, fmt.Sprintf("failed to read file: %v", err))
		return
	}

	devices, err := h.ingestor.Parse(data)
	if err != nil {
		h.writeJobError(w, err, nil)
		return
	}

	report, err := h.coordinator.Run(r.Context(), Job{
		TicketNumber: ticketNumber,
		Reason:       reason,
		CreatedBy:    actor,
		Devices:      devices,
	})
	if err != nil {
		h.writeJobError(w, err, report.Results)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	filter, err := parseHistoryFilter(r.URL.Query())
	if err != nil {
		h.writeJobError(w, err, nil)
		return
	}
	filter.CreatedBy = actor

	logs, err := h.store.ListLogs(r.Context(), filter)
	if err != nil {
		h.writeJobError(w, domain.NewDatabaseError("Failed to fetch provisioning history", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	logID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid provisioning log id")
		return
	}

	if h.statuses != nil {
		snapshot, found, err := h.statuses.Get(r.Context(), logID)
		switch {
		case err != nil:
			h.logger.Warn("status cache unavailable, falling back to store",
				zap.String("log_id", logID.String()),
				zap.Error(err),
			)
		case found:
			if !h.authorize(w, r, snapshot.CreatedBy) {
				return
			}
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
	}

	log, err := h.store.GetLog(r.Context(), logID)
	if errors.Is(err, repository.ErrLogNotFound) {
		writeFail(w, http.StatusNotFound, "Provisioning log not found")
		return
	}
	if err != nil {
		h.writeJobError(w, domain.NewDatabaseError("Failed to fetch provisioning status", err), nil)
		return
	}
	if !h.authorize(w, r, log.CreatedBy) {
		return
	}
	writeJSON(w, http.StatusOK, cache.SnapshotFromLog(log))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "progress events unavailable")
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())

	var onlyLog uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("logId")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "invalid logId")
			return
		}
		onlyLog = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subscription, err := h.hub.Subscribe(actor)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "progress events unavailable")
		return
	}
	defer subscription.Close()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if onlyLog != uuid.Nil && event.LogID != onlyLog {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, owner string) bool {
	if err := auth.EnforceActorScope(r.Context(), owner); err != nil {
		writeFail(w, http.StatusForbidden, "You do not have access to this provisioning log")
		return false
	}
	return true
}

func (h *Handler) writeJobError(w http.ResponseWriter, err error, results []domain.ProvisioningResult) {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		writeFail(w, http.StatusBadRequest, validation.Message)
		return
	}

	h.logger.Error("provisioning request failed", zap.Error(err))
	message := "Internal server error"
	var dbErr *domain.DatabaseError
	if errors.As(err, &dbErr) {
		message = dbErr.Message
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Status:  "error",
		Message: message,
		Results: results,
	})
}

func parseHistoryFilter(query map[string][]string) (domain.LogFilter, error) {
	get := func(key string) string {
		if values := query[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	var filter domain.LogFilter
	if raw := get("startDate"); raw != "" {
		start, _, err := parseDate(raw)
		if err != nil {
			return filter, domain.NewValidationError("Invalid startDate: %s", raw)
		}
		filter.StartDate = &start
	}
	if raw := get("endDate"); raw != "" {
		end, dateOnly, err := parseDate(raw)
		if err != nil {
			return filter, domain.NewValidationError("Invalid endDate: %s", raw)
		}
		if dateOnly {
			end = end.AddDate(0, 0, 1)
		}
		filter.EndDate = &end
	}
	if filter.StartDate != nil && filter.EndDate != nil && !filter.StartDate.Before(*filter.EndDate) {
		return filter, domain.NewValidationError("startDate must be before endDate")
	}

	switch status := domain.LogStatus(strings.ToLower(get("status"))); status {
	case "":
	case domain.LogStatusPending, domain.LogStatusProcessing, domain.LogStatusCompleted:
		filter.Status = status
	default:
		return filter, domain.NewValidationError("Invalid status: %s", status)
	}
	return filter, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339. Date-only values are midnight UTC.
func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

func writeEvent(w io.Writer, event progress.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "fail", Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
