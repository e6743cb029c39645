package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/auth"
	"github.com/rpattn/devprov/internal/repository"
)

// Handler serves result workbooks.
type Handler struct {
	store     repository.ResultStore
	formatter *Formatter
	logger    *zap.Logger
}

func NewHTTPHandler(store repository.ResultStore, formatter *Formatter, logger *zap.Logger) *Handler {
	if formatter == nil {
		formatter = NewFormatter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, formatter: formatter, logger: logger}
}

// Register mounts GET /export/{id} on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/export/{id}", h.handleDownload)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	logID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "fail", "invalid provisioning log id")
		return
	}

	log, err := h.store.GetLog(r.Context(), logID)
	if errors.Is(err, repository.ErrLogNotFound) {
		writeMessage(w, http.StatusNotFound, "fail", "Provisioning log not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load provisioning log", zap.String("log_id", logID.String()), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "error", "Failed to fetch provisioning results")
		return
	}
	if err := auth.EnforceActorScope(r.Context(), log.CreatedBy); err != nil {
		writeMessage(w, http.StatusForbidden, "fail", "You do not have access to this provisioning log")
		return
	}

	results, err := h.store.ListResults(r.Context(), logID)
	if err != nil {
		h.logger.Error("failed to list provisioning results", zap.String("log_id", logID.String()), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "error", "Failed to fetch provisioning results")
		return
	}
	if len(results) == 0 {
		writeMessage(w, http.StatusNotFound, "fail", "No results found for this provisioning log")
		return
	}

	payload, err := h.formatter.Render(results)
	if err != nil {
		h.logger.Error("failed to render results workbook", zap.String("log_id", logID.String()), zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "error", "Failed to export provisioning results")
		return
	}

	w.Header().Set("Content-Type", MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", FileName(logID)))
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// FileName is the download name of a job's results.
func FileName(logID uuid.UUID) string {
	return fmt.Sprintf("provisioning-results-%s.xlsx", logID)
}

func writeMessage(w http.ResponseWriter, status int, outcome, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": outcome, "message": message})
}
