package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/devprov/internal/auth"
	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/repository"
)

type stubStore struct {
	repository.ResultStore
	logs    map[uuid.UUID]domain.ProvisioningLog
	results map[uuid.UUID][]domain.ProvisioningResult
}

func (s *stubStore) GetLog(_ context.Context, id uuid.UUID) (domain.ProvisioningLog, error) {
	log, ok := s.logs[id]
	if !ok {
		return domain.ProvisioningLog{}, repository.ErrLogNotFound
	}
	return log, nil
}

func (s *stubStore) ListResults(_ context.Context, id uuid.UUID) ([]domain.ProvisioningResult, error) {
	return s.results[id], nil
}

func newExportRouter(store *stubStore) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequireActor)
	r.Route("/provisioning", NewHTTPHandler(store, nil, nil).Register)
	return r
}

func exportRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/provisioning/export/"+id, nil)
	req.Header.Set(auth.ActorHeader, "ops@example.com")
	return req
}

func TestDownloadServesWorkbook(t *testing.T) {
	log := domain.NewProvisioningLog("CHG-1", "rollout", "ops@example.com", 2)
	store := &stubStore{
		logs:    map[uuid.UUID]domain.ProvisioningLog{log.ID: log},
		results: map[uuid.UUID][]domain.ProvisioningResult{log.ID: sampleResults()},
	}

	rec := httptest.NewRecorder()
	newExportRouter(store).ServeHTTP(rec, exportRequest(log.ID.String()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MediaType, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="provisioning-results-`+log.ID.String()+`.xlsx"`, rec.Header().Get("Content-Disposition"))
	assert.Len(t, readRows(t, rec.Body.Bytes()), 3)
}

func TestDownloadErrors(t *testing.T) {
	mine := domain.NewProvisioningLog("CHG-1", "rollout", "ops@example.com", 0)
	theirs := domain.NewProvisioningLog("CHG-2", "rollout", "someone@example.com", 1)
	store := &stubStore{
		logs: map[uuid.UUID]domain.ProvisioningLog{mine.ID: mine, theirs.ID: theirs},
		results: map[uuid.UUID][]domain.ProvisioningResult{
			theirs.ID: sampleResults(),
		},
	}
	router := newExportRouter(store)

	tests := []struct {
		name string
		id   string
		want int
	}{
		{name: "bad id", id: "nope", want: http.StatusBadRequest},
		{name: "unknown log", id: uuid.NewString(), want: http.StatusNotFound},
		{name: "no results", id: mine.ID.String(), want: http.StatusNotFound},
		{name: "other user", id: theirs.ID.String(), want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, exportRequest(tt.id))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
