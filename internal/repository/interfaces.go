package repository

import (
	"context"
	"errors"

	"github.com/rpattn/devprov/internal/domain"

	"github.com/google/uuid"
)

// ErrLogNotFound is returned when a provisioning log does not exist.
var ErrLogNotFound = errors.New("provisioning log not found")

// ResultStore is the durable record of provisioning jobs and their per-device outcomes.
type ResultStore interface {
	CreateLog(ctx context.Context, log domain.ProvisioningLog) (domain.ProvisioningLog, error)
	// RecordBatch persists a batch's results and advances the log's counters in a
	// single transaction. It returns the log as of the commit. Recording a batch
	// whose results were already committed is a no-op that returns the current log.
	RecordBatch(ctx context.Context, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error)
	GetLog(ctx context.Context, id uuid.UUID) (domain.ProvisioningLog, error)
	ListLogs(ctx context.Context, filter domain.LogFilter) ([]domain.ProvisioningLog, error)
	// ListResults returns a log's results in insertion order.
	ListResults(ctx context.Context, logID uuid.UUID) ([]domain.ProvisioningResult, error)
}
