// Package provisioning drives bulk provisioning jobs: it batches parsed device
// records, provisions them against the external endpoint, persists each batch
// transactionally and publishes progress after every commit.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/metrics"
	"github.com/rpattn/devprov/internal/progress"
	"github.com/rpattn/devprov/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of devices persisted per transaction.
	DefaultBatchSize = 10
	// DefaultPersistAttempts bounds how often a batch transaction is tried.
	DefaultPersistAttempts = 3

	defaultRetryDelay = 200 * time.Millisecond
)

// Provisioner provisions a single device. Implementations report every
// failure through the returned outcome.
type Provisioner interface {
	Provision(ctx context.Context, record domain.DeviceRecord) domain.Outcome
}

// ProvisionerFunc adapts a function to the Provisioner interface.
type ProvisionerFunc func(ctx context.Context, record domain.DeviceRecord) domain.Outcome

// Provision calls f.
func (f ProvisionerFunc) Provision(ctx context.Context, record domain.DeviceRecord) domain.Outcome {
	return f(ctx, record)
}

// Job is one bulk submission.
type Job struct {
	TicketNumber string
	Reason       string
	CreatedBy    string
	Devices      []domain.DeviceRecord
}

// Report is what a job left behind. Unrecorded holds outcomes of devices that
// were provisioned but whose batch could not be persisted.
type Report struct {
	Log        domain.ProvisioningLog      `json:"log"`
	Results    []domain.ProvisioningResult `json:"results"`
	Unrecorded []domain.ProvisioningResult `json:"unrecorded,omitempty"`
}

// Coordinator orchestrates provisioning jobs.
type Coordinator struct {
	store       repository.ResultStore
	provisioner Provisioner
	publisher   progress.Publisher
	metrics     *metrics.Provisioning
	logger      *zap.Logger

	batchSize       int
	concurrency     int
	persistAttempts int
	retryDelay      time.Duration
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithBatchSize sets how many devices share a transaction.
func WithBatchSize(size int) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithConcurrency caps concurrent device calls within a batch. Zero leaves a
// batch fully parallel.
func WithConcurrency(limit int) Option {
	return func(c *Coordinator) {
		if limit >= 0 {
			c.concurrency = limit
		}
	}
}

// WithPersistAttempts sets how many times a failing batch transaction is tried.
func WithPersistAttempts(attempts int) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.persistAttempts = attempts
		}
	}
}

// WithRetryDelay sets the base back-off between batch transaction attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Coordinator) {
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Provisioning) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(
	store repository.ResultStore,
	provisioner Provisioner,
	publisher progress.Publisher,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		store:           store,
		provisioner:     provisioner,
		publisher:       publisher,
		logger:          zap.NewNop(),
		batchSize:       DefaultBatchSize,
		persistAttempts: DefaultPersistAttempts,
		retryDelay:      defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.publisher == nil {
		c.publisher = progress.Discard
	}
	return c
}

// Run executes a job to completion. Once the log exists the job is not
// cancellable: ctx cancellation does not stop it.
//
// On a persistence failure the job stops before contacting further devices and
// Run returns a *domain.DatabaseError along with everything already recorded.
func (c *Coordinator) Run(ctx context.Context, job Job) (Report, error) {
	if err := validateJob(job); err != nil {
		c.metrics.ObserveJob(metrics.JobRejected)
		return Report{}, err
	}
	ctx = context.WithoutCancel(ctx)

	log, err := c.store.CreateLog(ctx, domain.NewProvisioningLog(
		strings.TrimSpace(job.TicketNumber),
		strings.TrimSpace(job.Reason),
		strings.TrimSpace(job.CreatedBy),
		len(job.Devices),
	))
	if err != nil {
		c.metrics.ObserveJob(metrics.JobRejected)
		return Report{}, domain.NewDatabaseError("Failed to create provisioning log", err)
	}

	logger := c.logger.With(
		zap.String("log_id", log.ID.String()),
		zap.String("ticket_number", log.TicketNumber),
		zap.String("created_by", log.CreatedBy),
	)
	logger.Info("provisioning job started", zap.Int("total_devices", log.TotalDevices), zap.Int("batch_size", c.batchSize))

	report := Report{
		Log:     log,
		Results: make([]domain.ProvisioningResult, 0, len(job.Devices)),
	}

	if len(job.Devices) == 0 {
		c.publisher.Publish(ctx, progress.NewEvent(log))
	}

	for batchNumber, start := 1, 0; start < len(job.Devices); batchNumber, start = batchNumber+1, start+c.batchSize {
		end := min(start+c.batchSize, len(job.Devices))
		began := time.Now()

		results := c.provisionBatch(ctx, log.ID, job.Devices[start:end])

		updated, persistErr := c.persistBatch(ctx, logger, log.ID, results)
		if persistErr != nil {
			c.metrics.ObserveBatch(metrics.BatchFailed, time.Since(began))
			c.metrics.ObserveJob(metrics.JobAborted)
			report.Unrecorded = append(report.Unrecorded, results...)
			logger.Error("batch results not recorded after devices were provisioned",
				zap.Int("batch", batchNumber),
				zap.Strings("serial_numbers", serialNumbers(results)),
				zap.Int("devices_not_attempted", len(job.Devices)-end),
				zap.Error(persistErr),
			)
			return report, domain.NewDatabaseError(fmt.Sprintf("Failed to process devices in batch %d", batchNumber), persistErr)
		}

		c.metrics.ObserveBatch(metrics.BatchCommitted, time.Since(began))
		report.Log = updated
		report.Results = append(report.Results, results...)

		logger.Debug("batch committed",
			zap.Int("batch", batchNumber),
			zap.Int("processed", updated.ProcessedDevices),
			zap.Int("successful", updated.SuccessfulDevices),
			zap.Int("failed", updated.FailedDevices),
		)
		c.publisher.Publish(ctx, progress.NewEvent(updated))
	}

	c.metrics.ObserveJob(metrics.JobCompleted)
	logger.Info("provisioning job completed",
		zap.Int("successful_devices", report.Log.SuccessfulDevices),
		zap.Int("failed_devices", report.Log.FailedDevices),
	)
	return report, nil
}

// provisionBatch calls the provisioner once per record. Result i always
// belongs to record i regardless of completion order.
func (c *Coordinator) provisionBatch(ctx context.Context, logID uuid.UUID, batch []domain.DeviceRecord) []domain.ProvisioningResult {
	outcomes := make([]domain.Outcome, len(batch))

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, record := range batch {
		i, record := i, record
		g.Go(func() error {
			outcomes[i] = c.provisionOne(ctx, record)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]domain.ProvisioningResult, len(batch))
	for i, record := range batch {
		results[i] = domain.NewProvisioningResult(logID, record, outcomes[i])
	}
	return results
}

func (c *Coordinator) provisionOne(ctx context.Context, record domain.DeviceRecord) (outcome domain.Outcome) {
	began := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			outcome = domain.FailedOutcome(fmt.Sprintf("provisioner panic: %v", rec))
		}
		c.metrics.ObserveDevice(outcome.Success, time.Since(began))
	}()

	outcome = c.provisioner.Provision(ctx, record)
	if !outcome.Success && outcome.Message == "" {
		outcome = domain.FailedOutcome("")
	}
	return outcome
}

func (c *Coordinator) persistBatch(ctx context.Context, logger *zap.Logger, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error) {
	for attempt := 1; ; attempt++ {
		updated, err := c.store.RecordBatch(ctx, logID, results)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, repository.ErrLogNotFound) || attempt >= c.persistAttempts {
			return domain.ProvisioningLog{}, err
		}

		c.metrics.ObservePersistRetry()
		logger.Warn("retrying batch transaction", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(c.retryDelay * time.Duration(attempt))
	}
}

func validateJob(job Job) error {
	switch {
	case strings.TrimSpace(job.TicketNumber) == "" || strings.TrimSpace(job.Reason) == "":
		return domain.NewValidationError("Ticket number and reason are required")
	case strings.TrimSpace(job.CreatedBy) == "":
		return domain.NewValidationError("acting user is required")
	}
	return nil
}

func serialNumbers(results []domain.ProvisioningResult) []string {
	serials := make([]string, len(results))
	for i, result := range results {
		serials[i] = result.SerialNumber
	}
	return serials
}
