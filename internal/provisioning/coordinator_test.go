package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDevices(n int) []domain.DeviceRecord {
	devices := make([]domain.DeviceRecord, n)
	for i := range devices {
		devices[i] = domain.DeviceRecord{
			SerialNumber: fmt.Sprintf("SN-%03d", i+1),
			CINumber:     fmt.Sprintf("CI-%03d", i+1),
			SourceRow:    i + 2,
		}
	}
	return devices
}

func makeJob(n int) Job {
	return Job{
		TicketNumber: "CHG-1001",
		Reason:       "branch rollout",
		CreatedBy:    "ops@example.com",
		Devices:      makeDevices(n),
	}
}

func alwaysSucceed() Provisioner {
	return ProvisionerFunc(func(context.Context, domain.DeviceRecord) domain.Outcome {
		return domain.Outcome{Success: true}
	})
}

func TestRunCompletesJobAndSatisfiesCounters(t *testing.T) {
	for _, n := range []int{1, 9, 10, 11, 25} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			store := newMemoryStore()
			publisher := &recordingPublisher{}
			coordinator := NewCoordinator(store, alwaysSucceed(), publisher)

			report, err := coordinator.Run(context.Background(), makeJob(n))
			require.NoError(t, err)

			assert.Equal(t, n, report.Log.TotalDevices)
			assert.Equal(t, n, report.Log.ProcessedDevices)
			assert.Equal(t, n, report.Log.SuccessfulDevices+report.Log.FailedDevices)
			assert.True(t, report.Log.Completed())

			stored, err := store.ListResults(context.Background(), report.Log.ID)
			require.NoError(t, err)
			assert.Len(t, stored, report.Log.ProcessedDevices)
			assert.Len(t, report.Results, n)

			wantBatches := (n + DefaultBatchSize - 1) / DefaultBatchSize
			assert.Equal(t, wantBatches, store.recordCalls)
			assert.Len(t, publisher.snapshot(), wantBatches)
		})
	}
}

func TestRunIsolatesSingleDeviceFailure(t *testing.T) {
	store := newMemoryStore()
	rejecting := ProvisionerFunc(func(_ context.Context, record domain.DeviceRecord) domain.Outcome {
		if record.SerialNumber == "SN-003" {
			return domain.FailedOutcome("rejected by endpoint")
		}
		return domain.Outcome{Success: true}
	})

	report, err := NewCoordinator(store, rejecting, nil).Run(context.Background(), makeJob(10))
	require.NoError(t, err)
	require.Len(t, report.Results, 10)

	for i, result := range report.Results {
		assert.Equal(t, fmt.Sprintf("SN-%03d", i+1), result.SerialNumber)
		if i == 2 {
			assert.False(t, result.Success)
			assert.Equal(t, "rejected by endpoint", result.MessageText())
			continue
		}
		assert.True(t, result.Success, "device %d", i+1)
	}
	assert.Equal(t, 9, report.Log.SuccessfulDevices)
	assert.Equal(t, 1, report.Log.FailedDevices)
}

func TestRunContainsProvisionerPanics(t *testing.T) {
	panicking := ProvisionerFunc(func(_ context.Context, record domain.DeviceRecord) domain.Outcome {
		if record.SerialNumber == "SN-002" {
			panic("nil response")
		}
		return domain.Outcome{Success: true}
	})

	report, err := NewCoordinator(newMemoryStore(), panicking, nil).Run(context.Background(), makeJob(4))
	require.NoError(t, err)

	assert.False(t, report.Results[1].Success)
	assert.Contains(t, report.Results[1].MessageText(), "nil response")
	assert.Equal(t, 3, report.Log.SuccessfulDevices)
}

func TestRunFillsMissingFailureMessage(t *testing.T) {
	silent := ProvisionerFunc(func(context.Context, domain.DeviceRecord) domain.Outcome {
		return domain.Outcome{Success: false}
	})

	report, err := NewCoordinator(newMemoryStore(), silent, nil).Run(context.Background(), makeJob(1))
	require.NoError(t, err)
	assert.NotEmpty(t, report.Results[0].MessageText())
}

func TestRunPreservesRecordOutcomeMappingUnderConcurrency(t *testing.T) {
	// Later devices finish first.
	slowFirst := ProvisionerFunc(func(_ context.Context, record domain.DeviceRecord) domain.Outcome {
		time.Sleep(time.Duration(30-record.SourceRow) * time.Millisecond)
		return domain.Outcome{Success: true, Message: "ok " + record.SerialNumber}
	})

	report, err := NewCoordinator(newMemoryStore(), slowFirst, nil, WithBatchSize(10)).Run(context.Background(), makeJob(10))
	require.NoError(t, err)

	for _, result := range report.Results {
		assert.Equal(t, "ok "+result.SerialNumber, result.MessageText())
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	tracking := ProvisionerFunc(func(context.Context, domain.DeviceRecord) domain.Outcome {
		current := inFlight.Add(1)
		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return domain.Outcome{Success: true}
	})

	coordinator := NewCoordinator(newMemoryStore(), tracking, nil, WithBatchSize(12), WithConcurrency(3))
	_, err := coordinator.Run(context.Background(), makeJob(24))
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunProcessesBatchesInOrder(t *testing.T) {
	publisher := &recordingPublisher{}
	coordinator := NewCoordinator(newMemoryStore(), alwaysSucceed(), publisher, WithBatchSize(4))

	_, err := coordinator.Run(context.Background(), makeJob(10))
	require.NoError(t, err)

	events := publisher.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, []int{4, 8, 10}, []int{events[0].Processed, events[1].Processed, events[2].Processed})
	for _, event := range events {
		assert.Equal(t, "provisioning_status", event.Type)
		assert.Equal(t, 10, event.Total)
		assert.Equal(t, "ops@example.com", event.CreatedBy)
	}
	assert.True(t, events[2].Completed())
}

func TestRunRetriesBatchTransaction(t *testing.T) {
	store := newMemoryStore()
	store.recordFailures = 2
	registry := prometheus.NewRegistry()

	coordinator := NewCoordinator(store, alwaysSucceed(), nil,
		WithRetryDelay(0),
		WithMetrics(metrics.NewProvisioning(registry)),
	)
	report, err := coordinator.Run(context.Background(), makeJob(5))
	require.NoError(t, err)

	assert.Equal(t, 3, store.recordCalls)
	assert.Equal(t, 5, report.Log.ProcessedDevices)
	assert.Empty(t, report.Unrecorded)
}

func TestRunStopsOnPersistenceFailure(t *testing.T) {
	store := &failAfterStore{memoryStore: newMemoryStore(), okCalls: 1}
	var calls atomic.Int32
	counting := ProvisionerFunc(func(context.Context, domain.DeviceRecord) domain.Outcome {
		calls.Add(1)
		return domain.Outcome{Success: true}
	})

	coordinator := NewCoordinator(store, counting, nil, WithBatchSize(5), WithRetryDelay(0), WithPersistAttempts(2))
	report, err := coordinator.Run(context.Background(), makeJob(15))
	require.Error(t, err)

	var dbErr *domain.DatabaseError
	require.True(t, errors.As(err, &dbErr))
	assert.Contains(t, dbErr.Error(), "batch 2")

	assert.Equal(t, int32(10), calls.Load(), "third batch must not be contacted")
	assert.Equal(t, 3, store.seen, "one commit plus two attempts of batch 2")
	assert.Len(t, report.Results, 5)
	assert.Len(t, report.Unrecorded, 5)
	assert.Equal(t, "SN-006", report.Unrecorded[0].SerialNumber)
	assert.Equal(t, 5, report.Log.ProcessedDevices)
	assert.False(t, report.Log.Completed())

	stored, err := store.ListResults(context.Background(), report.Log.ID)
	require.NoError(t, err)
	assert.Len(t, stored, report.Log.ProcessedDevices)
}

func TestRunDoesNotRetryMissingLog(t *testing.T) {
	store := &vanishingStore{memoryStore: newMemoryStore()}
	_, err := NewCoordinator(store, alwaysSucceed(), nil, WithRetryDelay(0)).Run(context.Background(), makeJob(3))
	require.Error(t, err)
	assert.True(t, domain.IsDatabaseError(err))
	assert.Equal(t, 1, store.memoryStore.recordCalls)
}

func TestRunRetryAfterAmbiguousCommitDoesNotDuplicate(t *testing.T) {
	store := &lostAckStore{memoryStore: newMemoryStore(), lose: 1}
	coordinator := NewCoordinator(store, alwaysSucceed(), nil, WithBatchSize(5), WithRetryDelay(0))

	report, err := coordinator.Run(context.Background(), makeJob(8))
	require.NoError(t, err)
	assert.Empty(t, report.Unrecorded)
	assert.Equal(t, 8, report.Log.ProcessedDevices)
	assert.Len(t, report.Results, 8)

	stored, err := store.ListResults(context.Background(), report.Log.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 8)
}

func TestRunRejectsMissingMetadata(t *testing.T) {
	store := newMemoryStore()
	coordinator := NewCoordinator(store, alwaysSucceed(), nil)

	job := makeJob(3)
	job.Reason = "  "
	_, err := coordinator.Run(context.Background(), job)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Empty(t, store.logs)
}

func TestRunReportsLogCreationFailure(t *testing.T) {
	store := newMemoryStore()
	store.createErr = errors.New("relation does not exist")
	var calls atomic.Int32
	counting := ProvisionerFunc(func(context.Context, domain.DeviceRecord) domain.Outcome {
		calls.Add(1)
		return domain.Outcome{Success: true}
	})

	_, err := NewCoordinator(store, counting, nil).Run(context.Background(), makeJob(3))
	require.Error(t, err)
	assert.True(t, domain.IsDatabaseError(err))
	assert.Zero(t, calls.Load())
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := ProvisionerFunc(func(callCtx context.Context, _ domain.DeviceRecord) domain.Outcome {
		cancel()
		if callCtx.Err() != nil {
			return domain.FailedOutcome(callCtx.Err().Error())
		}
		return domain.Outcome{Success: true}
	})

	report, err := NewCoordinator(newMemoryStore(), cancelling, nil, WithConcurrency(1)).Run(ctx, makeJob(3))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Log.SuccessfulDevices)
}

func TestRunEmptyJobCompletesImmediately(t *testing.T) {
	publisher := &recordingPublisher{}
	report, err := NewCoordinator(newMemoryStore(), alwaysSucceed(), publisher).Run(context.Background(), makeJob(0))
	require.NoError(t, err)

	assert.True(t, report.Log.Completed())
	assert.Empty(t, report.Results)
	require.Len(t, publisher.snapshot(), 1)
}

// failAfterStore lets okCalls RecordBatch calls through and fails the rest.
type failAfterStore struct {
	*memoryStore
	okCalls int
	seen    int
}

func (s *failAfterStore) RecordBatch(ctx context.Context, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error) {
	s.seen++
	if s.seen > s.okCalls {
		return domain.ProvisioningLog{}, errors.New("could not serialize access")
	}
	return s.memoryStore.RecordBatch(ctx, logID, results)
}

// vanishingStore forgets every log it creates.
type vanishingStore struct {
	*memoryStore
}

func (s *vanishingStore) CreateLog(_ context.Context, log domain.ProvisioningLog) (domain.ProvisioningLog, error) {
	return log, nil
}

// lostAckStore commits the first lose batches and then reports an error, as
// when the connection drops after COMMIT.
type lostAckStore struct {
	*memoryStore
	lose int
}

func (s *lostAckStore) RecordBatch(ctx context.Context, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error) {
	log, err := s.memoryStore.RecordBatch(ctx, logID, results)
	if err == nil && s.lose > 0 {
		s.lose--
		return domain.ProvisioningLog{}, errors.New("unexpected EOF")
	}
	return log, err
}
