package provisioning

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/progress"
	"github.com/rpattn/devprov/internal/repository"

	"github.com/google/uuid"
)

// memoryStore is an in-memory ResultStore. recordFailures makes the next N
// RecordBatch calls fail without persisting anything.
type memoryStore struct {
	mu             sync.Mutex
	logs           map[uuid.UUID]domain.ProvisioningLog
	results        map[uuid.UUID][]domain.ProvisioningResult
	createErr      error
	recordFailures int
	recordCalls    int
	failAlways     bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		logs:    make(map[uuid.UUID]domain.ProvisioningLog),
		results: make(map[uuid.UUID][]domain.ProvisioningResult),
	}
}

func (s *memoryStore) CreateLog(_ context.Context, log domain.ProvisioningLog) (domain.ProvisioningLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.ProvisioningLog{}, s.createErr
	}
	s.logs[log.ID] = log
	return log, nil
}

func (s *memoryStore) RecordBatch(_ context.Context, logID uuid.UUID, results []domain.ProvisioningResult) (domain.ProvisioningLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCalls++
	if s.failAlways || s.recordFailures > 0 {
		if s.recordFailures > 0 {
			s.recordFailures--
		}
		return domain.ProvisioningLog{}, errors.New("connection reset by peer")
	}
	log, ok := s.logs[logID]
	if !ok {
		return domain.ProvisioningLog{}, repository.ErrLogNotFound
	}
	if len(results) > 0 {
		for _, stored := range s.results[logID] {
			if stored.ID == results[0].ID {
				return log, nil
			}
		}
	}
	success, failed := domain.TallyResults(results)
	log.ProcessedDevices += len(results)
	log.SuccessfulDevices += success
	log.FailedDevices += failed
	s.logs[logID] = log
	s.results[logID] = append(s.results[logID], results...)
	return log, nil
}

func (s *memoryStore) GetLog(_ context.Context, id uuid.UUID) (domain.ProvisioningLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	if !ok {
		return domain.ProvisioningLog{}, repository.ErrLogNotFound
	}
	return log, nil
}

func (s *memoryStore) ListLogs(_ context.Context, filter domain.LogFilter) ([]domain.ProvisioningLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := []domain.ProvisioningLog{}
	for _, log := range s.logs {
		if filter.CreatedBy != "" && !strings.EqualFold(log.CreatedBy, filter.CreatedBy) {
			continue
		}
		if filter.Status != "" && log.Status() != filter.Status {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (s *memoryStore) ListResults(_ context.Context, logID uuid.UUID) ([]domain.ProvisioningResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProvisioningResult(nil), s.results[logID]...), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progress.Event(nil), p.events...)
}

var _ repository.ResultStore = (*memoryStore)(nil)
var _ progress.Publisher = (*recordingPublisher)(nil)
