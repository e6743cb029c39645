// Package cache keeps the latest progress snapshot of each job in Redis so
// clients without a live stream can poll for status.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/domain"
	"github.com/rpattn/devprov/internal/progress"
)

const (
	keyStatus = "provisioning:%s"

	// DefaultStatusTTL is how long a snapshot outlives its last update.
	DefaultStatusTTL = time.Hour
)

// Config describes the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	StatusTTL time.Duration
}

// Snapshot is the cached progress of one job.
type Snapshot struct {
	LogID     uuid.UUID        `json:"logId"`
	Status    domain.LogStatus `json:"status"`
	Processed int              `json:"processed"`
	Total     int              `json:"total"`
	Success   int              `json:"success"`
	Failed    int              `json:"failed"`
	CreatedBy string           `json:"createdBy"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// SnapshotFromEvent converts a progress event into its cached form.
func SnapshotFromEvent(event progress.Event, at time.Time) Snapshot {
	counters := domain.Counters{
		Processed: event.Processed,
		Total:     event.Total,
		Success:   event.Success,
		Failed:    event.Failed,
	}
	return Snapshot{
		LogID:     event.LogID,
		Status:    counters.Status(),
		Processed: event.Processed,
		Total:     event.Total,
		Success:   event.Success,
		Failed:    event.Failed,
		CreatedBy: event.CreatedBy,
		UpdatedAt: at.UTC(),
	}
}

// SnapshotFromLog converts a stored log into a snapshot.
func SnapshotFromLog(log domain.ProvisioningLog) Snapshot {
	return SnapshotFromEvent(progress.NewEvent(log), log.UpdatedAt)
}

// StatusCache stores snapshots. A nil *StatusCache is a valid, disabled cache.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusCache connects to Redis. It returns nil, nil when no address is
// configured.
func NewStatusCache(cfg Config, logger *zap.Logger) (*StatusCache, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, nil
	}
	if cfg.StatusTTL < 0 {
		return nil, errors.New("redis status ttl must not be negative")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Password),
		DB:       cfg.DB,
	})
	return NewStatusCacheWithClient(client, cfg.StatusTTL, logger), nil
}

// NewStatusCacheWithClient wraps an existing client.
func NewStatusCacheWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = DefaultStatusTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusCache{client: client, ttl: ttl, logger: logger}
}

// Enabled reports whether snapshots are stored anywhere.
func (c *StatusCache) Enabled() bool {
	return c != nil && c.client != nil
}

// Publish stores the event as the job's latest snapshot. Failures are logged
// and otherwise ignored.
func (c *StatusCache) Publish(ctx context.Context, event progress.Event) {
	if !c.Enabled() {
		return
	}
	if err := c.Put(ctx, SnapshotFromEvent(event, time.Now())); err != nil {
		c.logger.Warn("failed to cache provisioning status",
			zap.String("log_id", event.LogID.String()),
			zap.Error(err),
		)
	}
}

// Put stores a snapshot with the configured TTL.
func (c *StatusCache) Put(ctx context.Context, snapshot Snapshot) error {
	if !c.Enabled() {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode status snapshot: %w", err)
	}
	if err := c.client.Set(ctx, StatusKey(snapshot.LogID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store status snapshot: %w", err)
	}
	return nil
}

// Get returns the cached snapshot. The boolean is false on a miss.
func (c *StatusCache) Get(ctx context.Context, logID uuid.UUID) (Snapshot, bool, error) {
	if !c.Enabled() {
		return Snapshot{}, false, nil
	}
	payload, err := c.client.Get(ctx, StatusKey(logID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read status snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode status snapshot: %w", err)
	}
	return snapshot, true, nil
}

// Ping checks the Redis connection.
func (c *StatusCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *StatusCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// StatusKey is the Redis key of a job's snapshot.
func StatusKey(logID uuid.UUID) string {
	return fmt.Sprintf(keyStatus, logID)
}

var _ progress.Publisher = (*StatusCache)(nil)
