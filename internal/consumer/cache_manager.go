package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"ptw-monitor/internal/config"
	"ptw-monitor/internal/monitor"
)

// CacheManager mirrors permit status snapshots into Redis so dashboards and
// the bridge UI can read live state without touching PostgreSQL.
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager creates a cache manager.
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (c *CacheManager) statusKey(permitID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Monitor.Cache.StatusKeyPrefix,
		permitID,
		c.config.Monitor.Cache.StatusSuffix,
	)
}

// UpdateStatus writes one permit snapshot with the configured TTL. The key
// expires on its own if the monitor stops refreshing it.
func (c *CacheManager) UpdateStatus(ctx context.Context, snap monitor.Snapshot) error {
	key := c.statusKey(snap.ID)

	jsonData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal status snapshot: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Monitor.Cache.StatusTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set status cache: %w", err)
	}

	c.logger.Debug("Updated status cache",
		zap.String("permit_id", snap.PermitID),
		zap.String("key", key),
		zap.String("alarm_condition", snap.AlarmCondition),
	)

	return nil
}

// GetStatus reads one permit snapshot back from the mirror.
func (c *CacheManager) GetStatus(ctx context.Context, permitID string) (*monitor.Snapshot, error) {
	key := c.statusKey(permitID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("status not found for permit: %s", permitID)
		}
		return nil, fmt.Errorf("failed to get status cache: %w", err)
	}

	var snap monitor.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status snapshot: %w", err)
	}
	return &snap, nil
}

// RemoveStatus deletes the mirror entry for a permit that left monitoring.
func (c *CacheManager) RemoveStatus(ctx context.Context, permitID string) error {
	if err := c.redisClient.Del(ctx, c.statusKey(permitID)).Err(); err != nil {
		return fmt.Errorf("failed to remove status cache: %w", err)
	}
	return nil
}
