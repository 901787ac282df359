package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"ptw-monitor/internal/alert"
	"ptw-monitor/internal/config"
	"ptw-monitor/internal/consumer"
	"ptw-monitor/internal/models"
	"ptw-monitor/internal/monitor"
	"ptw-monitor/internal/repository"
	"ptw-monitor/pkg/database"
	"ptw-monitor/pkg/mqtt"
	"ptw-monitor/pkg/redisx"
)

// managedPermit pairs a permit controller with the version last written to
// the store, for the optimistic save guard.
type managedPermit struct {
	controller       *monitor.Controller
	persistedVersion int64
	sink             *alert.AsyncSink
}

// MonitorService runs the permit safety monitor: it owns one controller per
// monitorable permit, drives the evaluation ticks, applies inbound commands,
// persists changed permits and mirrors live status into Redis.
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	permitRepo   *repository.PermitRepository
	crewRepo     *repository.CrewRepository
	cacheManager *consumer.CacheManager
	cmdConsumer  *consumer.CommandConsumer

	defaultGas []models.GasReading

	mu      sync.Mutex
	permits map[string]*managedPermit
}

// NewMonitorService wires the service dependencies.
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redisx.NewRedisClient(&cfg.Redis)
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// the broker is optional: alarms still reach the structured log when the
	// bridge panel link is down
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		logger.Warn("MQTT broker unreachable, alerts go to log only", zap.Error(err))
		mqttClient = nil
	}

	defaultGas, err := cfg.LoadGasProfile()
	if err != nil {
		return nil, fmt.Errorf("failed to load gas profile: %w", err)
	}

	s := &MonitorService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		permitRepo:   repository.NewPermitRepository(db, logger),
		crewRepo:     repository.NewCrewRepository(db, logger),
		cacheManager: consumer.NewCacheManager(cfg, redisClient, logger),
		defaultGas:   defaultGas,
		permits:      make(map[string]*managedPermit),
	}
	s.cmdConsumer = consumer.NewCommandConsumer(cfg, redisClient, s, logger)

	return s, nil
}

// Start loads the monitorable permits and runs the tick and command loops
// until the context is cancelled.
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting permit safety monitor",
		zap.String("vessel_id", s.config.VesselID),
		zap.Int("tick_interval_sec", s.config.Monitor.TickInterval),
	)

	if err := s.refreshPermits(ctx); err != nil {
		return fmt.Errorf("failed to load permits: %w", err)
	}

	go func() {
		if err := s.cmdConsumer.Start(ctx); err != nil {
			s.logger.Error("Command consumer stopped", zap.Error(err))
		}
	}()

	tickTicker := time.NewTicker(time.Duration(s.config.Monitor.TickInterval) * time.Second)
	defer tickTicker.Stop()
	refreshTicker := time.NewTicker(time.Duration(s.config.Monitor.RefreshInterval) * time.Second)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tickTicker.C:
			s.tick(ctx, now)
		case <-refreshTicker.C:
			if err := s.refreshPermits(ctx); err != nil {
				s.logger.Error("Failed to refresh permit list", zap.Error(err))
			}
		}
	}
}

// Stop releases connections and drains the alert queues.
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping permit safety monitor")

	s.mu.Lock()
	for _, m := range s.permits {
		if m.sink != nil {
			m.sink.Close()
		}
	}
	s.mu.Unlock()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}

// ============================================
// tick loop
// ============================================

func (s *MonitorService) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.permits {
		m.controller.Tick(now)

		if m.controller.Dirty() {
			s.persistLocked(ctx, id, m)
		}

		snap := m.controller.Snapshot()
		if err := s.cacheManager.UpdateStatus(ctx, snap); err != nil {
			s.logger.Error("Failed to update status mirror",
				zap.String("permit_id", snap.PermitID),
				zap.Error(err),
			)
		}

		if s.retired(m.controller) {
			s.dropLocked(ctx, id, m)
		}
	}
}

// retired reports whether a permit no longer needs monitoring: closed, or
// expired with the space clear and no evacuation running.
func (s *MonitorService) retired(c *monitor.Controller) bool {
	p := c.Permit()
	if p.Status == models.StatusClosed {
		return true
	}
	snap := c.Snapshot()
	return p.Status == models.StatusExpired && snap.PersonnelCount == 0 && !snap.EvacuationActive
}

func (s *MonitorService) dropLocked(ctx context.Context, id string, m *managedPermit) {
	if m.sink != nil {
		m.sink.Close()
	}
	delete(s.permits, id)
	if err := s.cacheManager.RemoveStatus(ctx, id); err != nil {
		s.logger.Warn("Failed to remove status mirror", zap.String("id", id), zap.Error(err))
	}
	s.logger.Info("Permit left monitoring",
		zap.String("id", id),
		zap.String("status", string(m.controller.Permit().Status)),
	)
}

func (s *MonitorService) persistLocked(ctx context.Context, id string, m *managedPermit) {
	p := m.controller.Permit()
	err := s.permitRepo.SavePermit(ctx, p, m.persistedVersion)
	if err == nil {
		m.persistedVersion = p.Version
		m.controller.ClearDirty()
		return
	}

	if errors.Is(err, repository.ErrVersionConflict) {
		// an external writer touched the row; reload and rebuild the
		// controller from the stored state
		s.logger.Warn("Permit version conflict, reloading",
			zap.String("id", id),
			zap.Int64("expected_version", m.persistedVersion),
		)
		if reloadErr := s.reloadLocked(ctx, id, m); reloadErr != nil {
			s.logger.Error("Failed to reload permit", zap.String("id", id), zap.Error(reloadErr))
		}
		return
	}

	s.logger.Error("Failed to persist permit", zap.String("id", id), zap.Error(err))
}

func (s *MonitorService) reloadLocked(ctx context.Context, id string, m *managedPermit) error {
	p, err := s.permitRepo.GetPermit(ctx, id)
	if err != nil {
		return err
	}
	if m.sink != nil {
		m.sink.Close()
	}
	s.permits[id] = s.newManaged(p)
	return nil
}

// ============================================
// command dispatch
// ============================================

// Dispatch applies one command from the command stream. It implements
// consumer.Dispatcher.
func (s *MonitorService) Dispatch(ctx context.Context, cmd consumer.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findLocked(cmd.PermitID)
	if m == nil {
		return fmt.Errorf("permit not monitored: %s", cmd.PermitID)
	}

	now := time.Now()
	c := m.controller

	var err error
	switch cmd.Action {
	case consumer.ActionRecordEntry:
		err = c.RecordEntry(cmd.Name, now)
	case consumer.ActionRecordExit:
		err = c.RecordExit(cmd.Name, now)
	case consumer.ActionRecordGasTest:
		_, err = c.RecordGasTest(cmd.Readings, cmd.Name, now)
	case consumer.ActionConfirmSafetyCheck:
		err = c.ConfirmSafetyCheck(cmd.Name, now)
	case consumer.ActionTriggerEvacuation:
		err = c.TriggerEvacuation(now)
	case consumer.ActionStandDown:
		err = c.StandDownEvacuation(now)
	case consumer.ActionConfirmClosure:
		err = c.ConfirmClosure(cmd.Item, cmd.Name, now)
	case consumer.ActionChangeStatus:
		err = c.ChangeStatus(ctx, models.PermitStatus(cmd.Target), cmd.Authorizer, now)
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
	if err != nil {
		return err
	}

	if c.Dirty() {
		s.persistLocked(ctx, c.Permit().ID, m)
	}
	if snapErr := s.cacheManager.UpdateStatus(ctx, c.Snapshot()); snapErr != nil {
		s.logger.Error("Failed to update status mirror after command",
			zap.String("permit_id", c.Permit().PermitID),
			zap.Error(snapErr),
		)
	}
	return nil
}

// findLocked resolves a command target by internal id or permit label.
func (s *MonitorService) findLocked(id string) *managedPermit {
	if m, ok := s.permits[id]; ok {
		return m
	}
	for _, m := range s.permits {
		if m.controller.Permit().PermitID == id {
			return m
		}
	}
	return nil
}

// ============================================
// permit loading
// ============================================

func (s *MonitorService) refreshPermits(ctx context.Context) error {
	loaded, err := s.permitRepo.ListMonitorable(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, p := range loaded {
		if _, ok := s.permits[p.ID]; ok {
			continue
		}
		s.permits[p.ID] = s.newManaged(p)
		added++
	}
	if added > 0 {
		s.logger.Info("Permits loaded",
			zap.Int("added", added),
			zap.Int("monitored", len(s.permits)),
		)
	}
	return nil
}

func (s *MonitorService) newManaged(p *models.Permit) *managedPermit {
	m := &managedPermit{persistedVersion: p.Version}

	sink := alert.Sink(alert.NewLogSink(s.logger.With(
		zap.String("permit_id", p.PermitID),
	)))
	if s.mqttClient != nil {
		mqttSink := alert.NewMQTTSink(s.mqttClient, s.config.VesselID, p.PermitID, s.logger)
		m.sink = alert.NewAsyncSink(mqttSink, 64, s.logger)
		sink = alert.NewMultiSink(sink, m.sink)
	}

	m.controller = monitor.NewController(p, s.crewRepo, sink, s.defaultGas, s.logger, time.Now())
	return m
}
