// Package scheduler runs periodic sync for every due instance and the
// housekeeping that keeps the event log and audit trail bounded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/prudhvinik1/medsync/internal/services"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTick                 = time.Minute
	DefaultHousekeepingInterval = time.Hour
	DefaultMaxConcurrent        = 4
	DefaultSyncTimeout          = 5 * time.Minute
)

var ErrNoSyncer = errors.New("no syncer for instance")

// Syncer runs one bidirectional sync. services.SyncService implements it.
type Syncer interface {
	Sync(ctx context.Context) (*services.SyncSummary, error)
}

// SyncerFactory returns the syncer for an instance, or ErrNoSyncer when this
// process cannot sync it.
type SyncerFactory func(instance *models.SyncInstance) (Syncer, error)

type Config struct {
	Tick                 time.Duration
	HousekeepingInterval time.Duration
	MaxConcurrent        int
	SyncTimeout          time.Duration
	Retry                RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Tick:                 DefaultTick,
		HousekeepingInterval: DefaultHousekeepingInterval,
		MaxConcurrent:        DefaultMaxConcurrent,
		SyncTimeout:          DefaultSyncTimeout,
		Retry:                DefaultRetryPolicy(),
	}
}

type Scheduler struct {
	instances   repositories.SyncInstanceRepository
	factory     SyncerFactory
	housekeeper *Housekeeper
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. A nil factory runs housekeeping only and a nil
// housekeeper runs sync only.
func New(instances repositories.SyncInstanceRepository, factory SyncerFactory, housekeeper *Housekeeper, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		instances:   instances,
		factory:     factory,
		housekeeper: housekeeper,
		cfg:         cfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		inFlight:    make(map[uuid.UUID]struct{}),
	}
}

// Start launches the background loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	if s.factory != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.Tick, func(ctx context.Context) {
			if err := s.RunDue(ctx); err != nil {
				s.logger.Error("scheduled sync failed", "error", err)
			}
		})
	}
	if s.housekeeper != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.HousekeepingInterval, func(ctx context.Context) {
			if _, err := s.housekeeper.Run(ctx); err != nil {
				s.logger.Error("housekeeping failed", "error", err)
			}
		})
	}
	s.logger.Info("scheduler started", "tick", s.cfg.Tick, "max_concurrent", s.cfg.MaxConcurrent)
}

// Stop signals the loops to exit and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RunDue syncs every instance whose interval has elapsed, at most
// MaxConcurrent at a time. Failures of one instance do not affect the others.
func (s *Scheduler) RunDue(ctx context.Context) error {
	instances, err := s.instances.ListSyncable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list syncable instances: %w", err)
	}

	now := s.now()
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, inst := range instances {
		if !inst.SyncDue(now) {
			continue
		}
		g.Go(func() error {
			if _, _, err := s.syncInstance(ctx, inst); err != nil && !errors.Is(err, ErrNoSyncer) {
				s.logger.Warn("instance sync failed", "instance_id", inst.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// TriggerSync starts a sync of one instance in the background. It returns
// false when a sync of that instance is already running.
func (s *Scheduler) TriggerSync(ctx context.Context, instanceID uuid.UUID) (bool, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !s.acquire(instanceID) {
		return false, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(instanceID)
		if _, err := s.run(context.WithoutCancel(ctx), inst); err != nil {
			s.logger.Warn("triggered sync failed", "instance_id", instanceID, "error", err)
		}
	}()
	return true, nil
}

// SyncNow syncs one instance and waits for the outcome. started is false
// when another sync of the instance was already running.
func (s *Scheduler) SyncNow(ctx context.Context, instanceID uuid.UUID) (summary *services.SyncSummary, started bool, err error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}
	return s.syncInstance(ctx, inst)
}

func (s *Scheduler) syncInstance(ctx context.Context, inst *models.SyncInstance) (*services.SyncSummary, bool, error) {
	if !s.acquire(inst.ID) {
		s.logger.Debug("sync already in progress", "instance_id", inst.ID)
		return nil, false, nil
	}
	defer s.release(inst.ID)

	summary, err := s.run(ctx, inst)
	return summary, true, err
}

func (s *Scheduler) run(ctx context.Context, inst *models.SyncInstance) (*services.SyncSummary, error) {
	if s.factory == nil {
		return nil, ErrNoSyncer
	}
	syncer, err := s.factory(inst)
	if err != nil {
		return nil, err
	}

	var summary *services.SyncSummary
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
		defer cancel()

		var err error
		summary, err = syncer.Sync(ctx)
		return err
	})
	if err != nil {
		return summary, err
	}

	if summary != nil {
		s.logger.Info("instance synced",
			"instance_id", inst.ID,
			"pushed", summary.RecordsPushed,
			"pulled", summary.RecordsPulled,
			"conflicts", summary.Conflicts,
		)
	}
	return summary, nil
}

func (s *Scheduler) acquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
