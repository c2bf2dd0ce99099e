package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

const (
	DefaultBatchSize    = 100
	DefaultPullLookback = 7 * 24 * time.Hour
	DefaultMaxPullPages = 10
	watermarkKey        = "watermark"
)

// Transport carries the sync protocol from an instance to the cloud.
type Transport interface {
	Push(ctx context.Context, events []*models.SyncEvent) (*models.PushResponse, error)
	Pull(ctx context.Context, since time.Time, limit int) (*models.PullResponse, error)
	Status(ctx context.Context) (*models.StatusResponse, error)
}

type SyncConfig struct {
	BatchSize int
	// PullLookback bounds the first pull of an instance that never pulled before.
	PullLookback time.Duration
	// PageSize is the number of events requested per pull call.
	PageSize     int
	MaxPullPages int
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:    DefaultBatchSize,
		PullLookback: DefaultPullLookback,
		PageSize:     models.MaxPullEvents,
		MaxPullPages: DefaultMaxPullPages,
	}
}

// AttemptResult summarizes one push or pull attempt.
type AttemptResult struct {
	LogID     uuid.UUID
	Status    models.SyncStatus
	Records   int
	Conflicts int
	Errors    int
}

type SyncSummary struct {
	Push          *AttemptResult `json:"-"`
	Pull          *AttemptResult `json:"-"`
	RecordsPushed int            `json:"records_pushed"`
	RecordsPulled int            `json:"records_pulled"`
	Conflicts     int            `json:"conflicts"`
	Errors        int            `json:"errors"`
}

// SyncService runs the instance end of the sync protocol.
type SyncService struct {
	store      repositories.Store
	applier    *Applier
	transport  Transport
	instanceID uuid.UUID
	cfg        SyncConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewSyncService(
	store repositories.Store,
	applier *Applier,
	transport Transport,
	instanceID uuid.UUID,
	cfg SyncConfig,
	logger *slog.Logger,
) *SyncService {
	def := DefaultSyncConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchSize > MaxPushEvents {
		cfg.BatchSize = MaxPushEvents
	}
	if cfg.PullLookback <= 0 {
		cfg.PullLookback = def.PullLookback
	}
	if cfg.PageSize <= 0 || cfg.PageSize > models.MaxPullEvents {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPullPages <= 0 {
		cfg.MaxPullPages = def.MaxPullPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:      store,
		applier:    applier,
		transport:  transport,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger.With("instance_id", instanceID),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *SyncService) InstanceID() uuid.UUID {
	return s.instanceID
}

// Push sends unsynced local events in batches, oldest first, until none are left
// or a batch does not fully succeed.
func (s *SyncService) Push(ctx context.Context) (*AttemptResult, error) {
	log := models.NewSyncInstanceLog(s.instanceID, models.DirectionPush)
	if err := s.store.Logs().Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	res := &AttemptResult{LogID: log.ID}

	var pushErr error
	for batches := 0; ; batches++ {
		events, err := s.store.Events().ListUnsynced(ctx, s.instanceID, s.cfg.BatchSize)
		if err != nil {
			pushErr = fmt.Errorf("failed to list unsynced events: %w", err)
			break
		}
		if len(events) == 0 {
			break
		}

		resp, err := s.transport.Push(ctx, events)
		if err != nil {
			pushErr = fmt.Errorf("push failed: %w", err)
			break
		}

		acked, err := s.store.Events().MarkSynced(ctx, resp.SyncedEventIDs, s.now())
		if err != nil {
			pushErr = fmt.Errorf("failed to mark events synced: %w", err)
			break
		}
		res.Records += acked

		for i := range resp.Conflicts {
			if err := s.recordConflict(ctx, &resp.Conflicts[i]); err != nil {
				s.logger.Error("failed to record conflict", "event_id", resp.Conflicts[i].EventID, "error", err)
				res.Errors++
				continue
			}
			res.Conflicts++
		}
		for _, e := range resp.Errors {
			s.logger.Warn("cloud rejected event", "event_id", e.EventID, "error", e.Error)
			if log.ErrorMessage == "" {
				log.ErrorMessage = e.Error
			}
		}
		res.Errors += len(resp.Errors)

		if len(events) < s.cfg.BatchSize || len(resp.Errors) > 0 || len(resp.SyncedEventIDs) == 0 {
			break
		}
	}

	switch {
	case pushErr != nil && res.Records == 0:
		res.Status = models.StatusFailed
	case pushErr != nil:
		res.Status = models.StatusPartial
	default:
		res.Status = models.OutcomeStatus(res.Records, res.Errors)
	}
	if pushErr != nil {
		res.Errors++
		log.ErrorMessage = pushErr.Error()
	}

	log.Status = res.Status
	log.RecordsPushed = res.Records
	log.ConflictsDetected = res.Conflicts
	log.ErrorsCount = res.Errors
	s.finish(ctx, log)

	s.logger.Info("push finished",
		"status", res.Status,
		"pushed", res.Records,
		"conflicts", res.Conflicts,
		"errors", res.Errors,
	)
	return res, pushErr
}

// recordConflict keeps a local copy of a conflict the cloud reported for a pushed event.
func (s *SyncService) recordConflict(ctx context.Context, report *models.ConflictReport) error {
	instanceID := s.instanceID
	eventID := report.EventID
	c := &models.SyncConflict{
		ID:                       report.ConflictID,
		ConflictType:             report.ConflictType,
		EntityType:               report.ModelName,
		EntityID:                 report.ObjectID,
		EventID:                  &eventID,
		LocalVersion:             report.LocalVersion,
		CloudVersion:             report.CloudVersion,
		LocalDeleted:             report.LocalDeleted,
		CloudDeleted:             report.CloudDeleted,
		ResolutionStrategy:       report.ResolutionStrategy,
		Resolved:                 report.Resolved,
		DetectedAt:               s.now(),
		InstanceID:               &instanceID,
		RequiresManualResolution: report.RequiresManualResolution,
	}
	if c.Resolved {
		at := c.DetectedAt
		c.ResolvedAt = &at
		c.ResolvedBy = conflict.SystemPrincipal
	}

	return s.store.InTx(ctx, func(tx repositories.Store) error {
		if err := tx.Conflicts().Create(ctx, c); err != nil && !errors.Is(err, repositories.ErrAlreadyExists) {
			return err
		}
		resolution := ""
		if c.Resolved {
			resolution = string(c.ResolutionStrategy)
		}
		if err := tx.Events().MarkConflict(ctx, eventID, resolution); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		return nil
	})
}

// Pull fetches remote events after the last pull watermark and applies each one
// independently. The watermark never moves past an event that failed for a
// reason that may go away.
func (s *SyncService) Pull(ctx context.Context) (*AttemptResult, error) {
	since, err := s.watermark(ctx)
	if err != nil {
		return nil, err
	}

	log := models.NewSyncInstanceLog(s.instanceID, models.DirectionPull)
	log.Metadata["since"] = since.Format(time.RFC3339Nano)
	if err := s.store.Logs().Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}
	res := &AttemptResult{LogID: log.ID}

	watermark := since
	blocked := false
	var pullErr error
	for page := 0; page < s.cfg.MaxPullPages && !blocked; page++ {
		resp, err := s.transport.Pull(ctx, watermark, s.cfg.PageSize)
		if err != nil {
			pullErr = fmt.Errorf("pull failed: %w", err)
			break
		}

		for _, event := range resp.Events {
			received := event.ReceivedAt
			applied, err := s.applier.Apply(ctx, event, s.instanceID)
			if err != nil {
				res.Errors++
				if log.ErrorMessage == "" {
					log.ErrorMessage = err.Error()
				}
				s.logger.Warn("failed to apply pulled event",
					"event_id", event.ID,
					"entity_type", event.EntityType,
					"permanent", IsPermanent(err),
					"error", err,
				)
				if !IsPermanent(err) {
					blocked = true
				}
			} else if !applied.Duplicate {
				res.Records++
				if applied.Conflict != nil {
					res.Conflicts++
				}
			}
			if !blocked && received.After(watermark) {
				watermark = received
			}
		}

		if len(resp.Events) < s.cfg.PageSize || !watermark.After(since) {
			break
		}
		since = watermark
	}

	switch {
	case pullErr != nil && res.Records == 0 && res.Errors == 0:
		res.Status = models.StatusFailed
	case pullErr != nil:
		res.Status = models.StatusPartial
	default:
		res.Status = models.OutcomeStatus(res.Records, res.Errors)
	}
	if pullErr != nil {
		res.Errors++
		log.ErrorMessage = pullErr.Error()
	}

	log.Status = res.Status
	log.RecordsPulled = res.Records
	log.ConflictsDetected = res.Conflicts
	log.ErrorsCount = res.Errors
	log.Metadata[watermarkKey] = watermark.Format(time.RFC3339Nano)
	s.finish(ctx, log)

	s.logger.Info("pull finished",
		"status", res.Status,
		"pulled", res.Records,
		"conflicts", res.Conflicts,
		"errors", res.Errors,
		"watermark", watermark,
	)
	return res, pullErr
}

func (s *SyncService) watermark(ctx context.Context) (time.Time, error) {
	last, err := s.store.Logs().LastSuccessful(ctx, s.instanceID, models.DirectionPull)
	if errors.Is(err, repositories.ErrNotFound) {
		return s.now().Add(-s.cfg.PullLookback), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last pull: %w", err)
	}

	if raw, ok := last.Metadata[watermarkKey].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, nil
		}
	}
	return last.StartedAt, nil
}

// Sync pushes then pulls. Both halves always run; their errors are joined.
func (s *SyncService) Sync(ctx context.Context) (*SyncSummary, error) {
	summary := &SyncSummary{}

	push, pushErr := s.Push(ctx)
	if push != nil {
		summary.Push = push
		summary.RecordsPushed = push.Records
		summary.Conflicts += push.Conflicts
		summary.Errors += push.Errors
	}

	pull, pullErr := s.Pull(ctx)
	if pull != nil {
		summary.Pull = pull
		summary.RecordsPulled = pull.Records
		summary.Conflicts += pull.Conflicts
		summary.Errors += pull.Errors
	}

	if err := s.store.Instances().TouchLastSync(ctx, s.instanceID, s.now()); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		s.logger.Warn("failed to update last sync", "error", err)
	}
	if pushErr == nil || pullErr == nil {
		if err := s.RefreshSettings(ctx); err != nil {
			s.logger.Warn("failed to refresh instance settings", "error", err)
		}
	}

	return summary, errors.Join(pushErr, pullErr)
}

// RefreshSettings copies the schedule and activation state the cloud holds
// for this instance onto the local row the scheduler reads.
func (s *SyncService) RefreshSettings(ctx context.Context) error {
	status, err := s.transport.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to read instance status: %w", err)
	}
	if err := s.store.Instances().UpdateSettings(ctx, s.instanceID, status.IsActive, status.SyncEnabled, status.Interval()); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("failed to update instance settings: %w", err)
	}
	return nil
}

// Status asks the cloud how far behind this instance is.
func (s *SyncService) Status(ctx context.Context) (*models.StatusResponse, error) {
	return s.transport.Status(ctx)
}

func (s *SyncService) finish(ctx context.Context, log *models.SyncInstanceLog) {
	if err := s.store.Logs().Finish(ctx, log); err != nil {
		s.logger.Error("failed to finish sync log", "log_id", log.ID, "error", err)
	}
}
