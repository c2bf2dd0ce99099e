package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

const (
	// MaxPushEvents caps the number of events accepted by one push call.
	MaxPushEvents = 1000
	// PullSettleWindow holds back events received in the last moments so a
	// transaction that commits late cannot land behind an instance's watermark.
	PullSettleWindow = 2 * time.Second
)

var (
	ErrBatchTooLarge  = fmt.Errorf("push batch exceeds %d events", MaxPushEvents)
	ErrOriginMismatch = errors.New("event does not originate from the pushing instance")
	// ErrForgedResolution rejects pushed events claiming to be a conflict
	// resolution. Only the cloud records resolutions.
	ErrForgedResolution = errors.New("instances cannot push conflict resolutions")
)

// CloudSyncService is the cloud end of the sync protocol.
type CloudSyncService struct {
	store    repositories.Store
	applier  *Applier
	presence repositories.PresenceRepository
	logger   *slog.Logger
	settle   time.Duration
	now      func() time.Time
}

func NewCloudSyncService(
	store repositories.Store,
	applier *Applier,
	presence repositories.PresenceRepository,
	logger *slog.Logger,
) *CloudSyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudSyncService{
		store:    store,
		applier:  applier,
		presence: presence,
		logger:   logger,
		settle:   PullSettleWindow,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithSettleWindow overrides PullSettleWindow.
func (s *CloudSyncService) WithSettleWindow(d time.Duration) *CloudSyncService {
	s.settle = d
	return s
}

// HandlePush applies every pushed event independently and reports per-event outcomes.
func (s *CloudSyncService) HandlePush(ctx context.Context, instance *models.SyncInstance, events []*models.SyncEvent) (*models.PushResponse, error) {
	if len(events) > MaxPushEvents {
		return nil, ErrBatchTooLarge
	}

	s.touchPresence(ctx, instance, models.StatusSyncing)
	defer s.touchPresence(ctx, instance, models.StatusOnline)

	log := models.NewSyncInstanceLog(instance.ID, models.DirectionPush)
	if err := s.store.Logs().Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}

	resp := &models.PushResponse{
		SyncedEventIDs: []uuid.UUID{},
		Conflicts:      []models.ConflictReport{},
		Errors:         []models.EventError{},
	}

	for _, event := range events {
		if event == nil {
			continue
		}
		if !event.OriginatedAt(instance.ID) {
			resp.Errors = append(resp.Errors, models.EventError{EventID: event.ID, Error: ErrOriginMismatch.Error()})
			continue
		}
		if event.IsAuthoritative() {
			s.logger.Warn("rejected pushed resolution event",
				"instance_id", instance.ID,
				"event_id", event.ID,
				"entity_type", event.EntityType,
			)
			resp.Errors = append(resp.Errors, models.EventError{EventID: event.ID, Error: ErrForgedResolution.Error()})
			continue
		}

		res, err := s.applier.Apply(ctx, event, instance.ID)
		if err != nil {
			s.logger.Warn("rejected pushed event",
				"instance_id", instance.ID,
				"event_id", event.ID,
				"entity_type", event.EntityType,
				"error", err,
			)
			resp.Errors = append(resp.Errors, models.EventError{EventID: event.ID, Error: err.Error()})
			continue
		}

		resp.SyncedEventIDs = append(resp.SyncedEventIDs, event.ID)
		if res.Conflict != nil {
			resp.Conflicts = append(resp.Conflicts, models.NewConflictReport(event.ID, res.Conflict))
		}
	}

	resp.Status = models.OutcomeStatus(len(resp.SyncedEventIDs), len(resp.Errors))

	log.Status = resp.Status
	log.RecordsPushed = len(resp.SyncedEventIDs)
	log.ConflictsDetected = len(resp.Conflicts)
	log.ErrorsCount = len(resp.Errors)
	if len(resp.Errors) > 0 {
		log.ErrorMessage = resp.Errors[0].Error
	}
	s.finish(ctx, log)

	if err := s.store.Instances().TouchLastSync(ctx, instance.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last sync", "instance_id", instance.ID, "error", err)
	}

	s.logger.Info("push handled",
		"instance_id", instance.ID,
		"status", resp.Status,
		"received", len(events),
		"synced", len(resp.SyncedEventIDs),
		"conflicts", len(resp.Conflicts),
		"errors", len(resp.Errors),
	)
	return resp, nil
}

// HandlePull serves events received after since that did not originate at the
// instance, oldest receipt first.
func (s *CloudSyncService) HandlePull(ctx context.Context, instance *models.SyncInstance, since time.Time, limit int) (*models.PullResponse, error) {
	if limit <= 0 || limit > models.MaxPullEvents {
		limit = models.MaxPullEvents
	}

	s.touchPresence(ctx, instance, models.StatusOnline)

	log := models.NewSyncInstanceLog(instance.ID, models.DirectionPull)
	log.Metadata["since"] = since.Format(time.RFC3339Nano)
	if err := s.store.Logs().Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to create sync log: %w", err)
	}

	until := s.now().Add(-s.settle)
	events, err := s.store.Events().ListSince(ctx, since, until, instance.ID, limit)
	if err != nil {
		log.Status = models.StatusFailed
		log.ErrorsCount = 1
		log.ErrorMessage = err.Error()
		s.finish(ctx, log)
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []*models.SyncEvent{}
	}

	// last_pull_at tracks how far the instance has been served.
	watermark := since
	for _, e := range events {
		if e.ReceivedAt.After(watermark) {
			watermark = e.ReceivedAt
		}
	}
	if !watermark.IsZero() {
		if err := s.store.Instances().TouchLastPull(ctx, instance.ID, watermark); err != nil {
			s.logger.Warn("failed to update last pull", "instance_id", instance.ID, "error", err)
		}
	}

	log.Status = models.StatusSuccess
	log.RecordsPulled = len(events)
	log.Metadata["watermark"] = watermark.Format(time.RFC3339Nano)
	s.finish(ctx, log)

	s.logger.Info("pull handled",
		"instance_id", instance.ID,
		"since", since,
		"count", len(events),
	)
	return &models.PullResponse{
		Status: models.StatusSuccess,
		Events: events,
		Count:  len(events),
	}, nil
}

// Status reports how many events wait to be pulled by the instance and how
// many of its conflicts wait for a human.
func (s *CloudSyncService) Status(ctx context.Context, instance *models.SyncInstance) (*models.StatusResponse, error) {
	var since time.Time
	if instance.LastPullAt != nil {
		since = *instance.LastPullAt
	}

	outstanding, err := s.store.Events().CountSince(ctx, since, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count outstanding events: %w", err)
	}
	pending, err := s.store.Conflicts().CountPending(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending conflicts: %w", err)
	}

	resp := &models.StatusResponse{
		InstanceID:            instance.ID,
		InstanceName:          instance.Name,
		IsActive:              instance.IsActive,
		SyncEnabled:           instance.SyncEnabled,
		SyncIntervalSeconds:   int(instance.SyncInterval / time.Second),
		LastSyncAt:            instance.LastSyncAt,
		UnsyncedEventsCount:   outstanding,
		PendingConflictsCount: pending,
	}

	if s.presence != nil {
		if p, err := s.presence.GetPresence(ctx, instance.ID); err == nil {
			resp.Presence = p.Status
		}
	}
	return resp, nil
}

func (s *CloudSyncService) finish(ctx context.Context, log *models.SyncInstanceLog) {
	if err := s.store.Logs().Finish(ctx, log); err != nil {
		s.logger.Error("failed to finish sync log", "log_id", log.ID, "error", err)
	}
}

func (s *CloudSyncService) touchPresence(ctx context.Context, instance *models.SyncInstance, status models.PresenceStatus) {
	if s.presence == nil {
		return
	}
	err := s.presence.SetPresence(ctx, &models.Presence{
		OrganizationID: instance.OrganizationID,
		InstanceID:     instance.ID,
		Status:         string(status),
	})
	if err != nil {
		s.logger.Warn("failed to update presence", "instance_id", instance.ID, "error", err)
	}
}
