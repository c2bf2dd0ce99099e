package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prudhvinik1/medsync/internal/repositories"
)

const (
	DefaultLogRetention   = 90 * 24 * time.Hour
	DefaultEventRetention = 30 * 24 * time.Hour
)

type HousekeepingResult struct {
	LogsDeleted   int64
	EventsDeleted int64
}

// Housekeeper prunes old audit logs and events that already reached the cloud.
// Unsynced events are never removed.
type Housekeeper struct {
	store          repositories.Store
	logRetention   time.Duration
	eventRetention time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewHousekeeper(store repositories.Store, logRetention, eventRetention time.Duration, logger *slog.Logger) *Housekeeper {
	if logRetention <= 0 {
		logRetention = DefaultLogRetention
	}
	if eventRetention <= 0 {
		eventRetention = DefaultEventRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Housekeeper{
		store:          store,
		logRetention:   logRetention,
		eventRetention: eventRetention,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (h *Housekeeper) Run(ctx context.Context) (*HousekeepingResult, error) {
	now := h.now()
	res := &HousekeepingResult{}

	logs, err := h.store.Logs().DeleteBefore(ctx, now.Add(-h.logRetention))
	if err != nil {
		return nil, fmt.Errorf("failed to delete old sync logs: %w", err)
	}
	res.LogsDeleted = logs

	events, err := h.store.Events().DeleteSyncedBefore(ctx, now.Add(-h.eventRetention))
	if err != nil {
		return res, fmt.Errorf("failed to delete old sync events: %w", err)
	}
	res.EventsDeleted = events

	h.logger.Info("housekeeping finished",
		"logs_deleted", res.LogsDeleted,
		"events_deleted", res.EventsDeleted,
	)
	return res, nil
}
