package testutil

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

type memEvents struct{ s *MemStore }

func (r *memEvents) Append(ctx context.Context, event *models.SyncEvent) error {
	defer r.s.lock()()
	d := r.s.data

	if _, exists := d.events[event.ID]; exists {
		return repositories.ErrAlreadyExists
	}

	now := time.Now().UTC()
	if !now.After(d.lastReceived) {
		now = d.lastReceived.Add(time.Nanosecond)
	}
	d.lastReceived = now
	event.ReceivedAt = now

	d.events[event.ID] = copyEvent(event)
	d.order = append(d.order, event.ID)
	return nil
}

func (r *memEvents) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	defer r.s.lock()()
	e, ok := r.s.data.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(e), nil
}

func (r *memEvents) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	defer r.s.lock()()
	_, ok := r.s.data.events[id]
	return ok, nil
}

func (r *memEvents) ListUnsynced(ctx context.Context, origin uuid.UUID, limit int) ([]*models.SyncEvent, error) {
	defer r.s.lock()()

	var out []*models.SyncEvent
	for _, id := range r.s.data.order {
		e := r.s.data.events[id]
		if e == nil || e.SyncedToCloud || !e.OriginatedAt(origin) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	slices.SortStableFunc(out, func(a, b *models.SyncEvent) int { return a.Timestamp.Compare(b.Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEvents) MarkSynced(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	defer r.s.lock()()

	n := 0
	for _, id := range ids {
		e, ok := r.s.data.events[id]
		if !ok || e.SyncedToCloud {
			continue
		}
		e.SyncedToCloud = true
		t := at
		e.SyncedAt = &t
		n++
	}
	return n, nil
}

func (r *memEvents) ListSince(ctx context.Context, since, until time.Time, exclude uuid.UUID, limit int) ([]*models.SyncEvent, error) {
	defer r.s.lock()()

	var out []*models.SyncEvent
	for _, id := range r.s.data.order {
		e := r.s.data.events[id]
		if e == nil || !pullable(e, since, exclude) || e.ReceivedAt.After(until) {
			continue
		}
		out = append(out, copyEvent(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memEvents) CountSince(ctx context.Context, since time.Time, exclude uuid.UUID) (int, error) {
	defer r.s.lock()()

	n := 0
	for _, e := range r.s.data.events {
		if pullable(e, since, exclude) {
			n++
		}
	}
	return n, nil
}

func pullable(e *models.SyncEvent, since time.Time, exclude uuid.UUID) bool {
	return e.ReceivedAt.After(since) && !e.OriginatedAt(exclude) && !e.Superseded
}

func (r *memEvents) HasUnsynced(ctx context.Context, entityType string, entityID uuid.UUID) (bool, error) {
	defer r.s.lock()()
	for _, e := range r.s.data.events {
		if e.EntityType == entityType && e.EntityID == entityID && !e.SyncedToCloud {
			return true, nil
		}
	}
	return false, nil
}

func (r *memEvents) FindByHash(ctx context.Context, entityType string, entityID uuid.UUID, hash string) (*models.SyncEvent, error) {
	defer r.s.lock()()
	for i := len(r.s.data.order) - 1; i >= 0; i-- {
		e := r.s.data.events[r.s.data.order[i]]
		if e != nil && e.EntityType == entityType && e.EntityID == entityID && e.DataHash == hash {
			return copyEvent(e), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memEvents) Latest(ctx context.Context, entityType string, entityID uuid.UUID) (*models.SyncEvent, error) {
	defer r.s.lock()()
	for i := len(r.s.data.order) - 1; i >= 0; i-- {
		e := r.s.data.events[r.s.data.order[i]]
		if e != nil && e.EntityType == entityType && e.EntityID == entityID && !e.Superseded {
			return copyEvent(e), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memEvents) MarkConflict(ctx context.Context, id uuid.UUID, resolution string) error {
	defer r.s.lock()()
	e, ok := r.s.data.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	e.ConflictDetected = true
	if resolution != "" {
		e.ConflictResolution = &resolution
	}
	return nil
}

func (r *memEvents) DeleteSyncedBefore(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for id, e := range r.s.data.events {
		if e.SyncedToCloud && e.Timestamp.Before(before) {
			delete(r.s.data.events, id)
			n++
		}
	}
	r.s.data.order = slices.DeleteFunc(r.s.data.order, func(id uuid.UUID) bool {
		_, ok := r.s.data.events[id]
		return !ok
	})
	return n, nil
}

type memInstances struct{ s *MemStore }

func (r *memInstances) Create(ctx context.Context, instance *models.SyncInstance) error {
	defer r.s.lock()()
	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}
	for _, existing := range r.s.data.instances {
		if existing.ID == instance.ID || existing.APIKey == instance.APIKey {
			return repositories.ErrAlreadyExists
		}
	}
	instance.RegisteredAt = time.Now().UTC()
	c := *instance
	r.s.data.instances[instance.ID] = &c
	return nil
}

func (r *memInstances) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncInstance, error) {
	defer r.s.lock()()
	inst, ok := r.s.data.instances[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	c := *inst
	return &c, nil
}

func (r *memInstances) GetByAPIKey(ctx context.Context, apiKey string) (*models.SyncInstance, error) {
	defer r.s.lock()()
	for _, inst := range r.s.data.instances {
		if inst.APIKey == apiKey {
			c := *inst
			return &c, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *memInstances) ListSyncable(ctx context.Context) ([]*models.SyncInstance, error) {
	defer r.s.lock()()
	var out []*models.SyncInstance
	for _, inst := range r.s.data.instances {
		if inst.CanSync() {
			c := *inst
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.SyncInstance) int { return a.RegisteredAt.Compare(b.RegisteredAt) })
	return out, nil
}

func (r *memInstances) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.SyncInstance, error) {
	defer r.s.lock()()
	var out []*models.SyncInstance
	for _, inst := range r.s.data.instances {
		if inst.OrganizationID == organizationID {
			c := *inst
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.SyncInstance) int { return a.RegisteredAt.Compare(b.RegisteredAt) })
	return out, nil
}

func (r *memInstances) update(id uuid.UUID, fn func(*models.SyncInstance)) error {
	defer r.s.lock()()
	inst, ok := r.s.data.instances[id]
	if !ok {
		return repositories.ErrNotFound
	}
	fn(inst)
	return nil
}

func (r *memInstances) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(i *models.SyncInstance) { i.LastSyncAt = &at })
}

func (r *memInstances) TouchLastPull(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(id, func(i *models.SyncInstance) {
		if i.LastPullAt == nil || at.After(*i.LastPullAt) {
			i.LastPullAt = &at
		}
	})
}

func (r *memInstances) UpdateSecret(ctx context.Context, id uuid.UUID, secretHash string) error {
	return r.update(id, func(i *models.SyncInstance) { i.APISecretHash = secretHash })
}

func (r *memInstances) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.update(id, func(i *models.SyncInstance) {
		i.IsActive = false
		i.SyncEnabled = false
	})
}

func (r *memInstances) UpdateSettings(ctx context.Context, id uuid.UUID, isActive, syncEnabled bool, interval time.Duration) error {
	return r.update(id, func(i *models.SyncInstance) {
		i.IsActive = isActive
		i.SyncEnabled = syncEnabled
		i.SyncInterval = interval
	})
}

type memLogs struct{ s *MemStore }

func (r *memLogs) Create(ctx context.Context, log *models.SyncInstanceLog) error {
	defer r.s.lock()()
	r.s.data.logs[log.ID] = copyLog(log)
	return nil
}

func (r *memLogs) Finish(ctx context.Context, log *models.SyncInstanceLog) error {
	defer r.s.lock()()
	stored, ok := r.s.data.logs[log.ID]
	if !ok || stored.CompletedAt != nil {
		return repositories.ErrAlreadyFinalized
	}
	if log.CompletedAt == nil {
		now := time.Now().UTC()
		log.CompletedAt = &now
	}
	r.s.data.logs[log.ID] = copyLog(log)
	return nil
}

func (r *memLogs) LastSuccessful(ctx context.Context, instanceID uuid.UUID, direction models.SyncDirection) (*models.SyncInstanceLog, error) {
	defer r.s.lock()()
	var best *models.SyncInstanceLog
	for _, l := range r.s.data.logs {
		if l.InstanceID != instanceID || l.Direction != direction {
			continue
		}
		if l.Status != models.StatusSuccess && l.Status != models.StatusPartial {
			continue
		}
		if best == nil || l.StartedAt.After(best.StartedAt) {
			best = l
		}
	}
	if best == nil {
		return nil, repositories.ErrNotFound
	}
	return copyLog(best), nil
}

func (r *memLogs) ListByInstance(ctx context.Context, instanceID uuid.UUID, limit int) ([]*models.SyncInstanceLog, error) {
	defer r.s.lock()()
	var out []*models.SyncInstanceLog
	for _, l := range r.s.data.logs {
		if l.InstanceID == instanceID {
			out = append(out, copyLog(l))
		}
	}
	slices.SortFunc(out, func(a, b *models.SyncInstanceLog) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memLogs) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	defer r.s.lock()()
	var n int64
	for id, l := range r.s.data.logs {
		if l.StartedAt.Before(before) {
			delete(r.s.data.logs, id)
			n++
		}
	}
	return n, nil
}

type memConflicts struct{ s *MemStore }

func (r *memConflicts) Create(ctx context.Context, conflict *models.SyncConflict) error {
	defer r.s.lock()()
	if conflict.ID == uuid.Nil {
		conflict.ID = uuid.New()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}
	if _, exists := r.s.data.conflicts[conflict.ID]; exists {
		return repositories.ErrAlreadyExists
	}
	r.s.data.conflicts[conflict.ID] = copyConflict(conflict)
	return nil
}

func (r *memConflicts) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConflict, error) {
	defer r.s.lock()()
	c, ok := r.s.data.conflicts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyConflict(c), nil
}

func (r *memConflicts) List(ctx context.Context, filter repositories.ConflictFilter) ([]*models.SyncConflict, error) {
	defer r.s.lock()()
	var out []*models.SyncConflict
	for _, c := range r.s.data.conflicts {
		if filter.PendingOnly && c.Resolved {
			continue
		}
		if filter.InstanceID != nil && (c.InstanceID == nil || *c.InstanceID != *filter.InstanceID) {
			continue
		}
		if filter.OrganizationID != nil {
			if c.InstanceID == nil {
				continue
			}
			inst, ok := r.s.data.instances[*c.InstanceID]
			if !ok || inst.OrganizationID != *filter.OrganizationID {
				continue
			}
		}
		out = append(out, copyConflict(c))
	}
	slices.SortFunc(out, func(a, b *models.SyncConflict) int { return b.DetectedAt.Compare(a.DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memConflicts) CountPending(ctx context.Context, instanceID uuid.UUID) (int, error) {
	defer r.s.lock()()
	n := 0
	for _, c := range r.s.data.conflicts {
		if !c.Resolved && c.InstanceID != nil && *c.InstanceID == instanceID {
			n++
		}
	}
	return n, nil
}

func (r *memConflicts) MarkResolved(ctx context.Context, conflict *models.SyncConflict) error {
	defer r.s.lock()()
	stored, ok := r.s.data.conflicts[conflict.ID]
	if !ok || stored.Resolved {
		return repositories.ErrAlreadyResolved
	}
	if conflict.ResolvedAt == nil {
		now := time.Now().UTC()
		conflict.ResolvedAt = &now
	}
	conflict.Resolved = true
	stored.Resolved = true
	stored.ResolvedAt = conflict.ResolvedAt
	stored.ResolvedBy = conflict.ResolvedBy
	stored.ResolutionStrategy = conflict.ResolutionStrategy
	stored.Notes = conflict.Notes
	return nil
}

func (r *memConflicts) ResolvePendingForEntity(ctx context.Context, entityType string, entityID uuid.UUID, resolvedBy string, at time.Time) (int, error) {
	defer r.s.lock()()
	n := 0
	for _, c := range r.s.data.conflicts {
		if c.EntityType == entityType && c.EntityID == entityID && !c.Resolved {
			c.Resolved = true
			t := at
			c.ResolvedAt = &t
			c.ResolvedBy = resolvedBy
			n++
		}
	}
	return n, nil
}

type memRecords struct{ s *MemStore }

func (r *memRecords) Get(ctx context.Context, entityType string, id uuid.UUID) (*models.Record, error) {
	defer r.s.lock()()
	rec, ok := r.s.data.records[recordKey{entityType, id}]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (r *memRecords) Insert(ctx context.Context, record *models.Record) error {
	defer r.s.lock()()
	key := recordKey{record.EntityType, record.EntityID}
	if _, exists := r.s.data.records[key]; exists {
		return repositories.ErrAlreadyExists
	}
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	r.s.data.records[key] = copyRecord(record)
	return nil
}

func (r *memRecords) Update(ctx context.Context, record *models.Record) error {
	defer r.s.lock()()
	key := recordKey{record.EntityType, record.EntityID}
	stored, ok := r.s.data.records[key]
	if !ok {
		return repositories.ErrNotFound
	}
	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = time.Now().UTC()
	record.DeletedAt = nil
	r.s.data.records[key] = copyRecord(record)
	return nil
}

func (r *memRecords) SoftDelete(ctx context.Context, entityType string, id uuid.UUID, at time.Time) error {
	defer r.s.lock()()
	rec, ok := r.s.data.records[recordKey{entityType, id}]
	if !ok || rec.DeletedAt != nil {
		return repositories.ErrNotFound
	}
	rec.DeletedAt = &at
	return nil
}

func (r *memRecords) HardDelete(ctx context.Context, entityType string, id uuid.UUID) error {
	defer r.s.lock()()
	key := recordKey{entityType, id}
	if _, ok := r.s.data.records[key]; !ok {
		return repositories.ErrNotFound
	}
	delete(r.s.data.records, key)
	return nil
}

func (r *memRecords) List(ctx context.Context, entityType string, includeDeleted bool) ([]*models.Record, error) {
	defer r.s.lock()()
	var out []*models.Record
	for key, rec := range r.s.data.records {
		if key.entityType != entityType || (!includeDeleted && rec.DeletedAt != nil) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	slices.SortFunc(out, func(a, b *models.Record) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}
