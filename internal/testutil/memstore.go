// Package testutil provides in-memory stand-ins for the Postgres and Redis
// repositories so sync flows can be exercised without external services.
package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

type recordKey struct {
	entityType string
	id         uuid.UUID
}

type memData struct {
	events       map[uuid.UUID]*models.SyncEvent
	order        []uuid.UUID
	instances    map[uuid.UUID]*models.SyncInstance
	logs         map[uuid.UUID]*models.SyncInstanceLog
	conflicts    map[uuid.UUID]*models.SyncConflict
	records      map[recordKey]*models.Record
	lastReceived time.Time
}

func newMemData() *memData {
	return &memData{
		events:    make(map[uuid.UUID]*models.SyncEvent),
		instances: make(map[uuid.UUID]*models.SyncInstance),
		logs:      make(map[uuid.UUID]*models.SyncInstanceLog),
		conflicts: make(map[uuid.UUID]*models.SyncConflict),
		records:   make(map[recordKey]*models.Record),
	}
}

func (d *memData) clone() *memData {
	out := newMemData()
	for k, v := range d.events {
		out.events[k] = copyEvent(v)
	}
	out.order = slices.Clone(d.order)
	for k, v := range d.instances {
		c := *v
		out.instances[k] = &c
	}
	for k, v := range d.logs {
		out.logs[k] = copyLog(v)
	}
	for k, v := range d.conflicts {
		out.conflicts[k] = copyConflict(v)
	}
	for k, v := range d.records {
		out.records[k] = copyRecord(v)
	}
	out.lastReceived = d.lastReceived
	return out
}

// MemStore is an in-memory repositories.Store. A transaction holds the store
// lock for its whole duration and works on a copy that replaces the data on commit.
type MemStore struct {
	mu   *sync.Mutex
	data *memData
	inTx bool
}

func NewMemStore() *MemStore {
	return &MemStore{mu: &sync.Mutex{}, data: newMemData()}
}

func (s *MemStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemStore) Events() repositories.SyncEventRepository       { return &memEvents{s} }
func (s *MemStore) Instances() repositories.SyncInstanceRepository { return &memInstances{s} }
func (s *MemStore) Logs() repositories.SyncLogRepository           { return &memLogs{s} }
func (s *MemStore) Conflicts() repositories.SyncConflictRepository { return &memConflicts{s} }
func (s *MemStore) Records() repositories.RecordRepository         { return &memRecords{s} }

func (s *MemStore) InTx(ctx context.Context, fn func(repositories.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemStore{mu: s.mu, data: s.data.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// AllEvents returns every stored event in append order.
func (s *MemStore) AllEvents() []*models.SyncEvent {
	defer s.lock()()
	out := make([]*models.SyncEvent, 0, len(s.data.order))
	for _, id := range s.data.order {
		if e, ok := s.data.events[id]; ok {
			out = append(out, copyEvent(e))
		}
	}
	return out
}

// AllConflicts returns every stored conflict ordered by detection time.
func (s *MemStore) AllConflicts() []*models.SyncConflict {
	defer s.lock()()
	out := make([]*models.SyncConflict, 0, len(s.data.conflicts))
	for _, c := range s.data.conflicts {
		out = append(out, copyConflict(c))
	}
	slices.SortFunc(out, func(a, b *models.SyncConflict) int { return a.DetectedAt.Compare(b.DetectedAt) })
	return out
}

// AllLogs returns every stored sync log ordered by start time.
func (s *MemStore) AllLogs() []*models.SyncInstanceLog {
	defer s.lock()()
	out := make([]*models.SyncInstanceLog, 0, len(s.data.logs))
	for _, l := range s.data.logs {
		out = append(out, copyLog(l))
	}
	slices.SortFunc(out, func(a, b *models.SyncInstanceLog) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

func copyEvent(e *models.SyncEvent) *models.SyncEvent {
	c := *e
	c.DataSnapshot = e.DataSnapshot.Clone()
	c.ChangedFields = slices.Clone(e.ChangedFields)
	if e.ConflictResolution != nil {
		r := *e.ConflictResolution
		c.ConflictResolution = &r
	}
	return &c
}

func copyLog(l *models.SyncInstanceLog) *models.SyncInstanceLog {
	c := *l
	c.Metadata = make(map[string]any, len(l.Metadata))
	for k, v := range l.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func copyConflict(cf *models.SyncConflict) *models.SyncConflict {
	c := *cf
	c.LocalVersion = cf.LocalVersion.Clone()
	c.CloudVersion = cf.CloudVersion.Clone()
	return &c
}

func copyRecord(r *models.Record) *models.Record {
	c := *r
	c.Data = r.Data.Clone()
	return &c
}
