package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testRegistry = entities.DefaultRegistry()

const patientID = "7d9f3c1e-1111-4a5b-9c2d-000000000001"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type cloudEnv struct {
	store     *testutil.MemStore
	writer    *capture.Writer
	applier   *Applier
	sync      *CloudSyncService
	conflicts *ConflictService
	orgID     uuid.UUID
}

func newCloudEnv(t *testing.T) *cloudEnv {
	t.Helper()
	logger := quietLogger()
	store := testutil.NewMemStore()
	writer := capture.NewWriter(store, testRegistry, nil, logger)
	applier := NewApplier(store, testRegistry, conflict.NewResolver(models.StrategyLatestWins, logger), writer, SideCloud, logger)

	return &cloudEnv{
		store:     store,
		writer:    writer,
		applier:   applier,
		sync:      NewCloudSyncService(store, applier, testutil.NewMemPresence(), logger).WithSettleWindow(0),
		conflicts: NewConflictService(store, writer, logger),
		orgID:     uuid.New(),
	}
}

type localEnv struct {
	store     *testutil.MemStore
	writer    *capture.Writer
	sync      *SyncService
	transport *wireTransport
	instance  *models.SyncInstance
}

func (c *cloudEnv) newLocal(t *testing.T, name string, cfg SyncConfig) *localEnv {
	t.Helper()
	ctx := context.Background()

	instance := &models.SyncInstance{
		ID:             uuid.New(),
		OrganizationID: c.orgID,
		InstanceType:   models.InstanceHospital,
		Name:           name,
		APIKey:         "msk_" + name,
		IsActive:       true,
		SyncEnabled:    true,
	}
	require.NoError(t, c.store.Instances().Create(ctx, instance))

	store := testutil.NewMemStore()
	mirror := *instance
	require.NoError(t, store.Instances().Create(ctx, &mirror))

	logger := quietLogger()
	id := instance.ID
	writer := capture.NewWriter(store, testRegistry, &id, logger)
	applier := NewApplier(store, testRegistry, conflict.NewResolver(models.StrategyLatestWins, logger), writer, SideLocal, logger)
	transport := &wireTransport{cloud: c, instanceID: id}

	return &localEnv{
		store:     store,
		writer:    writer,
		sync:      NewSyncService(store, applier, transport, id, cfg, logger),
		transport: transport,
		instance:  instance,
	}
}

// wireTransport talks to an in-process cloud and sends every payload through
// JSON so both ends only share what the wire carries.
type wireTransport struct {
	cloud      *cloudEnv
	instanceID uuid.UUID

	mu        sync.Mutex
	err       error
	pullCalls int
	// failPullAt makes the n-th pull call fail when positive.
	failPullAt int
	// replay makes every pull start from the beginning of the cloud log.
	replay bool
}

func (w *wireTransport) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *wireTransport) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *wireTransport) Push(ctx context.Context, events []*models.SyncEvent) (*models.PushResponse, error) {
	if err := w.failure(); err != nil {
		return nil, err
	}
	instance, err := w.cloud.store.Instances().GetByID(ctx, w.instanceID)
	if err != nil {
		return nil, err
	}

	var req models.PushRequest
	if err := overWire(models.PushRequest{Events: events}, &req); err != nil {
		return nil, err
	}
	resp, err := w.cloud.sync.HandlePush(ctx, instance, req.Events)
	if err != nil {
		return nil, err
	}
	var out models.PushResponse
	return &out, overWire(resp, &out)
}

func (w *wireTransport) Pull(ctx context.Context, since time.Time, limit int) (*models.PullResponse, error) {
	if err := w.failure(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.pullCalls++
	failing := w.failPullAt > 0 && w.pullCalls == w.failPullAt
	if w.replay {
		since = time.Time{}
	}
	w.mu.Unlock()
	if failing {
		return nil, errConnectionReset
	}

	instance, err := w.cloud.store.Instances().GetByID(ctx, w.instanceID)
	if err != nil {
		return nil, err
	}
	resp, err := w.cloud.sync.HandlePull(ctx, instance, since, limit)
	if err != nil {
		return nil, err
	}
	var out models.PullResponse
	return &out, overWire(resp, &out)
}

func (w *wireTransport) Status(ctx context.Context) (*models.StatusResponse, error) {
	if err := w.failure(); err != nil {
		return nil, err
	}
	instance, err := w.cloud.store.Instances().GetByID(ctx, w.instanceID)
	if err != nil {
		return nil, err
	}
	return w.cloud.sync.Status(ctx, instance)
}

type transportError string

func (e transportError) Error() string { return string(e) }

const errConnectionReset = transportError("connection reset by peer")

func overWire(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func appointment(status string) models.Snapshot {
	return models.Snapshot{"patient_id": patientID, "status": status}
}

func stockItem(notes string) models.Snapshot {
	return models.Snapshot{"sku": "AMX-500", "name": "Amoxicillin 500mg", "quantity": 120, "notes": notes}
}

func ts(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func create(t *testing.T, w *capture.Writer, entityType string, snap models.Snapshot) uuid.UUID {
	t.Helper()
	res, err := w.Create(context.Background(), capture.ApplyContext{}, entityType, uuid.Nil, snap)
	require.NoError(t, err)
	return res.Record.EntityID
}

// edit changes fields of the current state and pins updated_at so timestamp
// ordering between instances is under the test's control.
func edit(t *testing.T, l *localEnv, entityType string, id uuid.UUID, at time.Time, fields models.Snapshot) {
	t.Helper()
	ctx := context.Background()
	current := record(t, l.store, entityType, id)

	snap := current.Data.Clone()
	for k, v := range fields {
		snap[k] = v
	}
	snap["updated_at"] = ts(at)

	_, err := l.writer.Update(ctx, capture.ApplyContext{KeepTimestamp: true}, entityType, id, snap)
	require.NoError(t, err)
}

func record(t *testing.T, store *testutil.MemStore, entityType string, id uuid.UUID) *models.Record {
	t.Helper()
	rec, err := store.Records().Get(context.Background(), entityType, id)
	require.NoError(t, err)
	return rec
}

func syncAll(t *testing.T, locals ...*localEnv) {
	t.Helper()
	for _, l := range locals {
		_, err := l.sync.Sync(context.Background())
		require.NoError(t, err)
	}
}

func pendingConflicts(store *testutil.MemStore) []*models.SyncConflict {
	var out []*models.SyncConflict
	for _, c := range store.AllConflicts() {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}
