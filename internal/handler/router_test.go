package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/capture"
	"github.com/prudhvinik1/medsync/internal/client"
	"github.com/prudhvinik1/medsync/internal/conflict"
	"github.com/prudhvinik1/medsync/internal/entities"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/prudhvinik1/medsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registry = entities.DefaultRegistry()

type testCloud struct {
	server    *httptest.Server
	store     *testutil.MemStore
	instances *services.InstanceService
	orgID     uuid.UUID
}

func newTestCloud(t *testing.T) *testCloud {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewMemStore()
	writer := capture.NewWriter(store, registry, nil, logger)
	applier := services.NewApplier(store, registry, conflict.NewResolver(models.StrategyLatestWins, logger), writer, services.SideCloud, logger)
	instances := services.NewInstanceService(store.Instances(), testutil.NewMemTokens(), "router-test-secret-0123456789abcdef", 0)

	router := NewRouter(RouterConfig{
		Cloud:          services.NewCloudSyncService(store, applier, testutil.NewMemPresence(), logger).WithSettleWindow(0),
		Conflicts:      services.NewConflictService(store, writer, logger),
		Instances:      instances,
		Logger:         logger,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testCloud{server: server, store: store, instances: instances, orgID: uuid.New()}
}

type testInstance struct {
	id     uuid.UUID
	token  string
	client *client.Client
	store  *testutil.MemStore
	writer *capture.Writer
	sync   *services.SyncService
}

// join registers an instance and exchanges its credentials over HTTP.
func (c *testCloud) join(t *testing.T, name string) *testInstance {
	t.Helper()
	ctx := context.Background()
	instance, creds, err := c.instances.Register(ctx, services.RegisterRequest{
		OrganizationID: c.orgID,
		InstanceType:   models.InstancePharmacy,
		Name:           name,
	})
	require.NoError(t, err)

	body, err := json.Marshal(TokenRequest{APIKey: creds.APIKey, APISecret: creds.APISecret})
	require.NoError(t, err)
	resp, err := http.Post(c.server.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var token services.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewMemStore()
	id := instance.ID
	writer := capture.NewWriter(store, registry, &id, logger)
	applier := services.NewApplier(store, registry, conflict.NewResolver(models.StrategyLatestWins, logger), writer, services.SideLocal, logger)
	cl := client.New(c.server.URL, token.Token, id, c.server.Client())

	return &testInstance{
		id:     id,
		token:  token.Token,
		client: cl,
		store:  store,
		writer: writer,
		sync:   services.NewSyncService(store, applier, cl, id, services.SyncConfig{}, logger),
	}
}

func (i *testInstance) request(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+i.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func inventory(name string, quantity int) models.Snapshot {
	return models.Snapshot{"sku": "GZ-100", "name": name, "quantity": quantity}
}

// TestRouter_RoundTripOverHTTP tests a full push and pull between two instances through the HTTP API
func TestRouter_RoundTripOverHTTP(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")
	b := cloud.join(t, "pharmacy-b")

	res, err := a.writer.Create(ctx, capture.ApplyContext{}, entities.TypeInventoryItem, uuid.Nil, inventory("Gauze", 10))
	require.NoError(t, err)
	id := res.Record.EntityID

	// ACT
	pushed, err := a.sync.Sync(ctx)
	require.NoError(t, err)
	pulled, err := b.sync.Sync(ctx)
	require.NoError(t, err)

	// ASSERT
	assert.Equal(t, 1, pushed.RecordsPushed)
	assert.Equal(t, 1, pulled.RecordsPulled)

	got, err := b.store.Records().Get(ctx, entities.TypeInventoryItem, id)
	require.NoError(t, err)
	assert.Equal(t, res.Record.DataHash, got.DataHash)

	status, err := b.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.id, status.InstanceID)
	assert.Equal(t, 0, status.UnsyncedEventsCount)
}

// TestRouter_MergeStrategyOverHTTP tests that disjoint inventory edits from two pharmacies are merged
func TestRouter_MergeStrategyOverHTTP(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")
	b := cloud.join(t, "pharmacy-b")

	res, err := a.writer.Create(ctx, capture.ApplyContext{}, entities.TypeInventoryItem, uuid.Nil, inventory("Gauze", 10))
	require.NoError(t, err)
	id := res.Record.EntityID
	_, err = a.sync.Sync(ctx)
	require.NoError(t, err)
	_, err = b.sync.Sync(ctx)
	require.NoError(t, err)

	editItem := func(inst *testInstance, field string, value any, at time.Time) {
		rec, err := inst.store.Records().Get(ctx, entities.TypeInventoryItem, id)
		require.NoError(t, err)
		snap := rec.Data.Clone()
		snap[field] = value
		snap["updated_at"] = at.Format(time.RFC3339Nano)
		_, err = inst.writer.Update(ctx, capture.ApplyContext{KeepTimestamp: true}, entities.TypeInventoryItem, id, snap)
		require.NoError(t, err)
	}
	now := time.Now()
	editItem(a, "quantity", 7, now.Add(time.Minute))
	editItem(b, "name", "Sterile gauze", now.Add(2*time.Minute))

	// ACT
	for _, inst := range []*testInstance{a, b, a} {
		_, err := inst.sync.Sync(ctx)
		require.NoError(t, err)
	}

	// ASSERT
	cloudRec, err := cloud.store.Records().Get(ctx, entities.TypeInventoryItem, id)
	require.NoError(t, err)
	assert.Equal(t, "Sterile gauze", cloudRec.Data["name"])
	assert.True(t, models.ValuesEqual(7, cloudRec.Data["quantity"]))

	for _, inst := range []*testInstance{a, b} {
		rec, err := inst.store.Records().Get(ctx, entities.TypeInventoryItem, id)
		require.NoError(t, err)
		assert.Equal(t, cloudRec.DataHash, rec.DataHash)
	}
}

func TestRouter_RejectsUnauthenticated(t *testing.T) {
	cloud := newTestCloud(t)

	for _, path := range []string{"/sync/status", "/sync/pull", "/sync/conflicts"} {
		resp, err := http.Get(cloud.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	resp, err := http.Post(cloud.server.URL+"/sync/push", "application/json", bytes.NewReader([]byte(`{"events":[]}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, cloud.store.AllLogs(), "rejected requests have no side effects")
}

func TestRouter_DeactivatedInstanceIsLockedOut(t *testing.T) {
	ctx := context.Background()
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")

	require.NoError(t, cloud.instances.Deactivate(ctx, a.id))
	_, err := a.client.Status(ctx)

	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
}

func TestRouter_PullValidation(t *testing.T) {
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no parameters", "", http.StatusOK},
		{"bad since", "?since=yesterday", http.StatusBadRequest},
		{"bad limit", "?limit=-3", http.StatusBadRequest},
		{"foreign instance", "?instance_id=" + uuid.NewString(), http.StatusForbidden},
		{"own instance", "?instance_id=" + a.id.String(), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.request(t, http.MethodGet, cloud.server.URL+"/sync/pull"+tt.query, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRouter_PushValidation(t *testing.T) {
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")

	oversized, err := json.Marshal(models.PushRequest{Events: make([]*models.SyncEvent, services.MaxPushEvents+1)})
	require.NoError(t, err)

	resp := a.request(t, http.MethodPost, cloud.server.URL+"/sync/push", oversized)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.request(t, http.MethodPost, cloud.server.URL+"/sync/push", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestRouter_ResolveConflictEndpoint tests manual resolution through the API
func TestRouter_ResolveConflictEndpoint(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	cloud := newTestCloud(t)
	a := cloud.join(t, "pharmacy-a")
	b := cloud.join(t, "pharmacy-b")

	res, err := a.writer.Create(ctx, capture.ApplyContext{}, entities.TypeWallet, uuid.Nil, models.Snapshot{
		"owner_id": "4c1d8e2a-0000-4000-8000-00000000000a",
		"balance":  200,
		"currency": "KES",
	})
	require.NoError(t, err)
	id := res.Record.EntityID
	_, err = a.sync.Sync(ctx)
	require.NoError(t, err)
	_, err = b.sync.Sync(ctx)
	require.NoError(t, err)

	for i, inst := range []*testInstance{a, b} {
		rec, err := inst.store.Records().Get(ctx, entities.TypeWallet, id)
		require.NoError(t, err)
		snap := rec.Data.Clone()
		snap["balance"] = 150 + 10*i
		_, err = inst.writer.Update(ctx, capture.ApplyContext{}, entities.TypeWallet, id, snap)
		require.NoError(t, err)
		_, err = inst.sync.Sync(ctx)
		require.NoError(t, err)
	}

	list, err := a.client.ListConflicts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	conflictID := list.Conflicts[0].ID

	// ACT
	_, mergeErr := a.client.ResolveConflict(ctx, conflictID, models.ResolveConflictRequest{Resolution: models.ResolveMerge, ResolvedBy: "ops"})
	resolved, err := a.client.ResolveConflict(ctx, conflictID, models.ResolveConflictRequest{Resolution: models.ResolveUseCloud, ResolvedBy: "ops"})
	_, againErr := a.client.ResolveConflict(ctx, conflictID, models.ResolveConflictRequest{Resolution: models.ResolveUseCloud, ResolvedBy: "ops"})

	// ASSERT
	assert.True(t, client.IsStatus(mergeErr, http.StatusBadRequest))
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "ops", resolved.ResolvedBy)
	assert.True(t, client.IsStatus(againErr, http.StatusConflict))

	_, err = b.sync.Sync(ctx)
	require.NoError(t, err)
	rec, err := b.store.Records().Get(ctx, entities.TypeWallet, id)
	require.NoError(t, err)
	assert.True(t, models.ValuesEqual(150, rec.Data["balance"]), "the cloud version wins everywhere")
}

func TestRouter_Health(t *testing.T) {
	cloud := newTestCloud(t)

	resp, err := http.Get(cloud.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}
