package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/services"
	"github.com/prudhvinik1/medsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSyncer struct {
	calls   atomic.Int32
	fail    atomic.Int32 // number of leading calls that fail
	err     error
	release chan struct{}
	entered chan struct{}
}

func (f *fakeSyncer) Sync(ctx context.Context) (*services.SyncSummary, error) {
	n := f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.fail.Load() {
		return nil, f.err
	}
	return &services.SyncSummary{RecordsPushed: 1}, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func addInstance(t *testing.T, store *testutil.MemStore, lastSync *time.Time, enabled bool) *models.SyncInstance {
	t.Helper()
	inst := &models.SyncInstance{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		InstanceType:   models.InstanceHospital,
		Name:           "ward",
		APIKey:         uuid.NewString(),
		IsActive:       true,
		SyncEnabled:    enabled,
		SyncInterval:   time.Minute,
	}
	require.NoError(t, store.Instances().Create(context.Background(), inst))
	if lastSync != nil {
		require.NoError(t, store.Instances().TouchLastSync(context.Background(), inst.ID, *lastSync))
	}
	return inst
}

func TestRunDue_SyncsOnlyDueInstances(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	store := testutil.NewMemStore()
	now := time.Now().UTC()
	recent := now.Add(-10 * time.Second)
	stale := now.Add(-time.Hour)

	never := addInstance(t, store, nil, true)
	overdue := addInstance(t, store, &stale, true)
	fresh := addInstance(t, store, &recent, true)
	disabled := addInstance(t, store, nil, false)

	var mu sync.Mutex
	syncers := map[uuid.UUID]*fakeSyncer{}
	factory := func(inst *models.SyncInstance) (Syncer, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeSyncer{}
		syncers[inst.ID] = f
		return f, nil
	}
	s := New(store.Instances(), factory, nil, Config{Retry: fastRetry()}, quietLogger())

	// ACT
	err := s.RunDue(ctx)

	// ASSERT
	require.NoError(t, err)
	assert.Contains(t, syncers, never.ID)
	assert.Contains(t, syncers, overdue.ID)
	assert.NotContains(t, syncers, fresh.ID)
	assert.NotContains(t, syncers, disabled.ID)
}

func TestRunDue_OneFailureDoesNotStopOthers(t *testing.T) {
	store := testutil.NewMemStore()
	failing := addInstance(t, store, nil, true)
	healthy := addInstance(t, store, nil, true)

	ok := &fakeSyncer{}
	bad := &fakeSyncer{err: errors.New("boom")}
	bad.fail.Store(100)

	factory := func(inst *models.SyncInstance) (Syncer, error) {
		if inst.ID == failing.ID {
			return bad, nil
		}
		return ok, nil
	}
	s := New(store.Instances(), factory, nil, Config{Retry: fastRetry()}, quietLogger())

	require.NoError(t, s.RunDue(context.Background()))

	assert.EqualValues(t, 1, ok.calls.Load(), "healthy instance %s synced", healthy.ID)
	assert.EqualValues(t, 3, bad.calls.Load(), "failing instance retried up to the limit")
}

func TestRunDue_UnknownInstanceIsSkipped(t *testing.T) {
	store := testutil.NewMemStore()
	addInstance(t, store, nil, true)

	s := New(store.Instances(), func(*models.SyncInstance) (Syncer, error) {
		return nil, ErrNoSyncer
	}, nil, Config{Retry: fastRetry()}, quietLogger())

	assert.NoError(t, s.RunDue(context.Background()))
}

func TestSyncNow_RetriesTransientFailure(t *testing.T) {
	store := testutil.NewMemStore()
	inst := addInstance(t, store, nil, true)
	f := &fakeSyncer{err: errors.New("connection reset")}
	f.fail.Store(2)

	s := New(store.Instances(), func(*models.SyncInstance) (Syncer, error) { return f, nil }, nil, Config{Retry: fastRetry()}, quietLogger())

	summary, started, err := s.SyncNow(context.Background(), inst.ID)

	require.NoError(t, err)
	assert.True(t, started)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.RecordsPushed)
	assert.EqualValues(t, 3, f.calls.Load())
}

// TestTriggerSync_OneInFlightPerInstance tests that a second trigger is refused while the first runs
func TestTriggerSync_OneInFlightPerInstance(t *testing.T) {
	// ARRANGE
	store := testutil.NewMemStore()
	inst := addInstance(t, store, nil, true)
	f := &fakeSyncer{release: make(chan struct{}), entered: make(chan struct{}, 4)}
	s := New(store.Instances(), func(*models.SyncInstance) (Syncer, error) { return f, nil }, nil, Config{Retry: fastRetry()}, quietLogger())
	ctx := context.Background()

	// ACT
	first, err := s.TriggerSync(ctx, inst.ID)
	require.NoError(t, err)
	<-f.entered
	second, err := s.TriggerSync(ctx, inst.ID)
	require.NoError(t, err)
	_, startedNow, err := s.SyncNow(ctx, inst.ID)
	require.NoError(t, err)
	close(f.release)
	s.wg.Wait()

	// ASSERT
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, startedNow)
	assert.EqualValues(t, 1, f.calls.Load())

	third, err := s.TriggerSync(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, third, "guard released after completion")
	<-f.entered
	s.wg.Wait()
}

func TestTriggerSync_UnknownInstance(t *testing.T) {
	s := New(testutil.NewMemStore().Instances(), nil, nil, DefaultConfig(), quietLogger())

	_, err := s.TriggerSync(context.Background(), uuid.New())

	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	store := testutil.NewMemStore()
	addInstance(t, store, nil, true)
	f := &fakeSyncer{entered: make(chan struct{}, 4)}
	s := New(store.Instances(), func(*models.SyncInstance) (Syncer, error) { return f, nil }, nil, Config{Tick: time.Hour, Retry: fastRetry()}, quietLogger())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	select {
	case <-f.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not run")
	}

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.EqualValues(t, 1, f.calls.Load())
}
