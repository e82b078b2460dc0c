package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/pkg/types"
)

// fakeApplier records applied batches and fails the first failN calls.
type fakeApplier struct {
	mu      sync.Mutex
	failN   int
	calls   int
	nextID  int64
	applied []string
	batches [][]string
}

func (f *fakeApplier) ApplyUpdates(_ context.Context, reqs []types.CatalogUpdateRequest) ([]types.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, apperrors.NewCatalogError(apperrors.CodeTransactionFailed, "catalog: database is locked", errors.New("busy"))
	}
	out := make([]types.Segment, len(reqs))
	var batch []string
	for i, r := range reqs {
		f.nextID++
		out[i] = r.Segment()
		out[i].UpdateID = f.nextID
		f.applied = append(f.applied, r.Path)
		batch = append(batch, r.Path)
	}
	f.batches = append(f.batches, batch)
	return out, nil
}

func (f *fakeApplier) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...), f.calls
}

func startUpdater(t *testing.T, u *Updater) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- u.Run(context.Background()) }()
	return errc
}

func TestUpdater_AppliesInArrivalOrder(t *testing.T) {
	app := &fakeApplier{}
	u := NewUpdater(app, UpdaterConfig{QueueSize: 8, BatchSize: 3})
	errc := startUpdater(t, u)

	ctx := context.Background()
	var want []string
	for i := 0; i < 50; i++ {
		p := fmt.Sprintf("day-1/s%02d.seg", i)
		want = append(want, p)
		require.NoError(t, u.Enqueue(ctx, types.CatalogUpdateRequest{Path: p}))
	}
	u.CloseQueue()
	require.NoError(t, <-errc)

	got, _ := app.snapshot()
	assert.Equal(t, want, got)
	for _, b := range app.batches {
		assert.LessOrEqual(t, len(b), 3)
	}

	stats := u.Stats()
	assert.Equal(t, int64(50), stats.Enqueued)
	assert.Equal(t, int64(50), stats.Applied)
	assert.Equal(t, int64(50), stats.LastUpdateID)
}

func TestUpdater_RetriesOnce(t *testing.T) {
	app := &fakeApplier{failN: 1}
	u := NewUpdater(app, UpdaterConfig{RetryBackoff: time.Millisecond})
	errc := startUpdater(t, u)

	require.NoError(t, u.Enqueue(context.Background(), types.CatalogUpdateRequest{Path: "a"}))
	u.CloseQueue()
	require.NoError(t, <-errc)

	got, calls := app.snapshot()
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), u.Stats().Retries)
}

func TestUpdater_RepeatedFailureIsFatal(t *testing.T) {
	app := &fakeApplier{failN: 2}
	u := NewUpdater(app, UpdaterConfig{RetryBackoff: time.Millisecond})
	errc := startUpdater(t, u)

	require.NoError(t, u.Enqueue(context.Background(), types.CatalogUpdateRequest{Path: "a"}))
	err := <-errc
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUpdaterFailed, apperrors.GetCode(err))
	assert.True(t, apperrors.IsFatal(err))

	<-u.Done()
	assert.Equal(t, err, u.Err())

	// Producers see the failure instead of blocking.
	err = u.Enqueue(context.Background(), types.CatalogUpdateRequest{Path: "b"})
	assert.True(t, apperrors.IsFatal(err))
}

func TestUpdater_FullQueueBlocksProducer(t *testing.T) {
	u := NewUpdater(&fakeApplier{}, UpdaterConfig{QueueSize: 1})

	require.NoError(t, u.Enqueue(context.Background(), types.CatalogUpdateRequest{Path: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := u.Enqueue(ctx, types.CatalogUpdateRequest{Path: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, u.Stats().QueueDepth)
}

func TestUpdater_CancellationStopsRun(t *testing.T) {
	u := NewUpdater(&fakeApplier{}, UpdaterConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- u.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("updater did not observe cancellation")
	}
}

func TestUpdater_WithSQLiteCatalog(t *testing.T) {
	cat := newTestCatalog(t)
	var applied []types.Segment
	u := NewUpdater(cat, UpdaterConfig{OnApplied: func(segs []types.Segment) {
		applied = append(applied, segs...)
	}})
	errc := startUpdater(t, u)

	ctx := context.Background()
	require.NoError(t, u.Enqueue(ctx, request("day-1/a.seg", 1, 0, 10, 0, 4)))
	require.NoError(t, u.Enqueue(ctx, request("day-1/a.seg", 1, 0, 20, 0, 9)))
	u.CloseQueue()
	require.NoError(t, <-errc)

	row, err := cat.Get(ctx, "day-1/a.seg")
	require.NoError(t, err)
	assert.Equal(t, int64(9), row.EndID)
	assert.Equal(t, int64(2), row.UpdateID)
	require.Len(t, applied, 2)
}
