package catalog

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/segvault/pkg/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	cat, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func request(path string, day int, start, end, startID, endID int64) types.CatalogUpdateRequest {
	return types.CatalogUpdateRequest{
		Path:       path,
		Day:        day,
		Start:      start,
		End:        end,
		SampleRate: 512,
		Shape:      types.Shape{int(endID - startID + 1), 4},
		StartID:    startID,
		EndID:      endID,
	}
}

func TestCatalog_ApplyUpdatesAssignsSequentialIDs(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	segs, err := cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{
		request("day-1/a.seg", 1, 100, 200, 0, 9),
		request("day-1/b.seg", 1, 300, 400, 10, 19),
	})
	if err != nil {
		t.Fatalf("failed to apply updates: %v", err)
	}
	if segs[0].UpdateID != 1 || segs[1].UpdateID != 2 {
		t.Errorf("update ids = %d, %d; want 1, 2", segs[0].UpdateID, segs[1].UpdateID)
	}

	// Growing an existing segment updates its row in place.
	segs, err = cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{request("day-1/a.seg", 1, 100, 250, 0, 14)})
	if err != nil {
		t.Fatalf("failed to apply update: %v", err)
	}
	if segs[0].UpdateID != 3 {
		t.Errorf("update id = %d, want 3", segs[0].UpdateID)
	}

	got, err := cat.Get(ctx, "day-1/a.seg")
	if err != nil {
		t.Fatalf("failed to get segment: %v", err)
	}
	if got.End != 250 || got.EndID != 14 || got.Shape != (types.Shape{15, 4}) || got.UpdateID != 3 {
		t.Errorf("unexpected row after upsert: %+v", got)
	}

	all, err := cat.All(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(all))
	}

	last, err := cat.LastUpdateID(ctx)
	if err != nil || last != 3 {
		t.Errorf("LastUpdateID = %d, %v; want 3", last, err)
	}
}

func TestCatalog_UpdateIDSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	cat, err := NewCatalog(dbPath)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if _, err := cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{request("day-1/a.seg", 1, 1, 2, 0, 0)}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	cat.Close()

	cat, err = NewCatalog(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen catalog: %v", err)
	}
	defer cat.Close()

	segs, err := cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{request("day-1/b.seg", 1, 3, 4, 1, 1)})
	if err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	if segs[0].UpdateID != 2 {
		t.Errorf("update id after reopen = %d, want 2", segs[0].UpdateID)
	}
}

func TestCatalog_NaNSampleRateRoundTrip(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	req := request("day-1/a.seg", 1, 1, 2, 0, 0)
	req.SampleRate = math.NaN()
	if _, err := cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{req}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}
	got, err := cat.Get(ctx, req.Path)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !math.IsNaN(got.SampleRate) {
		t.Errorf("sample rate = %v, want NaN", got.SampleRate)
	}
}

func TestCatalog_FindRangeDeleteAndSpans(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.ApplyUpdates(ctx, []types.CatalogUpdateRequest{
		request("day-2/c.seg", 2, 500, 600, 20, 29),
		request("day-1/a.seg", 1, 100, 200, 0, 9),
		request("day-1/b.seg", 1, 300, 400, 10, 19),
	}); err != nil {
		t.Fatalf("failed to apply: %v", err)
	}

	found, err := cat.FindRange(ctx, 150, 350)
	if err != nil {
		t.Fatalf("failed to find range: %v", err)
	}
	if len(found) != 2 || found[0].Path != "day-1/a.seg" || found[1].Path != "day-1/b.seg" {
		t.Errorf("unexpected range result: %+v", found)
	}

	spans, err := cat.SegmentSpans(ctx)
	if err != nil {
		t.Fatalf("failed to list spans: %v", err)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i-1].EndID > spans[i].StartID {
			t.Errorf("spans not monotonic: %+v then %+v", spans[i-1], spans[i])
		}
	}

	maxID, ok, err := cat.MaxEndID(ctx)
	if err != nil || !ok || maxID != 29 {
		t.Errorf("MaxEndID = %d, %v, %v; want 29", maxID, ok, err)
	}

	if err := cat.Delete(ctx, "day-2/c.seg"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := cat.Get(ctx, "day-2/c.seg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCatalog_OpenReadOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.db")
	if _, err := OpenReadOnly(missing); err == nil {
		t.Fatal("expected error opening a missing catalog")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatalf("read-only open created %s: %v", missing, err)
	}

	dbPath := filepath.Join(dir, "catalog.db")
	w, err := NewCatalog(dbPath)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	if _, err := w.ApplyUpdates(ctx, []types.CatalogUpdateRequest{request("day-1/a.seg", 1, 100, 200, 0, 9)}); err != nil {
		t.Fatalf("ApplyUpdates failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ro, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()

	rows, err := ro.FindRange(ctx, 0, 1_000)
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Path != "day-1/a.seg" || rows[0].Day != 1 {
		t.Fatalf("unexpected rows %+v", rows)
	}

	if _, err := ro.ApplyUpdates(ctx, []types.CatalogUpdateRequest{request("day-1/b.seg", 1, 300, 400, 10, 19)}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("ApplyUpdates: expected ErrReadOnly, got %v", err)
	}
	if err := ro.Delete(ctx, "day-1/a.seg"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Delete: expected ErrReadOnly, got %v", err)
	}
	if err := ro.SaveRecording(ctx, RecordingMeta{ID: "r"}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SaveRecording: expected ErrReadOnly, got %v", err)
	}
	last, err := ro.LastUpdateID(ctx)
	if err != nil || last != 1 {
		t.Errorf("LastUpdateID = %d, %v; want 1", last, err)
	}
}

func TestCatalog_EmptyMaxEndID(t *testing.T) {
	cat := newTestCatalog(t)
	_, ok, err := cat.MaxEndID(context.Background())
	if err != nil || ok {
		t.Errorf("MaxEndID on empty catalog = %v, %v; want false, nil", ok, err)
	}
}

func TestCatalog_RecordingMeta(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.LoadRecording(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	meta := RecordingMeta{ID: "rec-1", Name: "patient01", Start: 12345, TimezoneOffset: -18000}
	if err := cat.SaveRecording(ctx, meta); err != nil {
		t.Fatalf("failed to save recording: %v", err)
	}
	got, err := cat.LoadRecording(ctx)
	if err != nil {
		t.Fatalf("failed to load recording: %v", err)
	}
	if got.ID != meta.ID || got.Name != meta.Name || got.Start != meta.Start || got.TimezoneOffset != meta.TimezoneOffset {
		t.Errorf("recording = %+v, want %+v", got, meta)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

// TestProperty_UpdateIDsStrictlyIncrease checks that over any sequence of
// batches the assigned update ids are consecutive and strictly increasing.
func TestProperty_UpdateIDsStrictlyIncrease(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("update ids are consecutive across batches", prop.ForAll(
		func(batchSizes []int) bool {
			cat, err := NewCatalog(filepath.Join(t.TempDir(), "prop.db"))
			if err != nil {
				return false
			}
			defer cat.Close()

			ctx := context.Background()
			var want int64
			for b, n := range batchSizes {
				reqs := make([]types.CatalogUpdateRequest, n)
				for i := range reqs {
					// Reuse a small path space so upserts and inserts interleave.
					path := filepath.ToSlash(filepath.Join("day-1", string(rune('a'+(b+i)%5))+".seg"))
					reqs[i] = request(path, 1, int64(i), int64(i+1), 0, 0)
				}
				segs, err := cat.ApplyUpdates(ctx, reqs)
				if err != nil {
					return false
				}
				for _, s := range segs {
					want++
					if s.UpdateID != want {
						return false
					}
				}
			}
			last, err := cat.LastUpdateID(ctx)
			return err == nil && last == want
		},
		gen.SliceOf(gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}
