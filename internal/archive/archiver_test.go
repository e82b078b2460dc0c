package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/segvault/internal/router"
	"github.com/arkilian/segvault/internal/segment"
	"github.com/arkilian/segvault/internal/storage"
	"github.com/arkilian/segvault/pkg/types"
)

func writeSegment(t *testing.T, tree *storage.LocalStorage, rel string, n int) {
	t.Helper()
	w, err := segment.Create(tree.LocalPath(rel), segment.Options{Start: 1_000, Channels: 2, SampleRate: 512})
	require.NoError(t, err)
	f := types.Frame{Channels: 2}
	for i := 0; i < n; i++ {
		f.Timestamps = append(f.Timestamps, int64(1_000+i))
		f.Data = append(f.Data, float32(i), float32(i%7))
	}
	_, err = w.Append(f)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func newArchiver(t *testing.T, codec Codec) (*Archiver, *storage.LocalStorage, *storage.LocalStorage) {
	t.Helper()
	tree, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	remote, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	a, err := New(Config{Storage: remote, Codec: codec, Tree: tree, TempDir: t.TempDir()})
	require.NoError(t, err)
	return a, tree, remote
}

func TestCodecsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("segvault row data "), 4096)
	for _, name := range []string{"snappy", "zstd", "lz4", "none"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			var buf bytes.Buffer
			w, err := codec.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			if name != "none" {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, err := codec.NewReader(&buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}

	_, err := CodecByName("brotli")
	assert.Error(t, err)
}

func TestArchiveAndRestore(t *testing.T) {
	for _, codec := range []Codec{SnappyCodec{}, ZstdCodec{}, LZ4Codec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			a, tree, remote := newArchiver(t, codec)
			rel := "day-1/rec_day1_10~00~00.000.seg"
			writeSegment(t, tree, rel, 2048)

			require.NoError(t, a.Archive(ctx, rel))
			exists, err := remote.Exists(ctx, rel+"."+codec.Ext())
			require.NoError(t, err)
			assert.True(t, exists)

			original, err := os.ReadFile(tree.LocalPath(rel))
			require.NoError(t, err)
			require.NoError(t, os.Remove(tree.LocalPath(rel)))

			report, err := a.Restore(ctx, []string{rel, "day-2/never_archived.seg"})
			require.NoError(t, err)
			assert.Equal(t, []string{rel}, report.Restored)
			assert.Equal(t, []string{"day-2/never_archived.seg"}, report.Missing)
			assert.Empty(t, report.Errors)

			restored, err := os.ReadFile(tree.LocalPath(rel))
			require.NoError(t, err)
			assert.Equal(t, original, restored)

			stats := a.Stats()
			assert.Equal(t, int64(1), stats.Uploaded)
			assert.Equal(t, int64(1), stats.Restored)
			assert.Equal(t, int64(len(original)), stats.Bytes)
		})
	}
}

func TestArchiveRejectsCorruptSegment(t *testing.T) {
	a, tree, remote := newArchiver(t, SnappyCodec{})
	rel := "day-1/bad.seg"
	require.NoError(t, os.MkdirAll(filepath.Dir(tree.LocalPath(rel)), 0o755))
	require.NoError(t, os.WriteFile(tree.LocalPath(rel), []byte("garbage"), 0o644))

	assert.Error(t, a.Archive(context.Background(), rel))
	objects, err := remote.ListObjects(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.Equal(t, int64(1), a.Stats().Failed)
}

func TestSyncUploadsOnlyMissing(t *testing.T) {
	ctx := context.Background()
	a, tree, _ := newArchiver(t, ZstdCodec{})
	paths := []string{"day-1/a.seg", "day-1/b.seg", "day-2/a.seg"}
	for _, p := range paths {
		writeSegment(t, tree, p, 64)
	}
	require.NoError(t, a.Archive(ctx, paths[0]))

	report, err := a.Sync(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, paths[1:], report.Uploaded)
	assert.Empty(t, report.Failed)

	report, err = a.Sync(ctx, paths)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Skipped)
	assert.Empty(t, report.Uploaded)
}

func TestRunArchivesClosedSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, tree, remote := newArchiver(t, LZ4Codec{})
	rel := "day-1/a.seg"
	writeSegment(t, tree, rel, 16)

	n := router.NewNotifier(8)
	sub := n.Subscribe("archiver", []router.NotificationType{router.SegmentClosed})
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, sub) }()

	n.Publish(router.Notification{Type: router.SegmentClosed, Path: rel})
	require.Eventually(t, func() bool {
		ok, _ := remote.Exists(ctx, rel+".lz4")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	n.Unsubscribe(sub.ID)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after unsubscribe")
	}
}
