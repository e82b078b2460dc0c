package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/segvault/internal/archive"
	"github.com/arkilian/segvault/internal/recording"
)

const step = int64(time.Second) / 512

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano()

func newServer(t *testing.T, channels int, arch Archive) (*httptest.Server, *recording.Recording) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec, err := recording.Open(ctx, recording.Options{
		Root:       t.TempDir(),
		Name:       "rec",
		Ext:        "seg",
		SampleRate: 512,
		Logger:     logger,
	})
	require.NoError(t, err)
	rec.Start(ctx)
	t.Cleanup(func() { rec.Close() })

	srv := httptest.NewServer(NewRouter(rec, arch, channels, logger))
	t.Cleanup(srv.Close)
	return srv, rec
}

func ingestBody(start int64, n, channels int) IngestRequest {
	req := IngestRequest{}
	for i := 0; i < n; i++ {
		req.Timestamps = append(req.Timestamps, start+int64(i)*step)
		row := make([]float32, channels)
		for c := range row {
			row[c] = float32(i*10 + c)
		}
		req.Data = append(req.Data, row)
	}
	return req
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestIngestAndQuery(t *testing.T) {
	srv, _ := newServer(t, 2, nil)

	resp := post(t, srv.URL+"/v1/ingest", ingestBody(base, 1024, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ing := decode[IngestResponse](t, resp)
	assert.Equal(t, 1024, ing.Samples)
	assert.Equal(t, "append", ing.Operation)
	assert.Equal(t, int64(1024), ing.NextID)
	assert.NotEmpty(t, ing.RequestID)

	segs := decode[[]Segment](t, get(t, srv.URL+"/v1/segments"))
	require.Len(t, segs, 1)
	assert.Equal(t, "day-1/rec_day1_10~00~00.000.seg", segs[0].Path)
	assert.Equal(t, 1024, segs[0].Shape.Samples())
	assert.Equal(t, int64(1023), segs[0].EndID)
	require.NotNil(t, segs[0].SampleRate)
	assert.Equal(t, float64(512), *segs[0].SampleRate)

	url := fmt.Sprintf("%s/v1/data?start=%d&end=%d", srv.URL, base+10*step, base+109*step)
	data := decode[struct {
		Channels   int       `json:"channels"`
		Timestamps []int64   `json:"timestamps"`
		Data       []float32 `json:"data"`
		Segments   int       `json:"segments"`
	}](t, get(t, url))
	assert.Equal(t, 2, data.Channels)
	require.Len(t, data.Timestamps, 100)
	assert.Equal(t, base+10*step, data.Timestamps[0])
	assert.Equal(t, float32(100), data.Data[0])
	assert.Equal(t, float32(101), data.Data[1])
	assert.Equal(t, 1, data.Segments)

	days := decode[[]Day](t, get(t, srv.URL+"/v1/days"))
	require.Len(t, days, 1)
	assert.Equal(t, 1, days[0].Number)
	assert.Len(t, days[0].Segments, 1)

	day := decode[Day](t, get(t, fmt.Sprintf("%s/v1/days?ts=%d", srv.URL, base+5*step)))
	assert.Equal(t, 1, day.Number)

	later := base + int64(30*time.Hour)
	assert.Equal(t, http.StatusNotFound, get(t, fmt.Sprintf("%s/v1/days?ts=%d", srv.URL, later)).StatusCode)
	resp = get(t, fmt.Sprintf("%s/v1/days?ts=%d&approx=true&tails=true", srv.URL, later))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/v1/days?ts="+time.Unix(0, base).UTC().Format(time.RFC3339Nano))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestValidation(t *testing.T) {
	srv, _ := newServer(t, 2, nil)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"empty", IngestRequest{}, http.StatusBadRequest, ""},
		{"ragged rows", IngestRequest{Timestamps: []int64{base, base + step}, Data: [][]float32{{1, 2}, {3}}}, http.StatusBadRequest, "INVALID_FRAME"},
		{"count mismatch", IngestRequest{Timestamps: []int64{base}, Data: [][]float32{{1, 2}, {3, 4}}}, http.StatusBadRequest, "INVALID_FRAME"},
		{"channels", ingestBody(base, 4, 3), http.StatusBadRequest, "SHAPE_MISMATCH"},
		{"operation", IngestRequest{Timestamps: []int64{base}, Data: [][]float32{{1, 2}}, Operation: "upsert"}, http.StatusBadRequest, "UNKNOWN_OPERATION"},
		{"not json", "{", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/ingest", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			e := decode[ErrorResponse](t, resp)
			assert.NotEmpty(t, e.Error)
			assert.Equal(t, tt.code, e.Code)
		})
	}

	resp := get(t, srv.URL+"/v1/ingest")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = get(t, srv.URL+"/v1/data?start=10")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = get(t, srv.URL+"/v1/segments?start=10&end=5")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackwardsTimestampsRejectedByPipeline(t *testing.T) {
	srv, _ := newServer(t, 0, nil)
	body := IngestRequest{Timestamps: []int64{base + step, base}, Data: [][]float32{{1}, {2}}}
	resp := post(t, srv.URL+"/v1/ingest", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_FRAME", decode[ErrorResponse](t, resp).Code)
}

func TestNewFileAndSetOperation(t *testing.T) {
	srv, _ := newServer(t, 1, nil)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", ingestBody(base, 8, 1)).StatusCode)

	nf := ingestBody(base+8*step, 8, 1)
	nf.NewFile = &NewFileRequest{SampleRate: 512}
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", nf).StatusCode)

	idx := int64(2)
	set := IngestRequest{Timestamps: []int64{base + 10*step}, Data: [][]float32{{-1}}, Operation: "set", Index: &idx}
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", set).StatusCode)

	segs := decode[[]Segment](t, get(t, srv.URL+"/v1/segments"))
	require.Len(t, segs, 2)
	assert.Equal(t, int64(8), segs[1].StartID)

	url := fmt.Sprintf("%s/v1/data?start=%d&end=%d", srv.URL, base+10*step, base+10*step)
	data := decode[struct {
		Data []float32 `json:"data"`
	}](t, get(t, url))
	assert.Equal(t, []float32{-1}, data.Data)
}

func TestNewFilePathIsChecked(t *testing.T) {
	srv, rec := newServer(t, 1, nil)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", ingestBody(base, 8, 1)).StatusCode)
	cur := rec.Stats().Current
	require.NotNil(t, cur)

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"catalog.db", http.StatusBadRequest, "INVALID_PATH"},
		{"../x.seg", http.StatusBadRequest, "INVALID_PATH"},
		{"/abs.seg", http.StatusBadRequest, "INVALID_PATH"},
		{"day-1/notes.txt", http.StatusBadRequest, "INVALID_PATH"},
		{cur.Path, http.StatusConflict, "SEGMENT_EXISTS"},
	}
	for _, tc := range cases {
		body := ingestBody(base+8*step, 8, 1)
		body.NewFile = &NewFileRequest{SampleRate: 512, Path: tc.path}
		resp := post(t, srv.URL+"/v1/ingest", body)
		assert.Equal(t, tc.status, resp.StatusCode, tc.path)
		assert.Equal(t, tc.code, decode[ErrorResponse](t, resp).Code, tc.path)
	}

	// Ingestion carries on in the same segment.
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", ingestBody(base+8*step, 8, 1)).StatusCode)
	assert.Equal(t, "writing", rec.Stats().State)
	segs := decode[[]Segment](t, get(t, srv.URL+"/v1/segments"))
	require.Len(t, segs, 1)
	assert.Equal(t, cur.Path, segs[0].Path)
	assert.Equal(t, 16, segs[0].Shape.Samples())
}

func TestNaNSamplesEncodeAsNull(t *testing.T) {
	srv, _ := newServer(t, 0, nil)
	body := IngestRequest{Timestamps: []int64{base, base + step}, Data: [][]float32{{1}, {2}}}
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", body).StatusCode)

	b, err := json.Marshal(DataResponse{Channels: 1, Timestamps: []int64{1, 2}, Data: []jsonFloat{jsonFloat(math.NaN()), 1.5}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":[null,1.5]`)
}

func TestAsyncIngest(t *testing.T) {
	srv, rec := newServer(t, 0, nil)
	body := ingestBody(base, 16, 1)
	body.Async = true
	resp := post(t, srv.URL+"/v1/ingest", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[IngestResponse](t, resp).Queued)
	require.Eventually(t, func() bool { return rec.Stats().NextID == 16 }, 5*time.Second, 10*time.Millisecond)
}

func TestStatsAndHealth(t *testing.T) {
	srv, rec := newServer(t, 0, nil)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", ingestBody(base, 32, 1)).StatusCode)

	stats := decode[StatsResponse](t, get(t, srv.URL+"/v1/stats"))
	assert.Equal(t, "rec", stats.Name)
	assert.NotEmpty(t, stats.ID)
	assert.Equal(t, int64(32), stats.NextID)
	assert.Equal(t, "writing", stats.State)
	require.NotNil(t, stats.Current)
	assert.Equal(t, 32, stats.Current.Shape.Samples())
	assert.Nil(t, stats.Archive)

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/health").StatusCode)

	require.NoError(t, rec.Close())
	resp := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/ingest", ingestBody(base+32*step, 1, 1))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "PIPELINE_CLOSED", decode[ErrorResponse](t, resp).Code)
}

func TestReconcileAndSpans(t *testing.T) {
	srv, _ := newServer(t, 0, nil)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/v1/ingest", ingestBody(base, 10, 1)).StatusCode)

	resp := post(t, srv.URL+"/v1/reconcile", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[map[string]interface{}](t, resp)
	assert.Contains(t, report, "removed_rows")

	require.Eventually(t, func() bool {
		var spans []map[string]interface{}
		r := get(t, srv.URL+"/v1/spans")
		if json.NewDecoder(r.Body).Decode(&spans) != nil {
			return false
		}
		return len(spans) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

type fakeArchive struct{ syncs int }

func (f *fakeArchive) Sync(ctx context.Context) (archive.SyncReport, error) {
	f.syncs++
	return archive.SyncReport{Uploaded: []string{"day-1/a.seg"}}, nil
}

func (f *fakeArchive) Stats() archive.Stats { return archive.Stats{Uploaded: int64(f.syncs)} }

func TestArchiveEndpoints(t *testing.T) {
	srv, _ := newServer(t, 0, nil)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/v1/archive/sync", struct{}{}).StatusCode)

	arch := &fakeArchive{}
	srv, _ = newServer(t, 0, arch)
	resp := post(t, srv.URL+"/v1/archive/sync", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"day-1/a.seg"}, decode[archive.SyncReport](t, resp).Uploaded)

	stats := decode[StatsResponse](t, get(t, srv.URL+"/v1/stats"))
	require.NotNil(t, stats.Archive)
	assert.Equal(t, int64(1), stats.Archive.Uploaded)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _ := newServer(t, 0, nil)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := DefaultMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
