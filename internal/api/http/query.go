package http

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/arkilian/segvault/internal/catalog"
	"github.com/arkilian/segvault/internal/daybucket"
	"github.com/arkilian/segvault/internal/recording"
	"github.com/arkilian/segvault/pkg/types"
)

// Recording is the part of a recording the API serves.
type Recording interface {
	Submit(ctx context.Context, item types.Item) error
	Write(ctx context.Context, item types.Item) error
	Segments(start, end int64) []types.Segment
	Days() []daybucket.Day
	FindDay(ts int64, approx, tails bool) (daybucket.Day, bool)
	Spans(ctx context.Context) ([]catalog.Span, error)
	Query(ctx context.Context, start, end int64) (types.Frame, error)
	Reconcile(ctx context.Context) (*catalog.ReconciliationReport, error)
	Stats() recording.Stats
}

// Segment is the JSON form of a segment. An unknown sample rate is null.
type Segment struct {
	Path           string      `json:"path"`
	Day            int         `json:"day"`
	Start          int64       `json:"start"`
	End            int64       `json:"end"`
	SampleRate     *float64    `json:"sample_rate"`
	Shape          types.Shape `json:"shape"`
	StartID        int64       `json:"start_id"`
	EndID          int64       `json:"end_id"`
	TimezoneOffset int32       `json:"timezone_offset"`
	UpdateID       int64       `json:"update_id"`
}

// Day is the JSON form of a day bucket.
type Day struct {
	Number     int         `json:"number"`
	Date       int64       `json:"date"`
	Start      int64       `json:"start"`
	End        int64       `json:"end"`
	Shape      types.Shape `json:"shape"`
	SampleRate *float64    `json:"sample_rate"`
	Segments   []Segment   `json:"segments"`
}

// DataResponse holds the samples of a range query, row-major like
// types.Frame. Non-finite values are encoded as null.
type DataResponse struct {
	Channels   int         `json:"channels"`
	Timestamps []int64     `json:"timestamps"`
	Data       []jsonFloat `json:"data"`
	Segments   int         `json:"segments"`
	ElapsedMs  int64       `json:"elapsed_ms"`
	RequestID  string      `json:"request_id"`
}

type jsonFloat float32

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func segmentView(s types.Segment) Segment {
	return Segment{
		Path:           s.Path,
		Day:            s.Day,
		Start:          s.Start,
		End:            s.End,
		SampleRate:     finite(s.SampleRate),
		Shape:          s.Shape,
		StartID:        s.StartID,
		EndID:          s.EndID,
		TimezoneOffset: s.TimezoneOffset,
		UpdateID:       s.UpdateID,
	}
}

func segmentViews(segs []types.Segment) []Segment {
	out := make([]Segment, len(segs))
	for i := range segs {
		out[i] = segmentView(segs[i])
	}
	return out
}

func dayView(d daybucket.Day) Day {
	return Day{
		Number:     d.Number,
		Date:       d.Date,
		Start:      d.Start,
		End:        d.End,
		Shape:      d.Shape,
		SampleRate: finite(d.SampleRate),
		Segments:   segmentViews(d.Segments),
	}
}

// QueryHandler serves the read endpoints.
type QueryHandler struct {
	rec Recording
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(rec Recording) *QueryHandler {
	return &QueryHandler{rec: rec}
}

// Segments handles GET /v1/segments?start=&end=.
func (h *QueryHandler) Segments(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	start, end, err := parseRange(r, math.MinInt64, math.MaxInt64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	writeJSON(w, http.StatusOK, segmentViews(h.rec.Segments(start, end)))
}

// Days handles GET /v1/days. With ts set it returns the single day
// containing ts; approx falls back to the nearest day and tails clamps
// timestamps beyond the first or last day.
func (h *QueryHandler) Days(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	q := r.URL.Query()
	if q.Get("ts") == "" {
		days := h.rec.Days()
		out := make([]Day, len(days))
		for i := range days {
			out[i] = dayView(days[i])
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	ts, err := parseTime(q.Get("ts"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ts: %v", err), requestID)
		return
	}
	approx, _ := strconv.ParseBool(q.Get("approx"))
	tails, _ := strconv.ParseBool(q.Get("tails"))
	d, ok := h.rec.FindDay(ts, approx, tails)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no day contains %d", ts), requestID)
		return
	}
	writeJSON(w, http.StatusOK, dayView(d))
}

// Spans handles GET /v1/spans.
func (h *QueryHandler) Spans(w http.ResponseWriter, r *http.Request) {
	spans, err := h.rec.Spans(r.Context())
	if err != nil {
		writeAppError(w, err, GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, spans)
}

// Data handles GET /v1/data?start=&end=.
func (h *QueryHandler) Data(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		writeError(w, http.StatusBadRequest, "start and end are required", requestID)
		return
	}
	start, end, err := parseRange(r, 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	began := time.Now()
	segs := len(h.rec.Segments(start, end))
	frame, err := h.rec.Query(r.Context(), start, end)
	if err != nil {
		writeAppError(w, err, requestID)
		return
	}

	if frame.Timestamps == nil {
		frame.Timestamps = []int64{}
	}
	data := make([]jsonFloat, len(frame.Data))
	for i, v := range frame.Data {
		data[i] = jsonFloat(v)
	}
	writeJSON(w, http.StatusOK, DataResponse{
		Channels:   frame.Channels,
		Timestamps: frame.Timestamps,
		Data:       data,
		Segments:   segs,
		ElapsedMs:  time.Since(began).Milliseconds(),
		RequestID:  requestID,
	})
}

// parseRange reads the start and end query parameters, using the defaults
// for absent ones.
func parseRange(r *http.Request, defStart, defEnd int64) (int64, int64, error) {
	q := r.URL.Query()
	start, end := defStart, defEnd
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v); err != nil {
			return 0, 0, fmt.Errorf("invalid start: %w", err)
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			return 0, 0, fmt.Errorf("invalid end: %w", err)
		}
	}
	if end < start {
		return 0, 0, fmt.Errorf("end %d is before start %d", end, start)
	}
	return start, end, nil
}

// parseTime accepts nanoseconds since the epoch or an RFC 3339 timestamp.
func parseTime(v string) (int64, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0, err
	}
	return t.UnixNano(), nil
}
