package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/pkg/types"
)

// maxIngestBody bounds the size of one ingest request body.
const maxIngestBody = 64 << 20

// IngestRequest is the body of POST /v1/ingest. Data holds one row of
// channel values per timestamp. NewFile, when set, closes the open segment
// before the samples are written.
type IngestRequest struct {
	Timestamps []int64         `json:"timestamps"`
	Data       [][]float32     `json:"data"`
	Operation  string          `json:"operation,omitempty"`
	Index      *int64          `json:"index,omitempty"`
	NewFile    *NewFileRequest `json:"new_file,omitempty"`
	Async      bool            `json:"async,omitempty"`
}

// NewFileRequest starts a new segment with the given timezone offset and
// sample rate.
type NewFileRequest struct {
	TimezoneOffset int32   `json:"timezone_offset"`
	SampleRate     float64 `json:"sample_rate"`
	Path           string  `json:"path,omitempty"`
	Start          int64   `json:"start,omitempty"`
}

// IngestResponse represents the ingest response.
type IngestResponse struct {
	Samples   int    `json:"samples"`
	Operation string `json:"operation"`
	Queued    bool   `json:"queued"`
	NextID    int64  `json:"next_id"`
	RequestID string `json:"request_id"`
}

// IngestHandler handles POST /v1/ingest requests.
type IngestHandler struct {
	rec      Recording
	channels int
	logger   *slog.Logger
}

// NewIngestHandler creates a new ingest handler. A positive channels
// rejects frames with a different channel count.
func NewIngestHandler(rec Recording, channels int, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{rec: rec, channels: channels, logger: logger}
}

// ServeHTTP handles the ingest HTTP request.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req IngestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.NewFile == nil && len(req.Timestamps) == 0 {
		writeError(w, http.StatusBadRequest, "timestamps must not be empty", requestID)
		return
	}

	items, op, err := h.items(&req)
	if err != nil {
		writeAppError(w, err, requestID)
		return
	}

	ctx := r.Context()
	for _, item := range items {
		if req.Async {
			err = h.rec.Submit(ctx, item)
		} else {
			err = h.rec.Write(ctx, item)
		}
		if err != nil {
			h.logger.Warn("ingest failed", "operation", op, "samples", len(req.Timestamps), "error", err, "request_id", requestID)
			writeAppError(w, err, requestID)
			return
		}
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, IngestResponse{
		Samples:   len(req.Timestamps),
		Operation: op.String(),
		Queued:    req.Async,
		NextID:    h.rec.Stats().NextID,
		RequestID: requestID,
	})
}

// items converts a request into pipeline items.
func (h *IngestHandler) items(req *IngestRequest) ([]types.Item, types.Operation, error) {
	var items []types.Item
	if nf := req.NewFile; nf != nil {
		if nf.Path != "" {
			// The pipeline also checks the extension and that the path is free.
			if _, err := types.CleanSegmentPath(nf.Path, ""); err != nil {
				return nil, types.OpUnknown, apperrors.NewValidationError(apperrors.CodeInvalidPath, err.Error())
			}
		}
		items = append(items, types.WriteFileItem{
			File:           types.FileOptions{Path: nf.Path, Start: nf.Start},
			TimezoneOffset: nf.TimezoneOffset,
			SampleRate:     nf.SampleRate,
		})
	}
	op := types.ParseOperation(req.Operation)
	if len(req.Timestamps) == 0 {
		return items, op, nil
	}
	if op == types.OpUnknown {
		return nil, op, apperrors.NewValidationError(apperrors.CodeUnknownOperation,
			fmt.Sprintf("unknown operation %q", req.Operation))
	}

	frame, err := types.NewFrame(req.Timestamps, req.Data)
	if err != nil {
		return nil, op, apperrors.NewValidationError(apperrors.CodeInvalidFrame, err.Error())
	}
	if h.channels > 0 && frame.Channels != h.channels {
		return nil, op, apperrors.NewValidationError(apperrors.CodeShapeMismatch,
			fmt.Sprintf("expected %d channels, got %d", h.channels, frame.Channels))
	}

	data := types.WriteDataItem{Operation: op, Frame: frame}
	if req.Index != nil {
		data.Index, data.HasIndex = *req.Index, true
	}
	return append(items, data), op, nil
}
