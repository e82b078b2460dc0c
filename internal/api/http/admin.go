package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/arkilian/segvault/internal/archive"
	"github.com/arkilian/segvault/internal/catalog"
	"github.com/arkilian/segvault/internal/observability"
)

// Archive is the part of the archiver the admin endpoints use.
type Archive interface {
	Sync(ctx context.Context) (archive.SyncReport, error)
	Stats() archive.Stats
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	State   string                 `json:"state"`
	NextID  int64                  `json:"next_id"`
	Days    int                    `json:"days"`
	Current *Segment               `json:"current,omitempty"`
	Ingest  observability.Snapshot `json:"ingest"`
	Updater catalog.UpdaterStats   `json:"updater"`
	Archive *archive.Stats         `json:"archive,omitempty"`
}

// AdminHandler serves reconciliation, statistics and health.
type AdminHandler struct {
	rec     Recording
	archive Archive
	logger  *slog.Logger
}

// NewAdminHandler creates an admin handler. arch may be nil when archiving
// is disabled.
func NewAdminHandler(rec Recording, arch Archive, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{rec: rec, archive: arch, logger: logger}
}

// Reconcile handles POST /v1/reconcile.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.rec.Reconcile(r.Context())
	if err != nil {
		writeAppError(w, err, GetRequestID(r.Context()))
		return
	}
	if report.HasIssues() {
		h.logger.Warn("reconciliation repaired the catalog",
			"updated", len(report.Updated),
			"inserted", len(report.Inserted),
			"removed_rows", len(report.RemovedRows),
			"deleted_files", len(report.DeletedFiles))
	}
	writeJSON(w, http.StatusOK, report)
}

// ArchiveSync handles POST /v1/archive/sync.
func (h *AdminHandler) ArchiveSync(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if h.archive == nil {
		writeError(w, http.StatusNotFound, "archiving is disabled", requestID)
		return
	}
	report, err := h.archive.Sync(r.Context())
	if err != nil {
		writeAppError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /v1/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats())
}

func (h *AdminHandler) stats() StatsResponse {
	s := h.rec.Stats()
	resp := StatsResponse{
		ID:      s.ID,
		Name:    s.Name,
		State:   s.State,
		NextID:  s.NextID,
		Days:    s.Days,
		Ingest:  s.Ingest,
		Updater: s.Updater,
	}
	if s.Current != nil {
		cur := segmentView(*s.Current)
		resp.Current = &cur
	}
	if h.archive != nil {
		as := h.archive.Stats()
		resp.Archive = &as
	}
	return resp
}

// Health handles GET /health. It reports 503 once ingestion has stopped.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	s := h.rec.Stats()
	status := http.StatusOK
	health := "healthy"
	if s.State == "closed" {
		status = http.StatusServiceUnavailable
		health = "stopped"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  health,
		"state":   s.State,
		"next_id": s.NextID,
	})
}

// NewRouter registers every endpoint on a mux wrapped in the default
// middleware. extra middlewares run outside the defaults.
func NewRouter(rec Recording, arch Archive, channels int, logger *slog.Logger, extra ...func(http.Handler) http.Handler) http.Handler {
	ingest := NewIngestHandler(rec, channels, logger)
	query := NewQueryHandler(rec)
	admin := NewAdminHandler(rec, arch, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/ingest", ingest)
	mux.HandleFunc("GET /v1/segments", query.Segments)
	mux.HandleFunc("GET /v1/days", query.Days)
	mux.HandleFunc("GET /v1/spans", query.Spans)
	mux.HandleFunc("GET /v1/data", query.Data)
	mux.HandleFunc("POST /v1/reconcile", admin.Reconcile)
	mux.HandleFunc("POST /v1/archive/sync", admin.ArchiveSync)
	mux.HandleFunc("GET /v1/stats", admin.Stats)
	mux.HandleFunc("GET /health", admin.Health)

	chain := append(append([]func(http.Handler) http.Handler(nil), extra...), DefaultMiddleware(logger))
	return ChainMiddleware(chain...)(mux)
}
