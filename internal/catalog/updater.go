package catalog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/arkilian/segvault/internal/errors"
	"github.com/arkilian/segvault/pkg/types"
)

// Applier applies catalog-update requests transactionally.
type Applier interface {
	ApplyUpdates(ctx context.Context, reqs []types.CatalogUpdateRequest) ([]types.Segment, error)
}

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	// QueueSize bounds the request queue; a full queue blocks Enqueue.
	QueueSize int
	// BatchSize caps how many queued requests share one transaction.
	BatchSize int
	// MaxRetries is how many times a failed batch is retried before the
	// updater fails. Zero means one retry; negative disables retries.
	MaxRetries int
	// RetryBackoff is the pause before a retry.
	RetryBackoff time.Duration
	// OnApplied, if set, is called with each committed batch.
	OnApplied func([]types.Segment)
	Logger    *slog.Logger
}

// UpdaterStats is a snapshot of updater counters.
type UpdaterStats struct {
	Enqueued     int64 `json:"enqueued"`
	Applied      int64 `json:"applied"`
	Batches      int64 `json:"batches"`
	Retries      int64 `json:"retries"`
	QueueDepth   int   `json:"queue_depth"`
	LastUpdateID int64 `json:"last_update_id"`
}

// Updater drains catalog-update requests in arrival order and applies them
// in batches. It is the only consumer of its queue; Enqueue must be called
// from a single producer.
type Updater struct {
	applier Applier
	cfg     UpdaterConfig
	logger  *slog.Logger
	queue   chan types.CatalogUpdateRequest

	closeOnce sync.Once
	done      chan struct{}
	err       error

	enqueued     atomic.Int64
	applied      atomic.Int64
	batches      atomic.Int64
	retries      atomic.Int64
	lastUpdateID atomic.Int64
}

// NewUpdater creates an updater applying requests to applier.
func NewUpdater(applier Applier, cfg UpdaterConfig) *Updater {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		applier: applier,
		cfg:     cfg,
		logger:  logger.With("component", "CatalogUpdater"),
		queue:   make(chan types.CatalogUpdateRequest, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// SetLastUpdateID seeds the reported update id, e.g. from the catalog on start.
func (u *Updater) SetLastUpdateID(id int64) {
	u.lastUpdateID.Store(id)
}

// Enqueue hands req to the updater, blocking while the queue is full. It
// fails once the updater has stopped.
func (u *Updater) Enqueue(ctx context.Context, req types.CatalogUpdateRequest) error {
	select {
	case <-u.done:
		return u.stoppedErr()
	default:
	}
	select {
	case u.queue <- req:
		u.enqueued.Add(1)
		return nil
	case <-u.done:
		return u.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) stoppedErr() error {
	if u.err != nil {
		return u.err
	}
	return apperrors.NewCatalogError(apperrors.CodeUpdaterFailed, "catalog: updater stopped", nil)
}

// CloseQueue signals that no more requests will be enqueued. Run applies
// everything already queued and returns.
func (u *Updater) CloseQueue() {
	u.closeOnce.Do(func() { close(u.queue) })
}

// Done is closed when Run returns.
func (u *Updater) Done() <-chan struct{} { return u.done }

// Err returns the error Run stopped with. Valid after Done is closed.
func (u *Updater) Err() error {
	select {
	case <-u.done:
		return u.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the updater counters.
func (u *Updater) Stats() UpdaterStats {
	return UpdaterStats{
		Enqueued:     u.enqueued.Load(),
		Applied:      u.applied.Load(),
		Batches:      u.batches.Load(),
		Retries:      u.retries.Load(),
		QueueDepth:   len(u.queue),
		LastUpdateID: u.lastUpdateID.Load(),
	}
}

// Run consumes the queue until it is closed and drained, ctx is cancelled,
// or a batch fails after its retries. Cancellation abandons queued requests.
func (u *Updater) Run(ctx context.Context) error {
	defer close(u.done)

	for {
		select {
		case <-ctx.Done():
			if n := len(u.queue); n > 0 {
				u.logger.Warn("abandoning queued catalog updates", "pending", n)
			}
			return nil
		case req, ok := <-u.queue:
			if !ok {
				u.logger.Debug("queue closed, updater exiting", "last_update_id", u.lastUpdateID.Load())
				return nil
			}
			batch := u.collect(req)
			if err := u.apply(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				u.err = err
				return err
			}
		}
	}
}

// collect drains whatever is already queued behind first, up to BatchSize.
func (u *Updater) collect(first types.CatalogUpdateRequest) []types.CatalogUpdateRequest {
	batch := []types.CatalogUpdateRequest{first}
	for len(batch) < u.cfg.BatchSize {
		select {
		case req, ok := <-u.queue:
			if !ok {
				return batch
			}
			batch = append(batch, req)
		default:
			return batch
		}
	}
	return batch
}

func (u *Updater) apply(ctx context.Context, batch []types.CatalogUpdateRequest) error {
	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			u.retries.Add(1)
			u.logger.Warn("retrying catalog batch", "attempt", attempt, "size", len(batch), "error", lastErr)
			select {
			case <-time.After(u.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		segs, err := u.applier.ApplyUpdates(ctx, batch)
		if err == nil {
			u.batches.Add(1)
			u.applied.Add(int64(len(segs)))
			if len(segs) > 0 {
				u.lastUpdateID.Store(segs[len(segs)-1].UpdateID)
			}
			if u.cfg.OnApplied != nil {
				u.cfg.OnApplied(segs)
			}
			return nil
		}
		lastErr = err
	}

	u.logger.Error("catalog batch failed, stopping updater", "size", len(batch), "first_path", batch[0].Path, "error", lastErr)
	return apperrors.NewCatalogError(apperrors.CodeUpdaterFailed, "catalog: update batch failed after retry", lastErr)
}
