package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// recordTimeout bounds a single journal write after an execution.
const recordTimeout = 5 * time.Second

// Recorder is a sandbox.Executor that journals every result of the executor it wraps.
// A failed write is logged and never alters the result.
type Recorder struct {
	inner  sandbox.Executor
	store  *Store
	logger *slog.Logger
}

// NewRecorder wraps inner so its results are recorded in store.
func NewRecorder(inner sandbox.Executor, store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{inner: inner, store: store, logger: logger}
}

func (r *Recorder) Run(ctx context.Context, req sandbox.ExecutionRequest) sandbox.ExecutionResult {
	res := r.inner.Run(ctx, req)
	if res.ID == "" {
		return res
	}

	// The caller may already be gone; the record is still written.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	err := r.store.Record(wctx, Entry{
		ExecutionResult: res,
		RequestKind:     sandbox.RequestKind(ctx),
		Command:         req.Command,
	})
	if err != nil {
		r.logger.Warn("journal write failed",
			slog.String("execution_id", res.ID),
			slog.String("error", err.Error()),
		)
	}
	return res
}

func (r *Recorder) Status(ctx context.Context) sandbox.Status {
	return r.inner.Status(ctx)
}

var _ sandbox.Executor = (*Recorder)(nil)
