package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// killTimeout bounds the kill call and the wait for the killed container to stop.
	killTimeout = 5 * time.Second
	// captureTimeout bounds log retrieval once the container has stopped.
	captureTimeout = 10 * time.Second
)

// awaitResult is what the supervisor learned about one running container.
type awaitResult struct {
	ExitCode  int // -1 when never obtained.
	Stdout    string
	Stderr    string
	OOMKilled bool
	Truncated bool
	TimedOut  bool
	Err       error // Classified failure, nil on normal exit.
}

// supervisor waits for a container under a deadline, hard-kills it on overrun
// and captures both output streams once it has stopped. It never removes the
// container; that is left to cleanup, after capture.
type supervisor struct {
	rt        Runtime
	maxOutput int
	logger    *slog.Logger
}

func (s *supervisor) await(ctx context.Context, id string, timeout time.Duration) awaitResult {
	res := awaitResult{ExitCode: -1}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	code, waitErr := s.rt.Wait(waitCtx, id)
	deadlineHit := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case waitErr == nil:
		res.ExitCode = code
		s.inspect(ctx, id, &res)
	case errors.Is(ctx.Err(), context.Canceled):
		// Caller went away. The process gets no signal other than the kill.
		s.kill(ctx, id)
		res.Err = newError(KindUnexpected, "await", fmt.Errorf("execution cancelled: %w", ctx.Err()))
	case deadlineHit:
		s.logger.Warn("execution timed out, killing container",
			slog.String("container_id", shortID(id)),
			slog.Duration("timeout", timeout),
		)
		s.kill(ctx, id)
		res.TimedOut = true
		res.Err = newError(KindTimeout, "await", fmt.Errorf("execution timed out after %s", timeout))
	default:
		s.kill(ctx, id)
		res.Err = newError(KindUnexpected, "await", waitErr)
	}

	// Capture runs on a fresh deadline so a timed-out or cancelled execution
	// still returns whatever it wrote before the kill.
	capCtx, capCancel := context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
	defer capCancel()

	var stdout, stderr bytes.Buffer
	outW := newLimitedWriter(&stdout, s.maxOutput)
	errW := newLimitedWriter(&stderr, s.maxOutput)
	if err := s.rt.Logs(capCtx, id, outW, errW); err != nil {
		s.logger.Warn("log capture failed",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
		if res.Err == nil {
			res.Err = newError(KindUnexpected, "capture", err)
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = outW.truncated || errW.truncated
	return res
}

// kill hard-kills the container and waits briefly for it to stop so the log
// stream is complete before capture.
func (s *supervisor) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	if err := s.rt.Kill(killCtx, id); err != nil {
		s.logger.Warn("container kill failed",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := s.rt.Wait(killCtx, id); err != nil {
		s.logger.Debug("killed container did not report exit",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *supervisor) inspect(ctx context.Context, id string, res *awaitResult) {
	inCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	st, err := s.rt.Inspect(inCtx, id)
	if err != nil {
		s.logger.Debug("container inspect failed",
			slog.String("container_id", shortID(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	res.OOMKilled = st.OOMKilled
}

// shortID truncates a container ID for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
