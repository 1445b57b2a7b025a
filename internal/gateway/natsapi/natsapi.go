// Package natsapi serves runbox requests over NATS request/reply.
//
// Each message on the subject is a JSON Request envelope; the reply is a
// JSON Response. Listeners join a queue group so several runbox instances
// can share one subject.
package natsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// KindStatus asks for a status report instead of an execution.
const KindStatus = "status"

// Message status labels.
const (
	statusOK      = "ok"
	statusInvalid = "invalid"
	statusNoReply = "no_reply"
)

// Config configures the NATS listener.
type Config struct {
	URL     string // e.g., nats://127.0.0.1:4222
	Subject string
	Queue   string
}

// Request is the envelope carried by each message.
type Request struct {
	Kind    string          `json:"kind"` // command, tests, lint, or status
	Request json.RawMessage `json:"request,omitempty"`
}

// Response is the reply envelope. Exactly one of Result, Status, and Error is set.
type Response struct {
	Kind   string            `json:"kind"`
	Result *api.Result       `json:"result,omitempty"`
	Status *api.StatusResult `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Listener consumes requests from a NATS subject.
type Listener struct {
	config  Config
	service *api.Service
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu       sync.Mutex // Guards nc and sub.
	nc       *nats.Conn
	sub      *nats.Subscription
	inflight sync.WaitGroup
}

var _ gateway.Gateway = (*Listener)(nil)

// NewListener creates a listener. metrics may be nil.
func NewListener(cfg Config, svc *api.Service, metrics *observability.MetricsCollector, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{config: cfg, service: svc, metrics: metrics, logger: logger}
}

// Start connects, subscribes, and blocks until ctx is done. Executions run under ctx.
func (l *Listener) Start(ctx context.Context) error {
	nc, err := nats.Connect(l.config.URL,
		nats.Name("runbox"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats %s: %w", l.config.URL, err)
	}

	sub, err := nc.QueueSubscribe(l.config.Subject, l.config.Queue, func(msg *nats.Msg) {
		l.inflight.Add(1)
		go func() {
			defer l.inflight.Done()
			l.serve(ctx, msg)
		}()
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", l.config.Subject, err)
	}

	l.mu.Lock()
	l.nc = nc
	l.sub = sub
	l.mu.Unlock()

	l.logger.Info("nats listener started",
		slog.String("subject", l.config.Subject),
		slog.String("queue", l.config.Queue),
	)
	<-ctx.Done()
	return nil
}

// Stop drains the subscription, waits for in-flight requests to reply,
// then closes the connection.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	nc, sub := l.nc, l.sub
	l.mu.Unlock()
	if nc == nil {
		return nil
	}
	defer nc.Close()

	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		l.logger.Warn("draining nats subscription", slog.String("error", err.Error()))
	}
	for sub.IsValid() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("nats listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) serve(ctx context.Context, msg *nats.Msg) {
	if msg.Reply == "" {
		l.logger.Warn("dropping nats message without reply subject", slog.String("subject", msg.Subject))
		l.count("", statusNoReply)
		return
	}

	resp, status := l.handle(ctx, msg.Data)
	l.count(resp.Kind, status)

	data, err := json.Marshal(resp)
	if err != nil {
		l.logger.Error("encoding nats reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		l.logger.Warn("sending nats reply", slog.String("error", err.Error()))
	}
}

// handle decodes one envelope and dispatches it to the service.
func (l *Listener) handle(ctx context.Context, data []byte) (Response, string) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{Error: "invalid request envelope"}, statusInvalid
	}
	resp := Response{Kind: req.Kind}

	switch req.Kind {
	case KindStatus:
		st := l.service.Status(ctx)
		resp.Status = &st
		return resp, statusOK

	case sandbox.RequestCommand:
		var body api.RunRequest
		if err := decode(req.Request, &body); err != nil {
			resp.Error = err.Error()
			return resp, statusInvalid
		}
		res := l.service.Run(ctx, body)
		resp.Result = &res

	case sandbox.RequestTests:
		var body api.TestsRequest
		if err := decode(req.Request, &body); err != nil {
			resp.Error = err.Error()
			return resp, statusInvalid
		}
		res := l.service.Tests(ctx, body)
		resp.Result = &res

	case sandbox.RequestLint:
		var body api.LintRequest
		if err := decode(req.Request, &body); err != nil {
			resp.Error = err.Error()
			return resp, statusInvalid
		}
		res := l.service.Lint(ctx, body)
		resp.Result = &res

	default:
		resp.Error = fmt.Sprintf("unknown request kind %q", req.Kind)
		return resp, statusInvalid
	}
	return resp, statusOK
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing request body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func (l *Listener) count(kind, status string) {
	if l.metrics == nil {
		return
	}
	switch kind {
	case KindStatus, sandbox.RequestCommand, sandbox.RequestTests, sandbox.RequestLint:
	default:
		kind = "unknown"
	}
	l.metrics.NATSMessagesTotal.WithLabelValues(kind, status).Inc()
}
