// Package httpapi implements the HTTP API for runbox.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison); disabled when no keys are configured
//   - Request body size limit (default 8 MB, file contents travel inline)
//   - Per-client rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/journal"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/sandbox"
)

const (
	defaultMaxRequestSize = 8 << 20
	// anonymousClient identifies callers when authentication is disabled.
	anonymousClient = "anonymous"
	clientKey       = "client"
	maxListLimit    = 500
)

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8088"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> client name. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 8 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service *api.Service
	journal Journal // nil = execution history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// Journal is the read side of the execution journal. *journal.Store satisfies it.
type Journal interface {
	Get(ctx context.Context, id string) (journal.Entry, error)
	List(ctx context.Context, opts journal.ListOptions) ([]journal.Entry, error)
}

// NewGateway creates an HTTP API gateway. rl may be nil for no rate limiting.
func NewGateway(cfg Config, svc *api.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// WithJournal enables the execution history endpoints.
func (g *Gateway) WithJournal(j Journal) *Gateway {
	g.journal = j
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: "v1",
		},
	)
}

// Start registers routes, launches the HTTP server, and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.routes()

	if len(g.config.APIKeys) == 0 && !isLoopback(g.config.ListenAddr) {
		g.logger.Warn("http api listening on a non-loopback address without API keys",
			slog.String("addr", g.config.ListenAddr))
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Executions hold the connection for up to their timeout.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) routes() {
	v1 := g.okapi.Group("/v1", g.limitBody, g.authenticate, g.rateLimit)

	v1.Post("/run", g.handleRun,
		okapi.DocSummary("Run a command in a disposable sandbox"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(api.RunRequest{}),
		okapi.DocResponse(api.Result{}),
		okapi.DocResponse(http.StatusBadRequest, api.ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, api.ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, api.ErrorBody{}),
	)
	v1.Post("/tests", g.handleTests,
		okapi.DocSummary("Run a test suite"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(api.TestsRequest{}),
		okapi.DocResponse(api.Result{}),
		okapi.DocResponse(http.StatusBadRequest, api.ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, api.ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, api.ErrorBody{}),
	)
	v1.Post("/lint", g.handleLint,
		okapi.DocSummary("Run a linter over files"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(api.LintRequest{}),
		okapi.DocResponse(api.Result{}),
		okapi.DocResponse(http.StatusBadRequest, api.ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, api.ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, api.ErrorBody{}),
	)
	v1.Get("/status", g.handleStatus,
		okapi.DocSummary("Report runtime reachability, image presence, and configuration"),
		okapi.DocTags("Status"),
		okapi.DocResponse(StatusResponse{}),
	)

	if g.journal != nil {
		v1.Get("/executions", g.handleListExecutions,
			okapi.DocSummary("List journaled executions, newest first"),
			okapi.DocTags("History"),
			okapi.DocResponse([]ExecutionEntry{}),
			okapi.DocResponse(http.StatusBadRequest, api.ErrorBody{}),
		)
		v1.Get("/executions/{id}", g.handleGetExecution,
			okapi.DocSummary("Get one journaled execution"),
			okapi.DocTags("History"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
			okapi.DocResponse(ExecutionEntry{}),
			okapi.DocResponse(http.StatusNotFound, api.ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// --- Execution Handlers ---

func (g *Gateway) handleRun(c *okapi.Context) error {
	var req api.RunRequest
	if err := c.BindJSON(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	return c.OK(g.service.Run(c.Context(), req))
}

func (g *Gateway) handleTests(c *okapi.Context) error {
	var req api.TestsRequest
	if err := c.BindJSON(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	return c.OK(g.service.Tests(c.Context(), req))
}

func (g *Gateway) handleLint(c *okapi.Context) error {
	var req api.LintRequest
	if err := c.BindJSON(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	return c.OK(g.service.Lint(c.Context(), req))
}

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	api.StatusResult
	Capabilities api.Capabilities `json:"capabilities"`
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(StatusResponse{
		StatusResult: g.service.Status(c.Context()),
		Capabilities: g.service.Capabilities(),
	})
}

// --- History Handlers ---

// ExecutionEntry is the JSON form of a journaled execution.
type ExecutionEntry struct {
	api.Result
	RequestKind string `json:"request_kind"`
	Command     string `json:"command,omitempty"`
}

func newExecutionEntry(e journal.Entry) ExecutionEntry {
	return ExecutionEntry{
		Result:      api.NewResult(e.ExecutionResult),
		RequestKind: e.RequestKind,
		Command:     e.Command,
	}
}

func (g *Gateway) handleListExecutions(c *okapi.Context) error {
	opts, err := parseListOptions(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	entries, err := g.journal.List(c.Context(), opts)
	if err != nil {
		g.logger.Error("listing executions", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list executions")
	}

	resp := make([]ExecutionEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, newExecutionEntry(e))
	}
	return c.OK(resp)
}

func (g *Gateway) handleGetExecution(c *okapi.Context) error {
	entry, err := g.journal.Get(c.Context(), c.Param("id"))
	if errors.Is(err, journal.ErrNotFound) {
		return c.JSON(http.StatusNotFound, api.ErrorBody{Error: "execution not found"})
	}
	if err != nil {
		g.logger.Error("getting execution", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to get execution")
	}
	return c.OK(newExecutionEntry(entry))
}

// parseListOptions reads limit, kind, and outcome from the query string.
func parseListOptions(q url.Values) (journal.ListOptions, error) {
	var opts journal.ListOptions

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, maxListLimit)
	}

	switch kind := q.Get("kind"); kind {
	case "", sandbox.RequestCommand, sandbox.RequestTests, sandbox.RequestLint:
		opts.RequestKind = kind
	default:
		return opts, fmt.Errorf("invalid kind %q", kind)
	}

	switch outcome := q.Get("outcome"); outcome {
	case "", "success", "failure":
		opts.Outcome = outcome
	default:
		return opts, fmt.Errorf("invalid outcome %q", outcome)
	}

	return opts, nil
}

// --- Health Handlers ---

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness check.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Middleware ---

// authenticate maps the bearer API key to a client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		client, err := authorize(c.Header("Authorization"), g.config.APIKeys)
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		c.Set(clientKey, client)
		return next(c)
	}
}

func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.limiter.Unlimited() {
			return next(c)
		}
		if wait, err := g.limiter.Allow(c.GetString(clientKey)); err != nil {
			c.SetHeader("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return c.JSON(http.StatusTooManyRequests, RateLimitedBody{
				Error:             err.Error(),
				RetryAfterSeconds: wait.Seconds(),
			})
		}
		return next(c)
	}
}

func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// RateLimitedBody is the 429 response.
type RateLimitedBody struct {
	Error             string  `json:"error"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

var (
	errMissingBearer = errors.New("missing or invalid Authorization header")
	errInvalidKey    = errors.New("invalid API key")
)

// authorize resolves an Authorization header against keys. With no keys
// configured every caller is the anonymous client.
func authorize(header string, keys map[string]string) (string, error) {
	if len(keys) == 0 {
		return anonymousClient, nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errMissingBearer
	}
	presented := []byte(strings.TrimPrefix(header, "Bearer "))

	client := ""
	// Every key is compared so timing does not depend on which one matched.
	for key, name := range keys {
		if subtle.ConstantTimeCompare(presented, []byte(key)) == 1 {
			client = name
		}
	}
	if client == "" {
		return "", errInvalidKey
	}
	return client, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
