package api

import (
	"context"
	"log/slog"

	"github.com/jkaninda/runbox/internal/runners"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// Service is the transport-independent entry point used by every surface.
type Service struct {
	exec   sandbox.Executor
	runner *runners.Runner
	logger *slog.Logger
}

// NewService creates a Service over exec.
func NewService(exec sandbox.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{exec: exec, runner: runners.New(exec), logger: logger}
}

// Run executes a command.
func (s *Service) Run(ctx context.Context, req RunRequest) Result {
	ctx = sandbox.WithRequestKind(ctx, sandbox.RequestCommand)
	return NewResult(s.exec.Run(ctx, req.Execution()))
}

// Tests runs a test suite.
func (s *Service) Tests(ctx context.Context, req TestsRequest) Result {
	ctx = sandbox.WithRequestKind(ctx, sandbox.RequestTests)
	res := s.runner.RunTests(ctx, req.Runner())
	if res.ID == "" && res.Error != "" {
		s.logger.Debug("test request rejected", slog.String("error", res.Error))
	}
	return NewResult(res)
}

// Lint runs a linter.
func (s *Service) Lint(ctx context.Context, req LintRequest) Result {
	ctx = sandbox.WithRequestKind(ctx, sandbox.RequestLint)
	res := s.runner.RunLinter(ctx, req.Runner())
	if res.ID == "" && res.Error != "" {
		s.logger.Debug("lint request rejected", slog.String("error", res.Error))
	}
	return NewResult(res)
}

// Status checks the backend.
func (s *Service) Status(ctx context.Context) StatusResult {
	return NewStatusResult(s.exec.Status(ctx))
}

// Capabilities lists what the runners support.
type Capabilities struct {
	Languages []string `json:"languages"`
	LintTools []string `json:"lint_tools"`
}

// Capabilities returns the supported test languages and lint tools.
func (s *Service) Capabilities() Capabilities {
	return Capabilities{Languages: runners.Languages(), LintTools: runners.LintTools()}
}
