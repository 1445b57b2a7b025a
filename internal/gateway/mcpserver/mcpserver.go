// Package mcpserver exposes runbox as MCP (Model Context Protocol) tools so
// agents can run commands, tests, and linters in disposable sandboxes.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/runners"
)

// Tool names.
const (
	ToolRunCommand    = "run_command"
	ToolRunTests      = "run_tests"
	ToolRunLinter     = "run_linter"
	ToolRuntimeStatus = "runtime_status"
)

// Server serves runbox tools over MCP.
type Server struct {
	service *api.Service
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// New creates an MCP server with all runbox tools registered.
func New(svc *api.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: svc,
		logger:  logger,
		mcp: server.NewMCPServer("runbox", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.register()
	return s
}

// ServeStdio serves MCP over stdin/stdout until ctx is done or stdin closes.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(io.Discard, "", 0))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, stdin, stdout)
}

func (s *Server) register() {
	s.mcp.AddTool(mcp.NewTool(ToolRunCommand,
		mcp.WithDescription("Run a shell command in a fresh, network-isolated container. "+
			"Files are written into the working directory before the command starts; "+
			"the container and files are destroyed afterwards."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command, run with sh -c")),
		mcp.WithObject("files", mcp.Description("Relative path to file content"),
			mcp.AdditionalProperties(map[string]any{"type": "string"})),
		mcp.WithString("working_dir", mcp.Description("Working directory inside the container")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Deadline in seconds; 0 uses the server default")),
		mcp.WithObject("env", mcp.Description("Environment variables"),
			mcp.AdditionalProperties(map[string]any{"type": "string"})),
		mcp.WithArray("dependencies", mcp.Description("Packages installed before the command runs"),
			mcp.Items(map[string]any{"type": "string"})),
	), s.handleRunCommand)

	s.mcp.AddTool(mcp.NewTool(ToolRunTests,
		mcp.WithDescription("Run a test suite with the language's default test runner."),
		mcp.WithString("language", mcp.Required(), mcp.Enum(runners.Languages()...)),
		mcp.WithObject("test_files", mcp.Required(), mcp.Description("Relative path to test file content"),
			mcp.AdditionalProperties(map[string]any{"type": "string"})),
		mcp.WithObject("source_files", mcp.Description("Relative path to source file content"),
			mcp.AdditionalProperties(map[string]any{"type": "string"})),
		mcp.WithArray("dependencies", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("extra_args", mcp.Description("Arguments appended to the test command"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("timeout_seconds"),
		mcp.WithObject("env", mcp.AdditionalProperties(map[string]any{"type": "string"})),
	), s.handleRunTests)

	s.mcp.AddTool(mcp.NewTool(ToolRunLinter,
		mcp.WithDescription("Run a linter over the given files."),
		mcp.WithObject("files", mcp.Required(), mcp.Description("Relative path to file content"),
			mcp.AdditionalProperties(map[string]any{"type": "string"})),
		mcp.WithString("tool", mcp.Required(), mcp.Enum(runners.LintTools()...)),
		mcp.WithArray("tool_args", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("timeout_seconds"),
	), s.handleRunLinter)

	s.mcp.AddTool(mcp.NewTool(ToolRuntimeStatus,
		mcp.WithDescription("Report container runtime reachability, image presence, and sandbox limits."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleRuntimeStatus)
}

func (s *Server) handleRunCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var body api.RunRequest
	if err := req.BindArguments(&body); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	if body.Command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	return s.executionResult(ToolRunCommand, s.service.Run(ctx, body))
}

func (s *Server) handleRunTests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var body api.TestsRequest
	if err := req.BindArguments(&body); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	return s.executionResult(ToolRunTests, s.service.Tests(ctx, body))
}

func (s *Server) handleRunLinter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var body api.LintRequest
	if err := req.BindArguments(&body); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	return s.executionResult(ToolRunLinter, s.service.Lint(ctx, body))
}

func (s *Server) handleRuntimeStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.service.Status(ctx))
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// executionResult renders res as JSON text. Unsuccessful executions are
// flagged as tool errors so agents notice them.
func (s *Server) executionResult(tool string, res api.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("mcp tool finished",
		slog.String("tool", tool),
		slog.String("execution_id", res.ID),
		slog.Bool("success", res.Success),
	)
	out := mcp.NewToolResultText(string(data))
	out.IsError = !res.Success
	return out, nil
}
