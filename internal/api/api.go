// Package api holds the wire types shared by the HTTP, NATS, and MCP surfaces,
// and the Service they all call into.
package api

import (
	"time"

	"github.com/jkaninda/runbox/internal/runners"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// RunRequest is the body of a command execution.
type RunRequest struct {
	Command        string            `json:"command"`
	Files          map[string]string `json:"files,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"` // 0 = engine default
	Env            map[string]string `json:"env,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
}

// TestsRequest is the body of a test-suite execution.
type TestsRequest struct {
	Language       string            `json:"language"`
	TestFiles      map[string]string `json:"test_files"`
	SourceFiles    map[string]string `json:"source_files,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	ExtraArgs      []string          `json:"extra_args,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// LintRequest is the body of a lint execution.
type LintRequest struct {
	Files          map[string]string `json:"files"`
	Tool           string            `json:"tool"`
	ToolArgs       []string          `json:"tool_args,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
}

// Result is the wire form of sandbox.ExecutionResult.
type Result struct {
	ID          string    `json:"id,omitempty"`
	Success     bool      `json:"success"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitCode    int       `json:"exit_code"`
	DurationMS  int64     `json:"duration_ms"`
	ContainerID string    `json:"container_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	OOMKilled   bool      `json:"oom_killed,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// StatusResult is the wire form of sandbox.Status.
type StatusResult struct {
	Reachable             bool    `json:"reachable"`
	ImagePresent          bool    `json:"image_present"`
	Image                 string  `json:"image"`
	DefaultTimeoutSeconds float64 `json:"default_timeout_seconds"`
	MaxTimeoutSeconds     float64 `json:"max_timeout_seconds"`
	MemoryMB              int     `json:"memory_mb"`
	CPUCores              float64 `json:"cpu_cores"`
	PIDsLimit             int     `json:"pids_limit"`
	NetworkMode           string  `json:"network_mode"`
	WorkingDir            string  `json:"working_dir"`
	Error                 string  `json:"error,omitempty"`
}

// ErrorBody is the JSON error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Execution converts r to an engine request.
func (r RunRequest) Execution() sandbox.ExecutionRequest {
	return sandbox.ExecutionRequest{
		Command:      r.Command,
		Files:        r.Files,
		WorkingDir:   r.WorkingDir,
		Timeout:      seconds(r.TimeoutSeconds),
		Env:          r.Env,
		Dependencies: r.Dependencies,
	}
}

// Runner converts r to a runners.TestRequest.
func (r TestsRequest) Runner() runners.TestRequest {
	return runners.TestRequest{
		Language:     r.Language,
		TestFiles:    r.TestFiles,
		SourceFiles:  r.SourceFiles,
		Dependencies: r.Dependencies,
		ExtraArgs:    r.ExtraArgs,
		Timeout:      seconds(r.TimeoutSeconds),
		Env:          r.Env,
	}
}

// Runner converts r to a runners.LintRequest.
func (r LintRequest) Runner() runners.LintRequest {
	return runners.LintRequest{
		Files:    r.Files,
		Tool:     r.Tool,
		ToolArgs: r.ToolArgs,
		Timeout:  seconds(r.TimeoutSeconds),
	}
}

// NewResult converts an engine result to its wire form.
func NewResult(res sandbox.ExecutionResult) Result {
	return Result{
		ID:          res.ID,
		Success:     res.Success,
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		DurationMS:  res.Duration.Milliseconds(),
		ContainerID: res.ContainerID,
		Timestamp:   res.Timestamp,
		Kind:        string(res.Kind),
		Error:       res.Error,
		OOMKilled:   res.OOMKilled,
		Truncated:   res.Truncated,
	}
}

// NewStatusResult converts a status report to its wire form.
func NewStatusResult(st sandbox.Status) StatusResult {
	return StatusResult{
		Reachable:             st.Reachable,
		ImagePresent:          st.ImagePresent,
		Image:                 st.Config.Image,
		DefaultTimeoutSeconds: st.Config.DefaultTimeout.Seconds(),
		MaxTimeoutSeconds:     st.Config.MaxTimeout.Seconds(),
		MemoryMB:              st.Config.MemoryMB,
		CPUCores:              st.Config.CPUCores,
		PIDsLimit:             st.Config.PIDsLimit,
		NetworkMode:           st.Config.NetworkMode,
		WorkingDir:            st.Config.WorkingDir,
		Error:                 st.Error,
	}
}

// Ready reports whether executions can currently be launched.
func (s StatusResult) Ready() bool {
	return s.Reachable && s.ImagePresent
}

// seconds converts fractional seconds to a Duration. Negative values are kept
// so the engine can reject them.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
