// Package sandbox runs untrusted, caller-supplied commands inside disposable,
// resource-bounded containers. Every execution gets its own staged workspace and
// its own container, and both are removed before Run returns, whatever the outcome.
package sandbox

import (
	"context"
	"time"
)

// Executor runs execution requests. Engine is the base implementation; the
// observability and journal packages decorate it.
type Executor interface {
	// Run never returns an error: every failure is reported inside the result.
	Run(ctx context.Context, req ExecutionRequest) ExecutionResult
	// Status reports backend reachability without launching anything.
	Status(ctx context.Context) Status
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is a shell command line, run with sh -c.
	Command string

	// Files maps slash-separated relative paths to contents. They are staged
	// into the workspace mounted at the configured working directory.
	Files map[string]string

	// WorkingDir is the directory the command starts in. It must lie inside the
	// workspace mount. Empty = the mount point itself.
	WorkingDir string

	// Timeout overrides the default deadline. Zero = use the configured default.
	Timeout time.Duration

	// Env adds environment variables to the container.
	Env map[string]string

	// Dependencies are packages installed, in order, before the command runs.
	Dependencies []string
}

// ExecutionResult is the uniform record of one execution.
type ExecutionResult struct {
	ID          string        `json:"id"`
	Success     bool          `json:"success"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	ContainerID string        `json:"container_id,omitempty"` // Diagnostic only; the container no longer exists.
	Timestamp   time.Time     `json:"timestamp"`

	// Kind is empty on success and names the failure category otherwise.
	Kind ErrorKind `json:"kind,omitempty"`
	// Error describes failures that happened outside normal process exit
	// (launch, timeout, internal fault). Empty for a plain non-zero exit.
	Error string `json:"error,omitempty"`

	OOMKilled bool `json:"oom_killed,omitempty"`
	Truncated bool `json:"truncated,omitempty"` // stdout or stderr hit the output cap.
}

// RuntimeConfig is the process-wide execution configuration. It is fixed when
// the engine is constructed.
type RuntimeConfig struct {
	Image          string        `json:"image"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxTimeout     time.Duration `json:"max_timeout"` // Ceiling on per-request timeouts.
	MemoryMB       int           `json:"memory_mb"`
	CPUCores       float64       `json:"cpu_cores"`
	PIDsLimit      int           `json:"pids_limit"`
	NetworkMode    string        `json:"network_mode"`
	InstallNetwork string        `json:"install_network"` // Whole execution runs here when dependencies are declared. Default "bridge" has full egress.
	WorkingDir     string        `json:"working_dir"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	ManifestFile   string        `json:"manifest_file"`
	InstallCommand string        `json:"install_command"`
	User           string        `json:"user,omitempty"` // Empty = the image's default user.
}

// Status reports whether the backend is reachable and the image present.
type Status struct {
	Reachable    bool          `json:"reachable"`
	ImagePresent bool          `json:"image_present"`
	Config       RuntimeConfig `json:"config"`
	Error        string        `json:"error,omitempty"`
}

// State is a step in the lifecycle of one execution.
type State string

const (
	StatePending      State = "pending"
	StateStaged       State = "staged"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateLaunchFailed State = "launch_failed"
	StateCleanedUp    State = "cleaned_up"
)

const (
	defaultImage          = "runbox-exec:latest"
	defaultTimeout        = 30 * time.Second
	defaultMaxTimeout     = 10 * time.Minute
	defaultMemoryMB       = 512
	defaultCPUCores       = 1.0
	defaultPIDsLimit      = 256
	defaultWorkingDir     = "/workspace"
	defaultManifestFile   = "requirements.txt"
	defaultMaxOutputBytes = 1 << 20
)

// withDefaults fills zero values.
func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = defaultMaxTimeout
	}
	if c.MaxTimeout < c.DefaultTimeout {
		c.MaxTimeout = c.DefaultTimeout
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUCores <= 0 {
		c.CPUCores = defaultCPUCores
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = defaultPIDsLimit
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "none"
	}
	if c.InstallNetwork == "" {
		c.InstallNetwork = "bridge"
	}
	if c.WorkingDir == "" {
		c.WorkingDir = defaultWorkingDir
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = defaultMaxOutputBytes
	}
	if c.ManifestFile == "" {
		c.ManifestFile = defaultManifestFile
	}
	if c.InstallCommand == "" {
		c.InstallCommand = "pip install --quiet --no-cache-dir -r " + c.ManifestFile
	}
	return c
}
