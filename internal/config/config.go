// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Workspace     WorkspaceConfig      `json:"workspace" yaml:"workspace"`
	Journal       *JournalConfig       `json:"journal,omitempty" yaml:"journal,omitempty"`             // nil = journal disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	NATS          *NATSConfig          `json:"nats,omitempty" yaml:"nats,omitempty"`       // nil = NATS listener disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"` // nil = defaults (enabled)
}

// RuntimeConfig describes the isolated environment every execution is launched in.
type RuntimeConfig struct {
	Image                 string  `json:"image" yaml:"image"`
	DefaultTimeoutSeconds int     `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 30
	MaxTimeoutSeconds     int     `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`         // Ceiling on per-request timeouts. Default: 600
	MemoryMB              int     `json:"memory_mb" yaml:"memory_mb"`                             // Default: 512
	CPUCores              float64 `json:"cpu_cores" yaml:"cpu_cores"`                             // Default: 1.0
	PIDsLimit             int     `json:"pids_limit" yaml:"pids_limit"`                           // Default: 256
	NetworkMode           string  `json:"network_mode" yaml:"network_mode"`                       // Default: "none"
	// InstallNetwork replaces NetworkMode for executions that declare dependencies.
	// The install step and the command share one container, so the command runs
	// on this network too. The default "bridge" grants full outbound access; point
	// it at a network that only reaches a package mirror to restrict that.
	InstallNetwork        string  `json:"install_network" yaml:"install_network"`                 // Default: "bridge"
	WorkingDir            string  `json:"working_dir" yaml:"working_dir"`                         // Default: "/workspace"
	DockerHost            string  `json:"docker_host,omitempty" yaml:"docker_host,omitempty"`     // Empty = DOCKER_HOST or the default socket.
	MaxOutputBytes        int     `json:"max_output_bytes" yaml:"max_output_bytes"`               // Per stream. Default: 1 MiB
	ManifestFile          string  `json:"manifest_file" yaml:"manifest_file"`                     // Default: "requirements.txt"
	InstallCommand        string  `json:"install_command" yaml:"install_command"`
	User                  string  `json:"user,omitempty" yaml:"user,omitempty"` // uid[:gid] inside the container. Empty = image default.
}

// DefaultTimeout returns the default execution deadline.
func (r RuntimeConfig) DefaultTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutSeconds) * time.Second
}

// MaxTimeout returns the longest deadline a request may ask for.
func (r RuntimeConfig) MaxTimeout() time.Duration {
	return time.Duration(r.MaxTimeoutSeconds) * time.Second
}

// lifecycleOverheadSeconds bounds what an execution spends outside its deadline:
// staging, create, start, kill, log capture and removal.
const lifecycleOverheadSeconds = 60

// WorkspaceConfig controls where execution workspaces are staged on the host.
type WorkspaceConfig struct {
	StagingRoot string `json:"staging_root,omitempty" yaml:"staging_root,omitempty"` // Default: $TMPDIR/runbox
}

// JournalConfig configures the persistent execution journal.
type JournalConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Driver         string `json:"driver" yaml:"driver"`                               // "sqlite" (default) or "postgres".
	Path           string `json:"path,omitempty" yaml:"path,omitempty"`               // SQLite file. Default: ~/.runbox/journal.db
	DSN            string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                 // PostgreSQL DSN.
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`             // Default: 168
	MaxOpenConns   int    `json:"max_open_conns,omitempty" yaml:"max_open_conns"`     // Default: 10
}

// JournalDriver returns the configured driver, defaulting to "sqlite".
func (j *JournalConfig) JournalDriver() string {
	if j != nil && j.Driver != "" {
		return j.Driver
	}
	return "sqlite"
}

// Retention returns how long journal entries are kept.
func (j *JournalConfig) Retention() time.Duration {
	if j == nil || j.RetentionHours <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(j.RetentionHours) * time.Hour
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures threshold-based anomaly detection over execution outcomes.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // e.g. 0.5 = half of executions faulting
	TimeoutRateThreshold float64 `json:"timeout_rate_threshold" yaml:"timeout_rate_threshold"`
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"` // Sliding window. Default: 300
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"`               // Default: "127.0.0.1:8088"
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // key -> client name; empty = no auth
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	RateLimit  RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	Burst             int `json:"burst" yaml:"burst"`
}

// NATSConfig configures the request/reply listener.
type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`         // Default: nats://127.0.0.1:4222
	Subject string `json:"subject" yaml:"subject"` // Default: "runbox.execute"
	Queue   string `json:"queue" yaml:"queue"`     // Default: "runbox"
}

// JanitorConfig configures the periodic reaper of orphaned containers and workspaces.
type JanitorConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule"`               // Cron spec. Default: "@every 5m"
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // Default: 900
}

// MaxAge returns the age after which a managed resource counts as orphaned.
func (j *JanitorConfig) MaxAge() time.Duration {
	return time.Duration(j.MaxAgeSeconds) * time.Second
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "runbox.yaml"
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path tries RUNBOX_CONFIG, ./runbox.yaml and the default path in turn; when
// none exists the built-in defaults are used. Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	resolved, err := findConfig(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// findConfig resolves the file to load. An explicit path must exist.
func findConfig(path string) (string, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("RUNBOX_CONFIG")
		explicit = path != ""
	}
	if explicit {
		resolved, err := resolvePath(path)
		if err != nil {
			return "", fmt.Errorf("resolving config path %s: %w", path, err)
		}
		return resolved, nil
	}
	for _, candidate := range []string{"runbox.yaml", "runbox.yml", DefaultConfigPath()} {
		resolved, err := resolvePath(candidate)
		if err != nil {
			continue
		}
		if _, err := os.Stat(resolved); err == nil {
			return resolved, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking config %s: %w", resolved, err)
		}
	}
	return "", nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) applyEnv() {
	// Set-but-empty variables keep the file value.
	for _, o := range []struct {
		key string
		dst *string
	}{
		{"RUNBOX_IMAGE", &c.Runtime.Image},
		{"RUNBOX_DOCKER_HOST", &c.Runtime.DockerHost},
		{"RUNBOX_STAGING_ROOT", &c.Workspace.StagingRoot},
		{"RUNBOX_LISTEN_ADDR", &c.HTTP.ListenAddr},
	} {
		if v := goutils.Env(o.key, ""); v != "" {
			*o.dst = v
		}
	}

	if dsn := os.Getenv("RUNBOX_DB_DSN"); dsn != "" {
		if c.Journal == nil {
			c.Journal = &JournalConfig{Enabled: true}
		}
		c.Journal.Driver = "postgres"
		c.Journal.DSN = dsn
	}
	if url := os.Getenv("RUNBOX_NATS_URL"); url != "" {
		if c.NATS == nil {
			c.NATS = &NATSConfig{Enabled: true}
		}
		c.NATS.URL = url
	}
	if key := os.Getenv("RUNBOX_API_KEY"); key != "" {
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[key] = "default"
	}
}

func (c *Config) applyDefaults() {
	r := &c.Runtime
	if r.Image == "" {
		r.Image = "runbox-exec:latest"
	}
	if r.DefaultTimeoutSeconds == 0 {
		r.DefaultTimeoutSeconds = 30
	}
	if r.MaxTimeoutSeconds == 0 {
		r.MaxTimeoutSeconds = max(600, r.DefaultTimeoutSeconds)
	}
	if r.MemoryMB == 0 {
		r.MemoryMB = 512
	}
	if r.CPUCores == 0 {
		r.CPUCores = 1.0
	}
	if r.PIDsLimit == 0 {
		r.PIDsLimit = 256
	}
	if r.NetworkMode == "" {
		r.NetworkMode = "none"
	}
	if r.InstallNetwork == "" {
		r.InstallNetwork = "bridge"
	}
	if r.WorkingDir == "" {
		r.WorkingDir = "/workspace"
	}
	if r.MaxOutputBytes == 0 {
		r.MaxOutputBytes = 1 << 20
	}
	if r.ManifestFile == "" {
		r.ManifestFile = "requirements.txt"
	}
	if r.InstallCommand == "" {
		r.InstallCommand = "pip install --quiet --no-cache-dir -r " + r.ManifestFile
	}

	if c.Workspace.StagingRoot == "" {
		c.Workspace.StagingRoot = filepath.Join(os.TempDir(), "runbox")
	}

	if c.Journal != nil {
		if c.Journal.Driver == "" {
			c.Journal.Driver = "sqlite"
		}
		if c.Journal.Path == "" {
			if home, err := os.UserHomeDir(); err == nil {
				c.Journal.Path = filepath.Join(home, ".runbox", "journal.db")
			} else {
				c.Journal.Path = "journal.db"
			}
		}
		if c.Journal.MaxOpenConns == 0 {
			c.Journal.MaxOpenConns = 10
		}
	}

	if c.Observability != nil {
		if c.Observability.Metrics != nil && c.Observability.Metrics.Path == "" {
			c.Observability.Metrics.Path = "/metrics"
		}
		if t := c.Observability.Tracing; t != nil {
			if t.Protocol == "" {
				t.Protocol = "grpc"
			}
			if t.ServiceName == "" {
				t.ServiceName = "runbox"
			}
			if t.SampleRate == 0 {
				t.SampleRate = 1.0
			}
		}
		if a := c.Observability.Anomaly; a != nil && a.WindowSeconds == 0 {
			a.WindowSeconds = 300
		}
	}

	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = "127.0.0.1:8088"
	}

	if c.NATS != nil {
		if c.NATS.URL == "" {
			c.NATS.URL = "nats://127.0.0.1:4222"
		}
		if c.NATS.Subject == "" {
			c.NATS.Subject = "runbox.execute"
		}
		if c.NATS.Queue == "" {
			c.NATS.Queue = "runbox"
		}
	}

	if c.Janitor == nil {
		c.Janitor = &JanitorConfig{Enabled: true}
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 5m"
	}
	if c.Janitor.MaxAgeSeconds == 0 {
		c.Janitor.MaxAgeSeconds = 900
	}
}

func (c *Config) validate() error {
	r := c.Runtime
	if strings.TrimSpace(r.Image) == "" {
		return fmt.Errorf("runtime.image is required")
	}
	if r.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("runtime.default_timeout_seconds must not be negative")
	}
	if r.MaxTimeoutSeconds < r.DefaultTimeoutSeconds {
		return fmt.Errorf("runtime.max_timeout_seconds (%d) must not be below runtime.default_timeout_seconds (%d)",
			r.MaxTimeoutSeconds, r.DefaultTimeoutSeconds)
	}
	if r.MemoryMB < 0 {
		return fmt.Errorf("runtime.memory_mb must not be negative")
	}
	if r.CPUCores < 0 {
		return fmt.Errorf("runtime.cpu_cores must not be negative")
	}
	if r.PIDsLimit < 0 {
		return fmt.Errorf("runtime.pids_limit must not be negative")
	}
	if r.MaxOutputBytes < 0 {
		return fmt.Errorf("runtime.max_output_bytes must not be negative")
	}
	if !strings.HasPrefix(r.WorkingDir, "/") {
		return fmt.Errorf("runtime.working_dir %q must be an absolute container path", r.WorkingDir)
	}
	if strings.ContainsAny(r.ManifestFile, `/\`) {
		return fmt.Errorf("runtime.manifest_file %q must be a bare file name", r.ManifestFile)
	}
	if c.Journal != nil && c.Journal.Enabled {
		switch c.Journal.Driver {
		case "sqlite":
		case "postgres":
			if c.Journal.DSN == "" {
				return fmt.Errorf("journal.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("journal.driver %q is not supported (use sqlite or postgres)", c.Journal.Driver)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
		if rate := c.Observability.Tracing.SampleRate; rate < 0 || rate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.Burst < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if c.Janitor != nil && c.Janitor.MaxAgeSeconds < 0 {
		return fmt.Errorf("janitor.max_age_seconds must not be negative")
	}
	// A live execution must never look orphaned.
	if c.Janitor != nil && c.Janitor.Enabled && c.Janitor.MaxAgeSeconds <= r.MaxTimeoutSeconds+lifecycleOverheadSeconds {
		return fmt.Errorf("janitor.max_age_seconds (%d) must exceed runtime.max_timeout_seconds (%d) plus %ds of lifecycle overhead",
			c.Janitor.MaxAgeSeconds, r.MaxTimeoutSeconds, lifecycleOverheadSeconds)
	}
	return nil
}
