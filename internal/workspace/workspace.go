// Package workspace stages caller-supplied files into ephemeral, single-use
// host directories that are bind-mounted into execution containers.
//
// Every staged directory lives directly under one staging root and is named
// "exec-<unix seconds>-<random>". The prefix lets the janitor recognise
// leftovers after a crash and the timestamp dates them; directory mtimes only
// move when entries are added, so they are not used.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dirPrefix marks directories created by Stage.
const dirPrefix = "exec-"

// ErrInvalidPath is returned when a file path would escape the workspace.
var ErrInvalidPath = errors.New("invalid workspace path")

// Handle identifies one staged workspace.
type Handle struct {
	ID  string // Base name of the directory, unique per stage call.
	Dir string // Absolute host path.
}

// Provisioner creates and disposes staged workspaces under a single root.
type Provisioner struct {
	Root string

	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]struct{} // Handles staged and not yet disposed by this process.
}

// New creates a Provisioner rooted at the given path.
// It resolves ~ to the user's home directory and creates the root if missing.
func New(root string, logger *slog.Logger) (*Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving staging root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	return &Provisioner{
		Root:   resolved,
		logger: logger,
		now:    time.Now,
		live:   make(map[string]struct{}),
	}, nil
}

// Stage creates a private directory and writes every file into it, creating
// parent directories as needed. File keys are slash-separated relative paths.
// On any error the partially staged directory is removed before returning.
func (p *Provisioner) Stage(files map[string]string) (*Handle, error) {
	stamp := strconv.FormatInt(p.now().Unix(), 10)
	dir, err := os.MkdirTemp(p.Root, dirPrefix+stamp+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	// The container user is not the host user; the mount must be writable to it.
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("setting workspace permissions: %w", err)
	}

	h := &Handle{ID: filepath.Base(dir), Dir: dir}
	for name, content := range files {
		if err := p.writeFile(h, name, content); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
	}
	p.mu.Lock()
	p.live[h.ID] = struct{}{}
	p.mu.Unlock()
	return h, nil
}

// WriteFile adds a single file to an already staged workspace.
func (p *Provisioner) WriteFile(h *Handle, name, content string) error {
	return p.writeFile(h, name, content)
}

func (p *Provisioner) writeFile(h *Handle, name, content string) error {
	rel, err := cleanRelative(name)
	if err != nil {
		return err
	}
	target := filepath.Join(h.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return fmt.Errorf("creating parent of %s: %w", name, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o666); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Dispose removes the staged directory. A directory that is already gone is
// not an error. Callers log the failure rather than propagate it, so a cleanup
// problem never masks an execution result.
func (p *Provisioner) Dispose(h *Handle) error {
	if h == nil || h.Dir == "" {
		return nil
	}
	p.mu.Lock()
	delete(p.live, h.ID)
	p.mu.Unlock()
	if err := os.RemoveAll(h.Dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing workspace %s: %w", h.ID, err)
	}
	return nil
}

// Exists reports whether the handle's directory is still present.
func (p *Provisioner) Exists(h *Handle) bool {
	_, err := os.Stat(h.Dir)
	return err == nil
}

// Sweep removes staged directories created more than maxAge ago and returns the
// names removed. Entries without the workspace prefix or a parseable creation
// time are left alone, as are workspaces this Provisioner has not yet disposed.
func (p *Provisioner) Sweep(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading staging root: %w", err)
	}
	cutoff := p.now().Add(-maxAge)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		created, ok := createdAt(entry.Name())
		if !ok || created.After(cutoff) || p.isLive(entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.Root, entry.Name())); err != nil {
			p.logger.Warn("workspace sweep failed",
				slog.String("workspace", entry.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

func (p *Provisioner) isLive(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[id]
	return ok
}

// createdAt parses the creation time out of a workspace directory name.
func createdAt(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(rest, "-")
	if !ok {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// cleanRelative validates a caller-supplied path and converts it to a host-relative one.
func cleanRelative(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty file name", ErrInvalidPath)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the workspace", ErrInvalidPath, name)
	}
	return clean, nil
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
