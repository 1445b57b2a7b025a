package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	p, err := New(filepath.Join(t.TempDir(), "staging"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	root := filepath.Join(t.TempDir(), "staging")
	p, err := New(root, nil)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if p.Root != root {
		t.Errorf("Root = %q, want %q", p.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestStageWritesFiles(t *testing.T) {
	p := newProvisioner(t)

	h, err := p.Stage(map[string]string{
		"main.py":          "print('hi')",
		"pkg/util/help.py": "X = 1",
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer func() { _ = p.Dispose(h) }()

	if !strings.HasPrefix(h.ID, dirPrefix) {
		t.Errorf("ID = %q, want prefix %q", h.ID, dirPrefix)
	}
	if filepath.Dir(h.Dir) != p.Root {
		t.Errorf("Dir %q not directly under root %q", h.Dir, p.Root)
	}

	got, err := os.ReadFile(filepath.Join(h.Dir, "pkg", "util", "help.py"))
	if err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
	if string(got) != "X = 1" {
		t.Errorf("content = %q", got)
	}

	info, err := os.Stat(h.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o777 {
		t.Errorf("workspace permissions = %o, want 0777", perm)
	}
}

func TestStageEmpty(t *testing.T) {
	p := newProvisioner(t)
	h, err := p.Stage(nil)
	if err != nil {
		t.Fatalf("Stage(nil): %v", err)
	}
	defer func() { _ = p.Dispose(h) }()
	if !p.Exists(h) {
		t.Error("empty workspace should still exist")
	}
}

func TestStageRejectsEscapingPaths(t *testing.T) {
	tests := []string{"/etc/passwd", "../outside.txt", "a/../../b", "..", ""}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			p := newProvisioner(t)
			_, err := p.Stage(map[string]string{name: "x"})
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("Stage(%q) err = %v, want ErrInvalidPath", name, err)
			}
			entries, _ := os.ReadDir(p.Root)
			if len(entries) != 0 {
				t.Errorf("partial workspace left behind: %d entries", len(entries))
			}
		})
	}
}

func TestStageUniqueConcurrent(t *testing.T) {
	p := newProvisioner(t)

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dirs = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Stage(map[string]string{"f.txt": "x"})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			dirs[h.Dir] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(dirs) != n {
		t.Errorf("got %d distinct dirs, want %d", len(dirs), n)
	}
}

func TestDispose(t *testing.T) {
	p := newProvisioner(t)
	h, err := p.Stage(map[string]string{"a/b.txt": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Dispose(h); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if p.Exists(h) {
		t.Error("workspace still exists after Dispose")
	}
	// Second dispose and nil handle are no-ops.
	if err := p.Dispose(h); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
	if err := p.Dispose(nil); err != nil {
		t.Errorf("Dispose(nil): %v", err)
	}
}

func TestSweep(t *testing.T) {
	p := newProvisioner(t)
	start := time.Now()

	p.now = func() time.Time { return start.Add(-2 * time.Hour) }
	old, err := p.Stage(nil)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return start }
	fresh, err := p.Stage(nil)
	if err != nil {
		t.Fatal(err)
	}
	// Forget old as a crashed process would.
	p.mu.Lock()
	delete(p.live, old.ID)
	p.mu.Unlock()

	unrelated := filepath.Join(p.Root, "keep-me")
	if err := os.Mkdir(unrelated, 0o750); err != nil {
		t.Fatal(err)
	}
	malformed := filepath.Join(p.Root, dirPrefix+"nostamp")
	if err := os.Mkdir(malformed, 0o750); err != nil {
		t.Fatal(err)
	}
	past := start.Add(-2 * time.Hour)
	for _, d := range []string{unrelated, malformed} {
		if err := os.Chtimes(d, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := p.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != old.ID {
		t.Errorf("removed = %v, want [%s]", removed, old.ID)
	}
	if p.Exists(old) {
		t.Error("old workspace not removed")
	}
	if !p.Exists(fresh) {
		t.Error("fresh workspace removed")
	}
	for _, d := range []string{unrelated, malformed} {
		if _, err := os.Stat(d); err != nil {
			t.Errorf("%s removed", filepath.Base(d))
		}
	}
}

func TestSweepKeepsLiveWorkspace(t *testing.T) {
	p := newProvisioner(t)
	start := time.Now()

	p.now = func() time.Time { return start.Add(-20 * time.Minute) }
	h, err := p.Stage(map[string]string{"main.py": "print(1)"})
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return start }

	removed, err := p.Sweep(15 * time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 || !p.Exists(h) {
		t.Fatalf("live workspace swept: removed=%v", removed)
	}

	if err := p.Dispose(h); err != nil {
		t.Fatal(err)
	}
	if p.isLive(h.ID) {
		t.Error("disposed handle still tracked as live")
	}
}

func TestSweepIgnoresModTime(t *testing.T) {
	p := newProvisioner(t)
	h, err := p.Stage(nil)
	if err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	delete(p.live, h.ID)
	p.mu.Unlock()

	// An untouched directory keeps its old mtime; only the name dates it.
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(h.Dir, past, past); err != nil {
		t.Fatal(err)
	}
	removed, err := p.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(removed) != 0 || !p.Exists(h) {
		t.Errorf("workspace created just now was swept: %v", removed)
	}
}

func TestCreatedAt(t *testing.T) {
	tests := []struct {
		name string
		want int64
		ok   bool
	}{
		{"exec-1767268800-123456", 1767268800, true},
		{"exec-1767268800-", 1767268800, true},
		{"exec-123456", 0, false},
		{"exec-abc-123", 0, false},
		{"other-1767268800-1", 0, false},
	}
	for _, tt := range tests {
		got, ok := createdAt(tt.name)
		if ok != tt.ok || (ok && got.Unix() != tt.want) {
			t.Errorf("createdAt(%q) = %v, %v; want %d, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
