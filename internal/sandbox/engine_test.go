package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/workspace"
)

type stateLog struct {
	mu     sync.Mutex
	states map[string][]State
}

func (s *stateLog) observe(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string][]State)
	}
	s.states[id] = append(s.states[id], st)
}

func (s *stateLog) of(id string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states[id]...)
}

type testEngine struct {
	*Engine
	rt     *fakeRuntime
	prov   *workspace.Provisioner
	states *stateLog
}

func newTestEngine(t *testing.T, rt *fakeRuntime, cfg RuntimeConfig) *testEngine {
	t.Helper()
	prov, err := workspace.New(filepath.Join(t.TempDir(), "staging"), nil)
	if err != nil {
		t.Fatal(err)
	}
	states := &stateLog{}
	eng, err := NewEngine(context.Background(), rt, prov, cfg, nil, WithStateObserver(states.observe))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEngine{Engine: eng, rt: rt, prov: prov, states: states}
}

// assertCleanedUp checks that no container and no workspace survive.
func (te *testEngine) assertCleanedUp(t *testing.T, res ExecutionResult) {
	t.Helper()
	if n := te.rt.live(); n != 0 {
		t.Errorf("%d containers still present", n)
	}
	entries, err := os.ReadDir(te.prov.Root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d workspaces still present", len(entries))
	}
	states := te.states.of(res.ID)
	if len(states) == 0 || states[len(states)-1] != StateCleanedUp {
		t.Errorf("states = %v, want terminal %s", states, StateCleanedUp)
	}
}

func TestNewEngine_UnreachableRuntime(t *testing.T) {
	rt := newFakeRuntime()
	rt.pingErr = errors.New("connection refused")
	prov, err := workspace.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewEngine(context.Background(), rt, prov, RuntimeConfig{}, nil)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if KindOf(err) != KindConfiguration {
		t.Errorf("kind = %q, want %q", KindOf(err), KindConfiguration)
	}
}

func TestRun_HappyPath(t *testing.T) {
	rt := newFakeRuntime()
	rt.stdout = "hi\n"
	te := newTestEngine(t, rt, RuntimeConfig{Image: "img:1"})

	res := te.Run(context.Background(), ExecutionRequest{Command: "echo hi"})

	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("result = %+v, want success", res)
	}
	if !strings.Contains(res.Stdout, "hi") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Error != "" || res.Kind != "" {
		t.Errorf("error = %q kind = %q, want empty", res.Error, res.Kind)
	}
	if res.ID == "" || res.ContainerID == "" || res.Timestamp.IsZero() {
		t.Errorf("identifiers missing: %+v", res)
	}

	want := []State{StatePending, StateStaged, StateRunning, StateCompleted, StateCleanedUp}
	if got := te.states.of(res.ID); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_ExitCodeFidelity(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 7
	rt.stderr = "boom"
	te := newTestEngine(t, rt, RuntimeConfig{})

	res := te.Run(context.Background(), ExecutionRequest{Command: "exit 7"})

	if res.Success {
		t.Fatal("success = true for exit 7")
	}
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
	if res.Kind != KindRuntimeExecution {
		t.Errorf("kind = %q, want %q", res.Kind, KindRuntimeExecution)
	}
	if res.Error != "" {
		t.Errorf("error = %q, want empty for a plain non-zero exit", res.Error)
	}
	if res.Stderr != "boom" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_Timeout(t *testing.T) {
	rt := newFakeRuntime()
	rt.hang = true
	rt.stdout = "partial"
	te := newTestEngine(t, rt, RuntimeConfig{})

	start := time.Now()
	res := te.Run(context.Background(), ExecutionRequest{Command: "sleep 100", Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Errorf("run took %s, want close to the 100ms timeout", elapsed)
	}
	if res.Success {
		t.Fatal("success = true after timeout")
	}
	if res.Kind != KindTimeout {
		t.Errorf("kind = %q, want %q", res.Kind, KindTimeout)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q, want timeout description", res.Error)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	if res.Stdout != "partial" {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
	if res.Duration < 100*time.Millisecond {
		t.Errorf("duration = %s, want >= timeout", res.Duration)
	}

	calls := strings.Join(rt.callLog(), ",")
	if !strings.Contains(calls, "kill") {
		t.Errorf("calls = %s, want a kill", calls)
	}
	states := te.states.of(res.ID)
	if len(states) < 2 || states[len(states)-2] != StateTimedOut {
		t.Errorf("states = %v, want timed_out before cleanup", states)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_CallerCancellation(t *testing.T) {
	rt := newFakeRuntime()
	rt.hang = true
	te := newTestEngine(t, rt, RuntimeConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := te.Run(ctx, ExecutionRequest{Command: "sleep 100", Timeout: 10 * time.Second})

	if res.Kind != KindUnexpected {
		t.Errorf("kind = %q, want %q", res.Kind, KindUnexpected)
	}
	if !strings.Contains(res.Error, "cancelled") {
		t.Errorf("error = %q", res.Error)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_LogsCapturedBeforeRemoval(t *testing.T) {
	for _, hang := range []bool{false, true} {
		rt := newFakeRuntime()
		rt.hang = hang
		te := newTestEngine(t, rt, RuntimeConfig{})

		te.Run(context.Background(), ExecutionRequest{Command: "true", Timeout: 50 * time.Millisecond})

		calls := rt.callLog()
		logsAt, removeAt := -1, -1
		for i, c := range calls {
			switch c {
			case "logs":
				logsAt = i
			case "remove":
				removeAt = i
			}
		}
		if logsAt < 0 || removeAt < 0 || logsAt > removeAt {
			t.Errorf("hang=%v calls = %v, want logs before remove", hang, calls)
		}
	}
}

func TestRun_ImageNotFound(t *testing.T) {
	rt := newFakeRuntime()
	rt.imagePresent = false
	te := newTestEngine(t, rt, RuntimeConfig{Image: "missing:latest"})

	st := te.Status(context.Background())
	if !st.Reachable || st.ImagePresent {
		t.Errorf("status = %+v, want reachable without image", st)
	}

	res := te.Run(context.Background(), ExecutionRequest{Command: "echo hi"})
	if res.Kind != KindImageNotFound {
		t.Fatalf("kind = %q, want %q", res.Kind, KindImageNotFound)
	}
	if !strings.Contains(res.Error, "missing:latest") {
		t.Errorf("error = %q, want image reference", res.Error)
	}
	states := te.states.of(res.ID)
	if len(states) < 2 || states[len(states)-2] != StateLaunchFailed {
		t.Errorf("states = %v, want launch_failed before cleanup", states)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_StartFailureRemovesContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("no space left on device")
	te := newTestEngine(t, rt, RuntimeConfig{})

	res := te.Run(context.Background(), ExecutionRequest{Command: "echo hi"})
	if res.Kind != KindUnexpected || res.Success {
		t.Fatalf("result = %+v", res)
	}
	te.assertCleanedUp(t, res)
}

func TestRun_CaptureFailure(t *testing.T) {
	for _, code := range []int{0, 7} {
		rt := newFakeRuntime()
		rt.exitCode = code
		rt.logsErr = errors.New("log driver unavailable")
		te := newTestEngine(t, rt, RuntimeConfig{})

		res := te.Run(context.Background(), ExecutionRequest{Command: "echo hi"})
		if res.Success || res.Kind != KindUnexpected || !strings.Contains(res.Error, "log driver") {
			t.Fatalf("exit %d: result = %+v, want unexpected failure", code, res)
		}
		if res.ExitCode != code {
			t.Errorf("exit code = %d, want the obtained %d", res.ExitCode, code)
		}
		te.assertCleanedUp(t, res)
	}
}

func TestRun_RemoveFailureKeepsResult(t *testing.T) {
	rt := newFakeRuntime()
	rt.removeErr = errors.New("daemon busy")
	rt.stdout = "ok"

	prov, err := workspace.New(filepath.Join(t.TempDir(), "staging"), nil)
	if err != nil {
		t.Fatal(err)
	}
	var failed []string
	eng, err := NewEngine(context.Background(), rt, prov, RuntimeConfig{}, nil,
		WithCleanupObserver(func(resource string, err error) { failed = append(failed, resource) }))
	if err != nil {
		t.Fatal(err)
	}

	res := eng.Run(context.Background(), ExecutionRequest{Command: "echo ok"})
	if !res.Success || res.Stdout != "ok" {
		t.Errorf("result overwritten by cleanup failure: %+v", res)
	}
	if len(failed) != 1 || failed[0] != "container" {
		t.Errorf("cleanup failures = %v", failed)
	}
	// The workspace is still disposed even though container removal failed.
	entries, _ := os.ReadDir(prov.Root)
	if len(entries) != 0 {
		t.Errorf("workspace left behind after container remove failure")
	}
}

func TestRun_OOMKilled(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 137
	rt.oomKilled = true
	te := newTestEngine(t, rt, RuntimeConfig{MemoryMB: 64})

	res := te.Run(context.Background(), ExecutionRequest{Command: "python -c 'x = bytearray(1 << 30)'"})
	if res.Success || res.ExitCode != 137 || !res.OOMKilled {
		t.Fatalf("result = %+v, want OOM-killed failure", res)
	}
	if res.Kind != KindRuntimeExecution {
		t.Errorf("kind = %q, want %q", res.Kind, KindRuntimeExecution)
	}
	if spec := rt.lastSpec(); spec.MemoryBytes != 64*1024*1024 {
		t.Errorf("memory = %d, want 64MiB", spec.MemoryBytes)
	}
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  ExecutionRequest
	}{
		{"empty command", ExecutionRequest{Command: "   "}},
		{"negative timeout", ExecutionRequest{Command: "ls", Timeout: -time.Second}},
		{"timeout above maximum", ExecutionRequest{Command: "ls", Timeout: 24 * time.Hour}},
		{"working dir outside mount", ExecutionRequest{Command: "ls", WorkingDir: "/etc"}},
		{"relative working dir", ExecutionRequest{Command: "ls", WorkingDir: "src"}},
		{"bad env key", ExecutionRequest{Command: "ls", Env: map[string]string{"A=B": "x"}}},
		{"escaping file", ExecutionRequest{Command: "ls", Files: map[string]string{"../x": "y"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt := newFakeRuntime()
			te := newTestEngine(t, rt, RuntimeConfig{})
			res := te.Run(context.Background(), tc.req)
			if res.Success || res.Kind != KindUnexpected || res.Error == "" {
				t.Fatalf("result = %+v, want unexpected failure", res)
			}
			for _, c := range rt.callLog() {
				if c == "create" {
					t.Error("container created for an invalid request")
				}
			}
			te.assertCleanedUp(t, res)
		})
	}
}

func TestRun_ContainerSpec(t *testing.T) {
	rt := newFakeRuntime()
	var staged map[string]string
	rt.onCreate = func(spec ContainerSpec) {
		staged = make(map[string]string)
		_ = filepath.Walk(spec.HostDir, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(spec.HostDir, p)
			data, _ := os.ReadFile(p)
			staged[filepath.ToSlash(rel)] = string(data)
			return nil
		})
	}
	te := newTestEngine(t, rt, RuntimeConfig{
		Image:    "py:3",
		CPUCores: 0.5,
	})

	te.Run(context.Background(), ExecutionRequest{
		Command:      "python main.py",
		Files:        map[string]string{"src/main.py": "print(1)"},
		WorkingDir:   "/workspace/src",
		Env:          map[string]string{"DEBUG": "1"},
		Dependencies: []string{"requests", "pytest==8.0"},
	})

	spec := rt.lastSpec()
	if spec.Image != "py:3" {
		t.Errorf("image = %q", spec.Image)
	}
	if spec.MountTarget != "/workspace" || spec.WorkingDir != "/workspace/src" {
		t.Errorf("mount = %q workdir = %q", spec.MountTarget, spec.WorkingDir)
	}
	if spec.NanoCPUs != 500_000_000 {
		t.Errorf("nano cpus = %d", spec.NanoCPUs)
	}
	if spec.NetworkMode != "bridge" {
		t.Errorf("network = %q, want install network when dependencies are present", spec.NetworkMode)
	}
	if spec.Env["DEBUG"] != "1" {
		t.Errorf("env = %v", spec.Env)
	}
	if spec.Labels[LabelManaged] != "true" || spec.Labels[LabelExecutionID] == "" {
		t.Errorf("labels = %v", spec.Labels)
	}
	wantScript := "cd '/workspace/src' && pip install --quiet --no-cache-dir -r requirements.txt && python main.py"
	if len(spec.Cmd) != 3 || spec.Cmd[0] != "sh" || spec.Cmd[2] != wantScript {
		t.Errorf("cmd = %q, want sh -c %q", spec.Cmd, wantScript)
	}
	if staged["src/main.py"] != "print(1)" {
		t.Errorf("staged files = %v", staged)
	}
	if staged["src/requirements.txt"] != "requests\npytest==8.0\n" {
		t.Errorf("manifest = %q", staged["src/requirements.txt"])
	}
}

func TestRun_NoNetworkWithoutDependencies(t *testing.T) {
	rt := newFakeRuntime()
	te := newTestEngine(t, rt, RuntimeConfig{})

	te.Run(context.Background(), ExecutionRequest{Command: "ls"})

	spec := rt.lastSpec()
	if spec.NetworkMode != "none" {
		t.Errorf("network = %q, want none", spec.NetworkMode)
	}
	if want := "cd '/workspace' && ls"; spec.Cmd[2] != want {
		t.Errorf("script = %q, want %q", spec.Cmd[2], want)
	}
}

func TestRun_NoLeakageBetweenRuns(t *testing.T) {
	rt := newFakeRuntime()
	var dirs []string
	var seen [][]string
	rt.onCreate = func(spec ContainerSpec) {
		dirs = append(dirs, spec.HostDir)
		entries, _ := os.ReadDir(spec.HostDir)
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		seen = append(seen, names)
		// Simulate the command writing an extra file into its workspace.
		_ = os.WriteFile(filepath.Join(spec.HostDir, "generated.txt"), []byte("x"), 0o644)
	}
	te := newTestEngine(t, rt, RuntimeConfig{})

	files := map[string]string{"a.txt": "same"}
	te.Run(context.Background(), ExecutionRequest{Command: "ls", Files: files})
	te.Run(context.Background(), ExecutionRequest{Command: "ls", Files: files})

	if len(dirs) != 2 || dirs[0] == dirs[1] {
		t.Fatalf("workspaces = %v, want two distinct", dirs)
	}
	for _, name := range seen[1] {
		if name == "generated.txt" {
			t.Error("file from the previous run leaked into the next")
		}
	}
}

func TestRun_Concurrent(t *testing.T) {
	rt := newFakeRuntime()
	te := newTestEngine(t, rt, RuntimeConfig{})

	const n = 10
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := te.Run(context.Background(), ExecutionRequest{Command: "true"})
			if !res.Success {
				t.Errorf("result = %+v", res)
			}
			ids <- res.ContainerID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("container %s shared between executions", id)
		}
		seen[id] = true
	}
	if rt.live() != 0 {
		t.Errorf("%d containers leaked", rt.live())
	}
}

func TestStatus_Unreachable(t *testing.T) {
	rt := newFakeRuntime()
	te := newTestEngine(t, rt, RuntimeConfig{Image: "img"})
	rt.pingErr = errors.New("daemon gone")

	st := te.Status(context.Background())
	if st.Reachable || st.ImagePresent {
		t.Errorf("status = %+v, want unreachable", st)
	}
	if st.Config.Image != "img" {
		t.Errorf("config image = %q", st.Config.Image)
	}
	for _, c := range rt.callLog() {
		if c == "create" {
			t.Error("status launched a container")
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	te := newTestEngine(t, newFakeRuntime(), RuntimeConfig{})
	cfg := te.Config()
	if cfg.DefaultTimeout != 30*time.Second || cfg.WorkingDir != "/workspace" || cfg.NetworkMode != "none" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.MaxTimeout != 10*time.Minute {
		t.Errorf("max timeout = %s, want 10m", cfg.MaxTimeout)
	}

	// The ceiling never sits below the default.
	te = newTestEngine(t, newFakeRuntime(), RuntimeConfig{DefaultTimeout: time.Hour, MaxTimeout: time.Minute})
	if got := te.Config().MaxTimeout; got != time.Hour {
		t.Errorf("max timeout = %s, want raised to the default", got)
	}
}

func TestRun_MaxTimeoutAccepted(t *testing.T) {
	te := newTestEngine(t, newFakeRuntime(), RuntimeConfig{MaxTimeout: time.Minute})
	if res := te.Run(context.Background(), ExecutionRequest{Command: "true", Timeout: time.Minute}); !res.Success {
		t.Fatalf("timeout at the ceiling rejected: %+v", res)
	}
}

func TestEngine_Active(t *testing.T) {
	rt := newFakeRuntime()
	te := newTestEngine(t, rt, RuntimeConfig{})

	var seen string
	rt.onCreate = func(spec ContainerSpec) {
		seen = spec.Labels[LabelExecutionID]
		if !te.Active(seen) {
			t.Errorf("execution %s not active while its container is created", seen)
		}
	}
	res := te.Run(context.Background(), ExecutionRequest{Command: "true"})
	if seen != res.ID {
		t.Fatalf("label execution id = %q, result id = %q", seen, res.ID)
	}
	if te.Active(res.ID) {
		t.Error("execution still active after Run returned")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
