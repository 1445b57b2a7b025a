// Package runners builds test and lint executions on top of a sandbox.Executor.
// Runners only compose requests; they never reinterpret results. A non-zero exit
// from a linter means "issues found" and is returned as such.
package runners

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// TestRequest describes a test-suite execution.
type TestRequest struct {
	Language     string
	TestFiles    map[string]string
	SourceFiles  map[string]string
	Dependencies []string
	ExtraArgs    []string
	Timeout      time.Duration
	Env          map[string]string
}

// LintRequest describes a lint execution.
type LintRequest struct {
	Files    map[string]string
	Tool     string
	ToolArgs []string
	Timeout  time.Duration
}

type language struct {
	testCommand string
	// testExt is appended to test file names given without an extension.
	testExt string
	// deps are always installed for this language, ahead of caller dependencies.
	deps []string
}

var languages = map[string]language{
	"python":     {testCommand: "python -m pytest -q", testExt: ".py", deps: []string{"pytest"}},
	"javascript": {testCommand: "npx --yes jest --ci", testExt: ".test.js"},
	"typescript": {testCommand: "npx --yes jest --ci", testExt: ".test.ts"},
	"go":         {testCommand: "go test ./...", testExt: "_test.go"},
	"rust":       {testCommand: "cargo test --quiet"},
}

// lintTools maps a tool name to its invocation. Files are appended unless
// the tool lints the whole tree.
var lintTools = map[string]struct {
	command   string
	wholeTree bool
}{
	"ruff":          {command: "ruff check"},
	"flake8":        {command: "flake8"},
	"pylint":        {command: "pylint"},
	"black":         {command: "black --check --diff"},
	"mypy":          {command: "mypy"},
	"eslint":        {command: "npx --yes eslint"},
	"golangci-lint": {command: "golangci-lint run", wholeTree: true},
	"gofmt":         {command: "gofmt -l"},
	"shellcheck":    {command: "shellcheck"},
}

// Languages returns the supported test languages in sorted order.
func Languages() []string {
	return sortedKeys(languages)
}

// LintTools returns the supported lint tools in sorted order.
func LintTools() []string {
	return sortedKeys(lintTools)
}

// Runner composes language-specific executions.
type Runner struct {
	exec sandbox.Executor
}

// New creates a Runner that delegates to exec.
func New(exec sandbox.Executor) *Runner {
	return &Runner{exec: exec}
}

// RunTests merges source and test files and runs the language's test command.
// Unsupported languages yield a failed result without launching anything.
func (r *Runner) RunTests(ctx context.Context, req TestRequest) sandbox.ExecutionResult {
	execReq, err := BuildTestRequest(req)
	if err != nil {
		return rejected(err)
	}
	return r.exec.Run(ctx, execReq)
}

// RunLinter runs a lint tool over files.
func (r *Runner) RunLinter(ctx context.Context, req LintRequest) sandbox.ExecutionResult {
	execReq, err := BuildLintRequest(req)
	if err != nil {
		return rejected(err)
	}
	return r.exec.Run(ctx, execReq)
}

// BuildTestRequest composes the execution request for a test run.
func BuildTestRequest(req TestRequest) (sandbox.ExecutionRequest, error) {
	lang, ok := languages[strings.ToLower(req.Language)]
	if !ok {
		return sandbox.ExecutionRequest{}, fmt.Errorf("unsupported language %q (supported: %s)",
			req.Language, strings.Join(Languages(), ", "))
	}
	if len(req.TestFiles) == 0 {
		return sandbox.ExecutionRequest{}, fmt.Errorf("no test files given")
	}

	files := make(map[string]string, len(req.SourceFiles)+len(req.TestFiles))
	for name, content := range req.SourceFiles {
		files[name] = content
	}
	// Test files win on a name clash.
	for name, content := range req.TestFiles {
		if lang.testExt != "" && path.Ext(name) == "" {
			name += lang.testExt
		}
		files[name] = content
	}

	var deps []string
	if len(req.Dependencies) > 0 {
		deps = append(deps, lang.deps...)
		deps = append(deps, req.Dependencies...)
	}

	return sandbox.ExecutionRequest{
		Command:      joinCommand(lang.testCommand, req.ExtraArgs),
		Files:        files,
		Timeout:      req.Timeout,
		Env:          req.Env,
		Dependencies: deps,
	}, nil
}

// BuildLintRequest composes the execution request for a lint run.
func BuildLintRequest(req LintRequest) (sandbox.ExecutionRequest, error) {
	tool, ok := lintTools[strings.ToLower(req.Tool)]
	if !ok {
		return sandbox.ExecutionRequest{}, fmt.Errorf("unsupported lint tool %q (supported: %s)",
			req.Tool, strings.Join(LintTools(), ", "))
	}
	if len(req.Files) == 0 {
		return sandbox.ExecutionRequest{}, fmt.Errorf("no files to lint")
	}

	cmd := joinCommand(tool.command, req.ToolArgs)
	if !tool.wholeTree {
		cmd = joinCommand(cmd, sortedKeys(req.Files))
	}
	return sandbox.ExecutionRequest{
		Command: cmd,
		Files:   req.Files,
		Timeout: req.Timeout,
	}, nil
}

// joinCommand appends shell-quoted args to a base command.
func joinCommand(base string, args []string) string {
	if len(args) == 0 {
		return base
	}
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, quoteArg(a))
	}
	return base + " " + strings.Join(quoted, " ")
}

// CommandLine joins argv into one sh command line, quoting each word as needed.
func CommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

// quoteArg leaves plain words as they are and single-quotes anything else.
func quoteArg(a string) string {
	if a != "" && strings.IndexFunc(a, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@+", r))
	}) < 0 {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
}

// rejected mirrors the engine's result for a request that never launched.
func rejected(err error) sandbox.ExecutionResult {
	now := time.Now()
	return sandbox.ExecutionResult{
		Success:   false,
		ExitCode:  -1,
		Timestamp: now,
		Kind:      sandbox.KindUnexpected,
		Error:     err.Error(),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
