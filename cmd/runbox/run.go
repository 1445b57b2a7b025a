package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/runners"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// exitTimeout is the process exit code after a timed-out execution, as timeout(1) uses.
const exitTimeout = 124

var runFlags struct {
	files      []string
	env        []string
	deps       []string
	timeout    time.Duration
	workingDir string
	jsonOutput bool
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Run one command in a disposable sandbox",
	Example: `  runbox run -- python -c 'print(42)'
  runbox run --file ./main.py --dep requests -- python main.py
  runbox run --file ./data.csv=input/data.csv --timeout 10s -- wc -l input/data.csv`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVar(&runFlags.files, "file", nil, "stage a local file: path[=dest] (repeatable)")
	f.StringArrayVar(&runFlags.env, "env", nil, "environment variable K=V (repeatable)")
	f.StringArrayVar(&runFlags.deps, "dep", nil, "package to install before running (repeatable)")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "execution deadline (default: runtime.default_timeout_seconds)")
	f.StringVar(&runFlags.workingDir, "workdir", "", "working directory inside the container")
	f.BoolVar(&runFlags.jsonOutput, "json", false, "print the result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	files, err := readFiles(runFlags.files)
	if err != nil {
		return err
	}
	env, err := parseEnv(runFlags.env)
	if err != nil {
		return err
	}

	cfg, logger, err := setup(cmd, "warn")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	res := sc.Service.Run(ctx, api.RunRequest{
		Command:        commandLine(args),
		Files:          files,
		WorkingDir:     runFlags.workingDir,
		TimeoutSeconds: runFlags.timeout.Seconds(),
		Env:            env,
		Dependencies:   runFlags.deps,
	})

	if runFlags.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(os.Stdout, os.Stderr, res)
	}

	if code := exitCode(res); code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

// commandLine turns the arguments after "--" into a shell line. A single argument
// is taken as a full shell line; several are quoted word by word so the shell
// sees the same argv the caller typed.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return runners.CommandLine(args)
}

// printResult copies the captured streams through and writes a summary line to errw.
func printResult(out, errw io.Writer, res api.Result) {
	io.WriteString(out, res.Stdout)
	io.WriteString(errw, res.Stderr)

	dur := (time.Duration(res.DurationMS) * time.Millisecond).String()
	id := color.New(color.Faint).Sprint(res.ID)

	switch {
	case res.Success:
		fmt.Fprintf(errw, "%s in %s %s\n", color.GreenString("ok"), dur, id)
	case res.Kind == string(sandbox.KindRuntimeExecution) && res.Error == "":
		fmt.Fprintf(errw, "%s exit %d in %s %s\n", color.RedString("failed"), res.ExitCode, dur, id)
	default:
		fmt.Fprintf(errw, "%s %s: %s %s\n", color.RedString("error"), color.YellowString(res.Kind), res.Error, id)
	}
	if res.OOMKilled {
		fmt.Fprintln(errw, color.YellowString("killed: memory limit exceeded"))
	}
	if res.Truncated {
		fmt.Fprintln(errw, color.YellowString("output truncated"))
	}
}

// exitCode maps a result to the process exit code: the command's own code
// when it ran, 124 after a timeout, 1 for any other fault.
func exitCode(res api.Result) int {
	switch {
	case res.Success:
		return 0
	case res.ExitCode > 0:
		return res.ExitCode
	case res.Kind == string(sandbox.KindTimeout):
		return exitTimeout
	default:
		return 1
	}
}

// readFiles loads --file specs of the form path[=dest]. dest defaults to the
// file's base name.
func readFiles(specs []string) (map[string]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	files := make(map[string]string, len(specs))
	for _, spec := range specs {
		src, dest, ok := strings.Cut(spec, "=")
		if !ok || dest == "" {
			dest = filepath.Base(src)
		}
		if src == "" {
			return nil, fmt.Errorf("invalid --file %q", spec)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("reading --file %s: %w", src, err)
		}
		if _, dup := files[dest]; dup {
			return nil, fmt.Errorf("--file destination %q given twice", dest)
		}
		files[dest] = string(data)
	}
	return files, nil
}

// parseEnv parses --env K=V pairs.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q (want K=V)", p)
		}
		env[k] = v
	}
	return env, nil
}
