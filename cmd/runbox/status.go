package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/workspace"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the container runtime and image without running anything",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd, "warn")
	if err != nil {
		return err
	}

	rt, err := sandbox.NewDockerRuntime(cfg.Runtime.DockerHost, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var st api.StatusResult
	prov, err := workspace.New(cfg.Workspace.StagingRoot, logger)
	if err != nil {
		return err
	}
	engine, err := sandbox.NewEngine(cmd.Context(), rt, prov, runtimeConfig(cfg.Runtime), logger)
	if err != nil {
		// An unreachable runtime is a status answer, not a crash.
		st = api.StatusResult{
			Image:                 cfg.Runtime.Image,
			DefaultTimeoutSeconds: float64(cfg.Runtime.DefaultTimeoutSeconds),
			MaxTimeoutSeconds:     float64(cfg.Runtime.MaxTimeoutSeconds),
			MemoryMB:              cfg.Runtime.MemoryMB,
			CPUCores:              cfg.Runtime.CPUCores,
			PIDsLimit:             cfg.Runtime.PIDsLimit,
			NetworkMode:           cfg.Runtime.NetworkMode,
			WorkingDir:            cfg.Runtime.WorkingDir,
			Error:                 err.Error(),
		}
	} else {
		st = api.NewStatusResult(engine.Status(cmd.Context()))
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else {
		printStatus(os.Stdout, st)
	}

	if !st.Ready() {
		return exitCodeError{code: 1}
	}
	return nil
}

func printStatus(w io.Writer, st api.StatusResult) {
	check := func(ok bool) string {
		if ok {
			return color.GreenString("yes")
		}
		return color.RedString("no")
	}
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(w, "%s %s\n", bold("runtime reachable:"), check(st.Reachable))
	fmt.Fprintf(w, "%s %s (%s)\n", bold("image present:    "), check(st.ImagePresent), st.Image)
	fmt.Fprintf(w, "%s %.0fs timeout, %d MB memory, %.2f CPUs, %d pids, network %s\n",
		bold("limits:           "), st.DefaultTimeoutSeconds, st.MemoryMB, st.CPUCores, st.PIDsLimit, st.NetworkMode)
	fmt.Fprintf(w, "%s %s\n", bold("working dir:      "), st.WorkingDir)
	if st.Error != "" {
		fmt.Fprintf(w, "%s %s\n", bold("error:            "), color.YellowString(st.Error))
	}
}
