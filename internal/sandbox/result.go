package sandbox

import "time"

// outcome holds everything known about an execution when it ends.
type outcome struct {
	ExecutionID string
	ContainerID string
	Started     time.Time
	Finished    time.Time
	ExitCode    int
	Stdout      string
	Stderr      string
	OOMKilled   bool
	Truncated   bool
	Err         error
}

// collect assembles the result record. The exit code is reported as obtained,
// -1 when it never was. A fault after a clean exit, such as lost output, still
// fails the result: Success means exit code 0 and no fault.
func collect(o outcome) ExecutionResult {
	res := ExecutionResult{
		ID:          o.ExecutionID,
		Stdout:      o.Stdout,
		Stderr:      o.Stderr,
		ExitCode:    o.ExitCode,
		Duration:    o.Finished.Sub(o.Started),
		ContainerID: o.ContainerID,
		Timestamp:   o.Finished,
		OOMKilled:   o.OOMKilled,
		Truncated:   o.Truncated,
	}
	if o.Err != nil {
		res.Kind = KindOf(o.Err)
		res.Error = o.Err.Error()
	}
	res.Success = o.Err == nil && res.ExitCode == 0
	if !res.Success && res.Kind == "" {
		res.Kind = KindRuntimeExecution
	}
	return res
}
