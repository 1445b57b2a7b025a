package journal

import (
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// ExecutionModel is the GORM model for one journaled execution.
type ExecutionModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	RequestKind string `gorm:"size:16;index"`
	Command     string `gorm:"type:text"`
	Success     bool   `gorm:"index"`
	ExitCode    int
	ErrorKind   string `gorm:"size:32"`
	Error       string `gorm:"type:text"`
	Stdout      string `gorm:"type:text"`
	Stderr      string `gorm:"type:text"`
	DurationMS  int64
	ContainerID string `gorm:"size:64"`
	OOMKilled   bool
	Truncated   bool
	CreatedAt   time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "executions" }

func toModel(e Entry) ExecutionModel {
	return ExecutionModel{
		ID:          e.ID,
		RequestKind: e.RequestKind,
		Command:     e.Command,
		Success:     e.Success,
		ExitCode:    e.ExitCode,
		ErrorKind:   string(e.Kind),
		Error:       e.Error,
		Stdout:      e.Stdout,
		Stderr:      e.Stderr,
		DurationMS:  e.Duration.Milliseconds(),
		ContainerID: e.ContainerID,
		OOMKilled:   e.OOMKilled,
		Truncated:   e.Truncated,
		CreatedAt:   e.Timestamp.UTC(),
	}
}

func toEntry(m *ExecutionModel) Entry {
	return Entry{
		ExecutionResult: sandbox.ExecutionResult{
			ID:          m.ID,
			Success:     m.Success,
			Stdout:      m.Stdout,
			Stderr:      m.Stderr,
			ExitCode:    m.ExitCode,
			Duration:    time.Duration(m.DurationMS) * time.Millisecond,
			ContainerID: m.ContainerID,
			Timestamp:   m.CreatedAt,
			Kind:        sandbox.ErrorKind(m.ErrorKind),
			Error:       m.Error,
			OOMKilled:   m.OOMKilled,
			Truncated:   m.Truncated,
		},
		RequestKind: m.RequestKind,
		Command:     m.Command,
	}
}
