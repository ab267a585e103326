package types

import (
	"net/http"
	"path/filepath"
	"time"
)

// Candidate is one entry of the externally supplied candidate list.
type Candidate struct {
	SourceURL         string      `json:"source_url"`
	DestinationDir    string      `json:"destination_dir"`
	SuggestedFilename string      `json:"suggested_filename,omitempty"`
	ExpectedSize      int64       `json:"expected_size,omitempty"`   // 0 when unknown
	ExpectedSHA256    string      `json:"expected_sha256,omitempty"` // hex, empty when unknown
	Header            http.Header `json:"-"`
}

// TaskState is the position of a DownloadTask in its state machine.
type TaskState int

const (
	StatePending TaskState = iota
	StateResolving
	StateFetching
	StateVerifying
	StateCompleted
	StateFailed
	StateSkipped
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateFetching:
		return "fetching"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// DownloadTask is owned by the orchestrator for the duration of one run.
type DownloadTask struct {
	ID          string
	SourceURL   string
	ResolvedURL string // empty until resolved
	DestPath    string
	Filename    string
	Attempts    int
	State       TaskState
	LastErr     error

	Candidate Candidate
	Written   int64
	StartedAt time.Time
}

// PartPath is the temporary file the task streams into.
func (t *DownloadTask) PartPath() string {
	return t.DestPath + IncompleteSuffix
}

// Dir is the directory holding the final file.
func (t *DownloadTask) Dir() string {
	return filepath.Dir(t.DestPath)
}

// SkipReason explains why a task was not fetched.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipDuplicate SkipReason = "duplicate"
	SkipExisting  SkipReason = "existing"
)

// Outcome is the terminal result of one task, handed to sinks and stats.
type Outcome struct {
	TaskID   string        `json:"task_id"`
	URL      string        `json:"url"`
	DestPath string        `json:"dest_path"`
	State    TaskState     `json:"-"`
	Skip     SkipReason    `json:"skip,omitempty"`
	Bytes    int64         `json:"bytes"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// Succeeded reports a committed download.
func (o Outcome) Succeeded() bool { return o.State == StateCompleted }
