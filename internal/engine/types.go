// Package engine implements the asynchronous render-job execution and
// telemetry engine: job submission, a three-signal completion race,
// output collection, retry handling and structured per-job result records.
package engine

import (
	"encoding/json"
	"time"
)

// ExitReason is the closed enumeration of outcomes for one job attempt.
type ExitReason string

const (
	ExitSuccess               ExitReason = "success"
	ExitMaxWaitExceeded       ExitReason = "max_wait_exceeded"
	ExitAttemptLimitExceeded  ExitReason = "attempt_limit_exceeded"
	ExitPostCompletionTimeout ExitReason = "post_completion_timeout"
	ExitMarkerTimeout         ExitReason = "marker_timeout"
	ExitSubmissionError       ExitReason = "submission_error"
)

// Retryable reports whether a fresh submission may recover from this outcome.
func (e ExitReason) Retryable() bool {
	switch e {
	case ExitSubmissionError, ExitMaxWaitExceeded, ExitAttemptLimitExceeded, ExitPostCompletionTimeout:
		return true
	}
	return false
}

// TerminalSuccess reports whether the attempt produced usable output.
// A marker timeout is a degraded success: artifacts were collected by
// forced copy, so the job must not be re-run.
func (e ExitReason) TerminalSuccess() bool {
	return e == ExitSuccess || e == ExitMarkerTimeout
}

// SignalSource identifies which completion signal produced an observation
// or resolved the race.
type SignalSource string

const (
	SignalEvent    SignalSource = "event"
	SignalPoll     SignalSource = "poll"
	SignalMarker   SignalSource = "marker"
	SignalDeadline SignalSource = "deadline"
)

// QueuePolicy holds the caller-configurable budgets for one job.
// The zero value is not usable; start from DefaultPolicy.
type QueuePolicy struct {
	// MaxWait is the wall-clock budget for the whole completion race.
	MaxWait time.Duration `json:"max_wait_ms"`
	// PollInterval is the sleep between history-endpoint checks.
	PollInterval time.Duration `json:"poll_interval_ms"`
	// MaxPollAttempts bounds the number of poll observations.
	// 0 means unbounded (the race is then bounded only by MaxWait).
	MaxPollAttempts int `json:"max_poll_attempts"`
	// PostCompletionTimeout is the grace period after a success signal
	// before the collector gives up waiting for artifacts.
	PostCompletionTimeout time.Duration `json:"post_completion_timeout_ms"`
	// MarkerTimeout is the sub-budget for the filesystem completion marker.
	MarkerTimeout time.Duration `json:"marker_timeout_ms"`
	// RetryBudget is the number of additional attempts after the first.
	RetryBudget int `json:"retry_budget"`
}

// DefaultPolicy returns the budgets used when a run supplies none.
func DefaultPolicy() QueuePolicy {
	return QueuePolicy{
		MaxWait:               10 * time.Minute,
		PollInterval:          2 * time.Second,
		MaxPollAttempts:       0,
		PostCompletionTimeout: 60 * time.Second,
		MarkerTimeout:         30 * time.Second,
		RetryBudget:           1,
	}
}

// PlaceholderKind names the slot a placeholder value binds to.
type PlaceholderKind string

const (
	PlaceholderPrompt         PlaceholderKind = "prompt"
	PlaceholderNegativePrompt PlaceholderKind = "negative_prompt"
	PlaceholderImage          PlaceholderKind = "image"
	PlaceholderScene          PlaceholderKind = "scene"
)

// Placeholder is one named value supplied by the caller for substitution
// into a workflow template. Exactly one of Text, ImagePath or Data is set,
// according to Kind.
type Placeholder struct {
	Kind      PlaceholderKind `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ImagePath string          `json:"image_path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JobRequest is the immutable description of one unit of work.
// It is created once by the run orchestrator and never mutated.
type JobRequest struct {
	// ID is the caller-chosen stable identifier (also the output prefix).
	ID string `json:"id"`
	// Template names the workflow template to submit.
	Template string `json:"template"`
	// Placeholders are substituted into the template's declared slots.
	Placeholders []Placeholder `json:"placeholders"`
	// ExpectedFrames is the output floor the backend was asked for;
	// 0 means unknown.
	ExpectedFrames int `json:"expected_frames"`
	// Policy overrides the run-level policy when non-nil.
	Policy *QueuePolicy `json:"policy,omitempty"`
}

// SnapshotSource tags which path produced a telemetry snapshot.
type SnapshotSource string

const (
	SourcePrimary     SnapshotSource = "primary"
	SourceFallback    SnapshotSource = "fallback"
	SourceUnavailable SnapshotSource = "unavailable"
)

// TelemetrySnapshot is a point-in-time read of backend device memory.
// Memory fields are nil, not zero, when the value is unknown; Source is
// never empty.
type TelemetrySnapshot struct {
	DeviceName    string         `json:"device_name"`
	DeviceType    string         `json:"device_type"`
	TotalBytes    *int64         `json:"total_bytes"`
	FreeBytes     *int64         `json:"free_bytes"`
	Source        SnapshotSource `json:"source"`
	FallbackNotes []string       `json:"fallback_notes"`
	CapturedAt    time.Time      `json:"captured_at"`
}

// PollObservation is one entry in the ordered audit log of a completion
// race. Observations are appended in wall-clock order, including errors.
type PollObservation struct {
	At     time.Time    `json:"at"`
	Source SignalSource `json:"source"`
	Status string       `json:"status"`
}

// JobAttempt is one execution of a JobRequest. It is immutable once the
// attempt ends and owned exclusively by the JobResult that contains it.
type JobAttempt struct {
	Index        int               `json:"index"`
	JobID        string            `json:"job_id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	ExitReason   ExitReason        `json:"exit_reason"`
	Error        string            `json:"error"`
	Observations []PollObservation `json:"observations"`
	Before       TelemetrySnapshot `json:"telemetry_before"`
	After        TelemetrySnapshot `json:"telemetry_after"`
	Artifacts    []string          `json:"artifacts"`
	Notes        []string          `json:"fallback_notes"`
}

// JobResult is the externally visible record for one JobRequest.
// Written once, read-only thereafter.
type JobResult struct {
	RequestID        string       `json:"request_id"`
	Attempts         []JobAttempt `json:"attempts"`
	WinningAttempt   int          `json:"winning_attempt"`
	ExitReason       ExitReason   `json:"exit_reason"`
	ElapsedMs        int64        `json:"elapsed_ms"`
	OutputDir        string       `json:"output_dir"`
	Artifacts        []string     `json:"artifacts"`
	MemoryDeltaBytes *int64       `json:"memory_delta_bytes"`
	FallbackNotes    []string     `json:"fallback_notes"`
	Degraded         bool         `json:"degraded"`
	Failed           bool         `json:"failed"`
}

// RunReport is the ordered collection of JobResults for one run plus
// run-level aggregates. It is the single source of truth for a run.
type RunReport struct {
	RunID         string             `json:"run_id"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	DurationMs    int64              `json:"duration_ms"`
	Results       []JobResult        `json:"results"`
	CountsByExit  map[ExitReason]int `json:"counts_by_exit_reason"`
	JobCount      int                `json:"job_count"`
	FailedCount   int                `json:"failed_count"`
	DegradedCount int                `json:"degraded_count"`
}
