package engine

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Submitter builds a backend job description from a request's template and
// placeholders and posts it, returning the backend-assigned job id.
type Submitter interface {
	Submit(ctx context.Context, req JobRequest) (jobID string, err error)
}

// TelemetryProbe captures a device memory snapshot. Implementations never
// fail: a snapshot with Source == unavailable is returned instead.
type TelemetryProbe interface {
	Snapshot(ctx context.Context) TelemetrySnapshot
}

// Coordinator wraps job attempts with retry policy. A retryable exit
// reason triggers an immediate fresh submission (the backend cannot resume
// a stale job id) until the retry budget is exhausted. No backoff is
// imposed between attempts: retries recover from transient polling misses,
// not backend overload.
type Coordinator struct {
	submitter Submitter
	tracker   *Tracker
	collector *Collector
	probe     TelemetryProbe
	outputDir string
	logger    *slog.Logger
}

type CoordinatorConfig struct {
	Submitter Submitter
	Tracker   *Tracker
	Collector *Collector
	Probe     TelemetryProbe
	OutputDir string // backend output directory artifacts appear under
	Logger    *slog.Logger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		submitter: cfg.Submitter,
		tracker:   cfg.Tracker,
		collector: cfg.Collector,
		probe:     cfg.Probe,
		outputDir: cfg.OutputDir,
		logger:    logger,
	}
}

// Run executes a request to completion: at most policy.RetryBudget+1
// attempts, stopping on the first terminal-success or non-retryable exit.
func (c *Coordinator) Run(ctx context.Context, req JobRequest, policy QueuePolicy) JobResult {
	var attempts []JobAttempt

	for idx := 0; ; idx++ {
		att := c.runAttempt(ctx, idx, req, policy)
		attempts = append(attempts, att)

		if att.ExitReason.TerminalSuccess() {
			break
		}
		if !att.ExitReason.Retryable() || idx >= policy.RetryBudget {
			break
		}

		c.logger.Info("retrying job",
			"request_id", req.ID,
			"attempt", idx+1,
			"previous_exit", att.ExitReason,
		)
	}

	result := BuildResult(req, attempts, c.outputDir)
	c.logger.Info("job finished",
		"request_id", req.ID,
		"exit_reason", result.ExitReason,
		"attempts", len(result.Attempts),
		"degraded", result.Degraded,
		"failed", result.Failed,
	)
	return result
}

// runAttempt performs one submit/track/collect cycle with telemetry
// snapshots taken immediately before submission and after resolution.
func (c *Coordinator) runAttempt(ctx context.Context, idx int, req JobRequest, policy QueuePolicy) JobAttempt {
	att := JobAttempt{
		Index:     idx,
		StartedAt: time.Now().UTC(),
		Before:    c.probe.Snapshot(ctx),
	}

	jobID, err := c.submitter.Submit(ctx, req)
	if err != nil {
		c.logger.Warn("submission failed", "request_id", req.ID, "attempt", idx, "error", err)
		att.ExitReason = ExitSubmissionError
		att.Error = err.Error()
		att.After = c.probe.Snapshot(ctx)
		att.EndedAt = time.Now().UTC()
		return att
	}
	att.JobID = jobID

	outcome := c.tracker.Await(ctx, jobID, policy)
	att.Observations = outcome.Observations
	att.ExitReason = outcome.Reason

	if outcome.Reason == ExitSuccess {
		col := c.collector.Collect(ctx, jobID, c.outputDir, req.ID, req.ExpectedFrames, policy)
		att.ExitReason = col.Reason
		att.Artifacts = col.Artifacts
		att.Notes = col.Notes
	}

	att.After = c.probe.Snapshot(ctx)
	att.EndedAt = time.Now().UTC()
	return att
}
