package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives an ordered sequence of jobs through the coordinator.
// Jobs run sequentially: the backend is a single shared GPU and the
// before/after memory delta is only meaningful with one job in flight.
// A failed job does not abort the run; its result is recorded and the next
// job is attempted.
type Orchestrator struct {
	coordinator *Coordinator
	policy      QueuePolicy
	logger      *slog.Logger
}

func NewOrchestrator(coordinator *Coordinator, policy QueuePolicy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{coordinator: coordinator, policy: policy, logger: logger}
}

// Run processes every request in order and returns the finalized report.
// A cancelled context stops the run after the in-flight job resolves.
func (o *Orchestrator) Run(ctx context.Context, requests []JobRequest) *RunReport {
	report := &RunReport{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		CountsByExit: make(map[ExitReason]int),
	}

	o.logger.Info("run started", "run_id", report.RunID, "jobs", len(requests))

	for _, req := range requests {
		if ctx.Err() != nil {
			o.logger.Warn("run cancelled", "run_id", report.RunID, "completed", len(report.Results))
			break
		}

		policy := o.policy
		if req.Policy != nil {
			policy = *req.Policy
		}

		result := o.coordinator.Run(ctx, req, policy)
		report.Results = append(report.Results, result)
	}

	report.FinishedAt = time.Now().UTC()
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	report.JobCount = len(report.Results)
	for _, r := range report.Results {
		report.CountsByExit[r.ExitReason]++
		if r.Failed {
			report.FailedCount++
		}
		if r.Degraded {
			report.DegradedCount++
		}
	}

	o.logger.Info("run finished",
		"run_id", report.RunID,
		"jobs", report.JobCount,
		"failed", report.FailedCount,
		"degraded", report.DegradedCount,
		"duration_ms", report.DurationMs,
	)
	return report
}
