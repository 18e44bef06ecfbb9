package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeSubmitter struct {
	fn    func(attempt int) (string, error)
	calls int
}

func (s *fakeSubmitter) Submit(ctx context.Context, req JobRequest) (string, error) {
	s.calls++
	return s.fn(s.calls)
}

type fakeProbe struct {
	source SnapshotSource
}

func (p fakeProbe) Snapshot(ctx context.Context) TelemetrySnapshot {
	return snap(p.source, 1000)
}

func retryPolicy(budget int) QueuePolicy {
	return QueuePolicy{
		MaxWait:               80 * time.Millisecond,
		PollInterval:          10 * time.Millisecond,
		PostCompletionTimeout: 2 * time.Second,
		MarkerTimeout:         400 * time.Millisecond,
		RetryBudget:           budget,
	}
}

func newTestCoordinator(sub Submitter, history HistoryClient, outputDir string) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		Submitter: sub,
		Tracker:   NewTracker(newFakeFeed(), history, nil),
		Collector: NewCollector(nil),
		Probe:     fakeProbe{source: SourcePrimary},
		OutputDir: outputDir,
		Logger:    nil,
	})
}

func TestRun_SubmissionErrorRetriedUntilBudget(t *testing.T) {
	sub := &fakeSubmitter{fn: func(int) (string, error) {
		return "", errors.New("upload failed")
	}}
	c := newTestCoordinator(sub, pendingHistory(), t.TempDir())

	res := c.Run(context.Background(), JobRequest{ID: "shot-1"}, retryPolicy(2))

	if sub.calls != 3 {
		t.Errorf("submissions = %d, want retryBudget+1 = 3", sub.calls)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(res.Attempts))
	}
	if !res.Failed {
		t.Error("exhausted budget must mark the result failed")
	}
	if res.ExitReason != ExitSubmissionError {
		t.Errorf("ExitReason = %s, want %s", res.ExitReason, ExitSubmissionError)
	}
	for i, att := range res.Attempts {
		if att.Index != i {
			t.Errorf("attempt %d has index %d", i, att.Index)
		}
		if att.Error == "" {
			t.Errorf("attempt %d missing error detail", i)
		}
	}
}

func TestRun_AttemptCountNeverExceedsBudgetPlusOne(t *testing.T) {
	for _, budget := range []int{0, 1, 3} {
		sub := &fakeSubmitter{fn: func(int) (string, error) {
			return "", errors.New("down")
		}}
		c := newTestCoordinator(sub, pendingHistory(), t.TempDir())

		res := c.Run(context.Background(), JobRequest{ID: "shot-1"}, retryPolicy(budget))
		if len(res.Attempts) > budget+1 {
			t.Errorf("budget %d: attempts = %d, exceeds budget+1", budget, len(res.Attempts))
		}
	}
}

func TestRun_MaxWaitRetriedWithFreshSubmission(t *testing.T) {
	var ids []string
	sub := &fakeSubmitter{fn: func(n int) (string, error) {
		id := "backend-" + string(rune('0'+n))
		ids = append(ids, id)
		return id, nil
	}}
	c := newTestCoordinator(sub, pendingHistory(), t.TempDir())

	res := c.Run(context.Background(), JobRequest{ID: "shot-1"}, retryPolicy(1))

	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}
	if res.Attempts[0].JobID == res.Attempts[1].JobID {
		t.Error("retry must obtain a fresh backend job id")
	}
	if res.ExitReason != ExitMaxWaitExceeded {
		t.Errorf("ExitReason = %s, want %s", res.ExitReason, ExitMaxWaitExceeded)
	}
}

func TestRun_SuccessStopsRetrying(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 2)
	writeMarker(t, dir, "shot-1", 2)

	sub := &fakeSubmitter{fn: func(int) (string, error) {
		return "backend-1", nil
	}}
	history := &fakeHistory{fn: func(int) (json.RawMessage, bool, error) {
		return json.RawMessage(`{"outputs":{"9":{}}}`), true, nil
	}}
	c := newTestCoordinator(sub, history, dir)

	res := c.Run(context.Background(), JobRequest{ID: "shot-1", ExpectedFrames: 2}, retryPolicy(3))

	if sub.calls != 1 {
		t.Errorf("submissions = %d, want 1 (success must not retry)", sub.calls)
	}
	if res.Failed {
		t.Error("successful run marked failed")
	}
	if res.ExitReason != ExitSuccess {
		t.Errorf("ExitReason = %s, want %s", res.ExitReason, ExitSuccess)
	}
	if len(res.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(res.Artifacts))
	}
}

func TestRun_MarkerTimeoutIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 2)
	// no marker is ever written

	sub := &fakeSubmitter{fn: func(int) (string, error) {
		return "backend-1", nil
	}}
	history := &fakeHistory{fn: func(int) (json.RawMessage, bool, error) {
		return json.RawMessage(`{"outputs":{"9":{}}}`), true, nil
	}}
	c := newTestCoordinator(sub, history, dir)

	policy := retryPolicy(3)
	policy.MarkerTimeout = 600 * time.Millisecond
	policy.PostCompletionTimeout = 5 * time.Second

	res := c.Run(context.Background(), JobRequest{ID: "shot-1"}, policy)

	if sub.calls != 1 {
		t.Errorf("submissions = %d, want 1 (degraded success must not re-run)", sub.calls)
	}
	if res.ExitReason != ExitMarkerTimeout {
		t.Fatalf("ExitReason = %s, want %s", res.ExitReason, ExitMarkerTimeout)
	}
	if !res.Degraded {
		t.Error("marker timeout result must be degraded")
	}
	if res.Failed {
		t.Error("marker timeout is terminal-success, not failure")
	}
}

func TestRun_TelemetrySnapshotsOnEveryAttempt(t *testing.T) {
	sub := &fakeSubmitter{fn: func(int) (string, error) {
		return "", errors.New("down")
	}}
	c := newTestCoordinator(sub, pendingHistory(), t.TempDir())

	res := c.Run(context.Background(), JobRequest{ID: "shot-1"}, retryPolicy(1))
	for i, att := range res.Attempts {
		if att.Before.Source == "" || att.After.Source == "" {
			t.Errorf("attempt %d missing telemetry snapshot source", i)
		}
	}
}
