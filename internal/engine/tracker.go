package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// FeedEvent is one typed message from the backend's push feed.
type FeedEvent struct {
	Type  string          // "executing", "progress", "executed", "execution_error"
	JobID string          // prompt id the message refers to
	Error string          // populated for execution_error messages
	Raw   json.RawMessage // full message payload
}

// EventFeed delivers backend push events. Implementations own the
// underlying connection; the channel carries events for every job id the
// feed's client id is subscribed to.
type EventFeed interface {
	Events() <-chan FeedEvent
}

// HistoryClient queries the backend's pull history/status endpoint.
// done is true when the response contains a populated outputs section;
// an empty body means "not yet done", not an error.
type HistoryClient interface {
	History(ctx context.Context, jobID string) (payload json.RawMessage, done bool, err error)
}

// Outcome is the resolution of one completion race.
type Outcome struct {
	Reason       ExitReason
	Source       SignalSource
	Payload      json.RawMessage   // completion payload from the winning watcher
	Observations []PollObservation // ordered audit log, errors included
}

// Tracker races three completion signals for a submitted job: the event
// feed, the history endpoint and a wall-clock/attempt deadline. Exactly one
// watcher resolves the race; the others are cancelled and perform no
// further side effects.
type Tracker struct {
	feed    EventFeed
	history HistoryClient
	logger  *slog.Logger
}

func NewTracker(feed EventFeed, history HistoryClient, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{feed: feed, history: history, logger: logger}
}

type resolution struct {
	reason  ExitReason
	payload json.RawMessage
}

// Await blocks until one completion signal wins or a budget is exhausted.
// The event watcher beats the poll watcher when both resolve within the
// same scheduling tick, because the push feed is the backend's own signal.
func (t *Tracker) Await(ctx context.Context, jobID string, policy QueuePolicy) Outcome {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu  sync.Mutex
		obs []PollObservation
		wg  sync.WaitGroup
	)
	appendObs := func(src SignalSource, status string) {
		mu.Lock()
		defer mu.Unlock()
		// The race may have been decided while this watcher was mid-call.
		if raceCtx.Err() != nil {
			return
		}
		obs = append(obs, PollObservation{At: time.Now().UTC(), Source: src, Status: status})
	}
	pollCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, o := range obs {
			if o.Source == SignalPoll {
				n++
			}
		}
		return n
	}

	eventCh := make(chan resolution, 1)
	pollCh := make(chan resolution, 1)
	deadlineCh := make(chan resolution, 1)

	wg.Add(3)
	go func() {
		defer wg.Done()
		t.watchEvents(raceCtx, jobID, appendObs, eventCh)
	}()
	go func() {
		defer wg.Done()
		t.watchHistory(raceCtx, jobID, policy, appendObs, pollCount, pollCh)
	}()
	go func() {
		defer wg.Done()
		t.watchDeadline(raceCtx, policy.MaxWait, deadlineCh)
	}()

	var (
		res resolution
		src SignalSource
	)
	select {
	case r := <-eventCh:
		res, src = r, SignalEvent
	case r := <-pollCh:
		// Event-watcher-wins tie-break: if the feed resolved in the same
		// tick, prefer its resolution over the poll endpoint's.
		select {
		case r2 := <-eventCh:
			res, src = r2, SignalEvent
		default:
			res, src = r, SignalPoll
		}
	case r := <-deadlineCh:
		res, src = r, SignalDeadline
	case <-ctx.Done():
		res, src = resolution{reason: ExitMaxWaitExceeded}, SignalDeadline
	}

	cancel()
	wg.Wait()

	t.logger.Debug("completion race resolved",
		"job_id", jobID,
		"reason", res.reason,
		"signal", src,
		"observations", len(obs),
	)

	return Outcome{Reason: res.reason, Source: src, Payload: res.payload, Observations: obs}
}

// watchEvents consumes the push feed until an "executed" message for jobID
// arrives. Messages for other job ids are ignored; execution errors are
// recorded as observations and do not end the race (the deadline watcher
// bounds a job the backend abandoned).
func (t *Tracker) watchEvents(ctx context.Context, jobID string, appendObs func(SignalSource, string), out chan<- resolution) {
	if t.feed == nil {
		return
	}
	events := t.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Type {
			case "executed":
				appendObs(SignalEvent, "executed")
				out <- resolution{reason: ExitSuccess, payload: ev.Raw}
				return
			case "execution_error":
				appendObs(SignalEvent, fmt.Sprintf("execution_error: %s", ev.Error))
			}
		}
	}
}

// watchHistory polls the history endpoint every PollInterval. Every query
// is recorded as an observation, connection errors included; an error is a
// transient miss, not a termination. When MaxPollAttempts is positive,
// exhausting it resolves the race with attempt_limit_exceeded.
func (t *Tracker) watchHistory(ctx context.Context, jobID string, policy QueuePolicy, appendObs func(SignalSource, string), pollCount func() int, out chan<- resolution) {
	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, done, err := t.history.History(ctx, jobID)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err != nil:
			appendObs(SignalPoll, fmt.Sprintf("error: %v", err))
		case done:
			appendObs(SignalPoll, "outputs_present")
			out <- resolution{reason: ExitSuccess, payload: payload}
			return
		default:
			appendObs(SignalPoll, "pending")
		}

		if policy.MaxPollAttempts > 0 && pollCount() >= policy.MaxPollAttempts {
			out <- resolution{reason: ExitAttemptLimitExceeded}
			return
		}
	}
}

func (t *Tracker) watchDeadline(ctx context.Context, maxWait time.Duration, out chan<- resolution) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		out <- resolution{reason: ExitMaxWaitExceeded}
	}
}
