package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// minimum gap between artifact listings when checking stability
	stabilityInterval = 500 * time.Millisecond
	// marker existence is checked on a shorter cadence than stability
	markerInterval = 200 * time.Millisecond
)

// MarkerPayload is the JSON body of the backend's completion marker,
// written atomically as <prefix>.done.tmp then renamed to <prefix>.done.
type MarkerPayload struct {
	Timestamp  string `json:"Timestamp"`
	FrameCount int    `json:"FrameCount"`
}

// Collection is the outcome of waiting for a job's output artifacts.
type Collection struct {
	Artifacts []string
	Reason    ExitReason
	Notes     []string
	Marker    *MarkerPayload
}

// Collector waits for a completed job's artifacts to become final. Two
// readiness checks run concurrently under PostCompletionTimeout: the
// backend's atomic completion marker (bounded by MarkerTimeout) and
// artifact stabilization (unchanged count and total size across two
// listings at least stabilityInterval apart). A stabilized output set
// whose marker never arrived is force-copied and reported as a degraded
// success, never retried.
type Collector struct {
	logger *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{logger: logger}
}

type markerSignal struct {
	payload *MarkerPayload // nil when the marker sub-budget expired
}

type stableSignal struct {
	artifacts []string
}

// Collect blocks until the marker appears, the artifacts stabilize past the
// marker sub-budget, or PostCompletionTimeout elapses.
func (c *Collector) Collect(ctx context.Context, jobID, outputDir, prefix string, expectedFrames int, policy QueuePolicy) Collection {
	waitCtx, cancel := context.WithTimeout(ctx, policy.PostCompletionTimeout)
	defer cancel()

	markerCh := make(chan markerSignal, 1)
	stableCh := make(chan stableSignal, 1)

	go c.watchMarker(waitCtx, outputDir, prefix, policy.MarkerTimeout, markerCh)
	go c.watchStability(waitCtx, outputDir, prefix, stableCh)

	var (
		markerExpired bool
		stable        []string
		haveStable    bool
	)
	for {
		select {
		case m := <-markerCh:
			if m.payload != nil {
				artifacts, _ := listArtifacts(outputDir, prefix)
				col := Collection{Artifacts: artifacts, Reason: ExitSuccess, Marker: m.payload}
				col.Notes = appendShortfallNote(col.Notes, m.payload.FrameCount, expectedFrames, len(artifacts))
				c.logger.Info("completion marker observed",
					"job_id", jobID,
					"artifacts", len(artifacts),
					"marker_frames", m.payload.FrameCount,
				)
				return col
			}
			if haveStable {
				return c.forcedCopy(jobID, outputDir, stable, expectedFrames)
			}
			markerExpired = true

		case s := <-stableCh:
			if markerExpired {
				return c.forcedCopy(jobID, outputDir, s.artifacts, expectedFrames)
			}
			stable, haveStable = s.artifacts, true

		case <-waitCtx.Done():
			c.logger.Warn("post-completion timeout waiting for artifacts",
				"job_id", jobID,
				"stable", haveStable,
				"marker_expired", markerExpired,
			)
			return Collection{Reason: ExitPostCompletionTimeout}
		}
	}
}

// watchMarker waits up to markerTimeout for <prefix>.done to appear.
// A nil payload on the channel means the sub-budget expired.
func (c *Collector) watchMarker(ctx context.Context, outputDir, prefix string, markerTimeout time.Duration, out chan<- markerSignal) {
	deadline := time.NewTimer(markerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(markerInterval)
	defer ticker.Stop()

	markerPath := filepath.Join(outputDir, prefix+".done")
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			out <- markerSignal{payload: nil}
			return
		case <-ticker.C:
			data, err := os.ReadFile(markerPath)
			if err != nil {
				continue
			}
			// The backend writes the marker with a tmp->rename, so a
			// readable file is always a complete payload.
			var payload MarkerPayload
			if err := json.Unmarshal(data, &payload); err != nil {
				c.logger.Warn("malformed completion marker", "path", markerPath, "error", err)
				continue
			}
			out <- markerSignal{payload: &payload}
			return
		}
	}
}

// watchStability signals once the artifact count and total size are
// unchanged across two consecutive listings.
func (c *Collector) watchStability(ctx context.Context, outputDir, prefix string, out chan<- stableSignal) {
	var (
		prevCount = -1
		prevSize  = int64(-1)
	)
	ticker := time.NewTicker(stabilityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		artifacts, totalSize := listWithSize(outputDir, prefix)
		if len(artifacts) > 0 && len(artifacts) == prevCount && totalSize == prevSize {
			out <- stableSignal{artifacts: artifacts}
			return
		}
		prevCount, prevSize = len(artifacts), totalSize
	}
}

// forcedCopy is the degraded path: the marker never appeared inside its
// sub-budget but the artifact set stopped changing, so whatever exists is
// copied best-effort and the job is reported as a marker_timeout success.
func (c *Collector) forcedCopy(jobID, outputDir string, artifacts []string, expectedFrames int) Collection {
	destDir := filepath.Join(outputDir, "collected")
	copied := make([]string, 0, len(artifacts))
	for _, src := range artifacts {
		dst := filepath.Join(destDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			c.logger.Warn("forced copy failed for artifact", "job_id", jobID, "src", src, "error", err)
			continue
		}
		copied = append(copied, dst)
	}

	notes := []string{fmt.Sprintf("completion marker not observed; copied %d artifacts after stabilization", len(copied))}
	notes = appendShortfallNote(notes, 0, expectedFrames, len(copied))

	c.logger.Warn("collected artifacts without completion marker",
		"job_id", jobID,
		"copied", len(copied),
	)

	return Collection{Artifacts: copied, Reason: ExitMarkerTimeout, Notes: notes}
}

func appendShortfallNote(notes []string, markerFrames, expectedFrames, got int) []string {
	floor := expectedFrames
	if markerFrames > floor {
		floor = markerFrames
	}
	if floor > 0 && got < floor {
		notes = append(notes, fmt.Sprintf("artifact count %d below expected floor %d", got, floor))
	}
	return notes
}

// listArtifacts returns the job's output files in name order, excluding the
// completion marker and any in-flight tmp files.
func listArtifacts(outputDir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ".done") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		paths = append(paths, filepath.Join(outputDir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

func listWithSize(outputDir, prefix string) ([]string, int64) {
	paths, err := listArtifacts(outputDir, prefix)
	if err != nil {
		return nil, 0
	}
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return paths, total
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
