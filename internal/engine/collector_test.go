package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFrames(t *testing.T, dir, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, prefix+"_0000"+string(rune('0'+i))+".png")
		if err := os.WriteFile(name, []byte("frame-data"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func writeMarker(t *testing.T, dir, prefix string, frames int) {
	t.Helper()
	payload, _ := json.Marshal(MarkerPayload{Timestamp: "2026-01-01T00:00:00Z", FrameCount: frames})
	if err := os.WriteFile(filepath.Join(dir, prefix+".done"), payload, 0644); err != nil {
		t.Fatal(err)
	}
}

func collectPolicy() QueuePolicy {
	return QueuePolicy{
		PostCompletionTimeout: 5 * time.Second,
		MarkerTimeout:         800 * time.Millisecond,
	}
}

func TestCollect_MarkerFirst(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 3)
	writeMarker(t, dir, "shot-1", 3)

	c := NewCollector(nil)
	col := c.Collect(context.Background(), "job-1", dir, "shot-1", 3, collectPolicy())

	if col.Reason != ExitSuccess {
		t.Fatalf("Reason = %s, want %s", col.Reason, ExitSuccess)
	}
	if len(col.Artifacts) != 3 {
		t.Errorf("artifacts = %d, want 3", len(col.Artifacts))
	}
	if len(col.Notes) != 0 {
		t.Errorf("notes = %v, want none for a clean success", col.Notes)
	}
	if col.Marker == nil || col.Marker.FrameCount != 3 {
		t.Errorf("marker payload not parsed: %+v", col.Marker)
	}
}

func TestCollect_MarkerExcludedFromArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 2)
	writeMarker(t, dir, "shot-1", 2)
	os.WriteFile(filepath.Join(dir, "shot-1.done.tmp"), []byte("{}"), 0644)
	os.WriteFile(filepath.Join(dir, "unrelated_00000.png"), []byte("x"), 0644)

	c := NewCollector(nil)
	col := c.Collect(context.Background(), "job-1", dir, "shot-1", 0, collectPolicy())

	for _, a := range col.Artifacts {
		base := filepath.Base(a)
		if strings.HasSuffix(base, ".done") || strings.HasSuffix(base, ".tmp") {
			t.Errorf("marker file leaked into artifacts: %s", base)
		}
		if !strings.HasPrefix(base, "shot-1") {
			t.Errorf("foreign file leaked into artifacts: %s", base)
		}
	}
	if len(col.Artifacts) != 2 {
		t.Errorf("artifacts = %d, want 2", len(col.Artifacts))
	}
}

func TestCollect_ForcedCopyOnMarkerTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 2)

	policy := collectPolicy()
	policy.MarkerTimeout = 700 * time.Millisecond

	c := NewCollector(nil)
	start := time.Now()
	col := c.Collect(context.Background(), "job-1", dir, "shot-1", 0, policy)
	elapsed := time.Since(start)

	if col.Reason != ExitMarkerTimeout {
		t.Fatalf("Reason = %s, want %s", col.Reason, ExitMarkerTimeout)
	}
	if len(col.Artifacts) != 2 {
		t.Fatalf("copied artifacts = %d, want 2", len(col.Artifacts))
	}
	for _, a := range col.Artifacts {
		if filepath.Dir(a) != filepath.Join(dir, "collected") {
			t.Errorf("artifact %s not under collected/", a)
		}
		if _, err := os.Stat(a); err != nil {
			t.Errorf("copied artifact missing: %v", err)
		}
	}
	if len(col.Notes) == 0 || !strings.Contains(col.Notes[0], "completion marker not observed") {
		t.Errorf("missing forced-copy note, got %v", col.Notes)
	}
	// forced copy happens once both stabilization and the marker budget
	// have elapsed, well before the post-completion deadline
	if elapsed >= policy.PostCompletionTimeout {
		t.Errorf("forced copy took %v, must precede PostCompletionTimeout", elapsed)
	}
}

func TestCollect_PostCompletionTimeout(t *testing.T) {
	dir := t.TempDir()
	// no artifacts ever appear

	policy := QueuePolicy{
		PostCompletionTimeout: 900 * time.Millisecond,
		MarkerTimeout:         300 * time.Millisecond,
	}

	c := NewCollector(nil)
	start := time.Now()
	col := c.Collect(context.Background(), "job-1", dir, "shot-1", 0, policy)
	elapsed := time.Since(start)

	if col.Reason != ExitPostCompletionTimeout {
		t.Fatalf("Reason = %s, want %s", col.Reason, ExitPostCompletionTimeout)
	}
	if elapsed < 800*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("deadline fired at %v, want near %v", elapsed, policy.PostCompletionTimeout)
	}
}

func TestCollect_ShortfallNote(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "shot-1", 2)
	writeMarker(t, dir, "shot-1", 5)

	c := NewCollector(nil)
	col := c.Collect(context.Background(), "job-1", dir, "shot-1", 0, collectPolicy())

	if col.Reason != ExitSuccess {
		t.Fatalf("Reason = %s, want %s", col.Reason, ExitSuccess)
	}
	found := false
	for _, n := range col.Notes {
		if strings.Contains(n, "below expected floor") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected shortfall note when marker frames exceed artifacts, got %v", col.Notes)
	}
}

func TestAppendShortfallNote(t *testing.T) {
	tests := []struct {
		name         string
		markerFrames int
		expected     int
		got          int
		wantNote     bool
	}{
		{"no floor", 0, 0, 2, false},
		{"meets expected", 0, 3, 3, false},
		{"below expected", 0, 5, 3, true},
		{"below marker count", 4, 0, 2, true},
		{"marker is the higher floor", 6, 3, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notes := appendShortfallNote(nil, tt.markerFrames, tt.expected, tt.got)
			if (len(notes) > 0) != tt.wantNote {
				t.Errorf("notes = %v, wantNote = %v", notes, tt.wantNote)
			}
		})
	}
}
