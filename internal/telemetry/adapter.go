// Package telemetry captures device memory snapshots from the backend's
// structured stats endpoint, falling back to a command-line GPU probe when
// the endpoint is unreachable. Callers always receive a snapshot; failures
// degrade the snapshot's source tag instead of propagating.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gemdirect/render-agent/internal/backend"
	"github.com/gemdirect/render-agent/internal/engine"
)

// StatsClient is the primary structured telemetry source.
type StatsClient interface {
	SystemStats(ctx context.Context) (*backend.SystemStats, error)
}

// GPUProbe is the secondary command-line source.
type GPUProbe interface {
	Query(ctx context.Context) ([]Device, error)
}

// Device is the normalized shape both sources produce.
type Device struct {
	Name       string
	Type       string
	TotalBytes int64
	FreeBytes  int64
}

// Adapter implements engine.TelemetryProbe over the two sources.
type Adapter struct {
	stats  StatsClient
	probe  GPUProbe
	logger *slog.Logger
}

func NewAdapter(stats StatsClient, probe GPUProbe, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{stats: stats, probe: probe, logger: logger}
}

// Snapshot reads the first device's memory state. It never fails: when both
// sources are down the snapshot carries source=unavailable, nil memory
// fields and one note per failed source.
func (a *Adapter) Snapshot(ctx context.Context) engine.TelemetrySnapshot {
	snap := engine.TelemetrySnapshot{
		CapturedAt:    time.Now().UTC(),
		FallbackNotes: []string{},
	}

	stats, primaryErr := a.stats.SystemStats(ctx)
	if primaryErr == nil && len(stats.Devices) > 0 {
		d := stats.Devices[0]
		snap.DeviceName = d.Name
		snap.DeviceType = d.Type
		snap.TotalBytes = ptr(d.VRAMTotal)
		snap.FreeBytes = ptr(d.VRAMFree)
		snap.Source = engine.SourcePrimary
		return snap
	}
	if primaryErr == nil {
		primaryErr = fmt.Errorf("stats endpoint reported no devices")
	}
	snap.FallbackNotes = append(snap.FallbackNotes,
		fmt.Sprintf("primary telemetry endpoint failed: %v", primaryErr))
	a.logger.Warn("primary telemetry source failed; trying fallback probe", "error", primaryErr)

	devices, fallbackErr := a.probe.Query(ctx)
	if fallbackErr == nil && len(devices) > 0 {
		d := devices[0]
		snap.DeviceName = d.Name
		snap.DeviceType = d.Type
		snap.TotalBytes = ptr(d.TotalBytes)
		snap.FreeBytes = ptr(d.FreeBytes)
		snap.Source = engine.SourceFallback
		return snap
	}
	if fallbackErr == nil {
		fallbackErr = fmt.Errorf("probe reported no devices")
	}
	snap.FallbackNotes = append(snap.FallbackNotes,
		fmt.Sprintf("fallback GPU probe failed: %v", fallbackErr))
	a.logger.Warn("fallback GPU probe failed; telemetry unavailable", "error", fallbackErr)

	snap.Source = engine.SourceUnavailable
	return snap
}

func ptr(v int64) *int64 { return &v }
