package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gemdirect/render-agent/internal/backend"
	"github.com/gemdirect/render-agent/internal/engine"
)

type fakeStats struct {
	stats *backend.SystemStats
	err   error
}

func (f *fakeStats) SystemStats(ctx context.Context) (*backend.SystemStats, error) {
	return f.stats, f.err
}

type fakeProbe struct {
	devices []Device
	err     error
	calls   int
}

func (f *fakeProbe) Query(ctx context.Context) ([]Device, error) {
	f.calls++
	return f.devices, f.err
}

func TestSnapshot_PrimarySource(t *testing.T) {
	stats := &fakeStats{stats: &backend.SystemStats{
		Devices: []backend.DeviceInfo{
			{Name: "NVIDIA GeForce RTX 4090", Type: "cuda", VRAMTotal: 24 << 30, VRAMFree: 20 << 30},
		},
	}}
	probe := &fakeProbe{}

	snap := NewAdapter(stats, probe, nil).Snapshot(context.Background())

	if snap.Source != engine.SourcePrimary {
		t.Fatalf("source = %q, want primary", snap.Source)
	}
	if snap.TotalBytes == nil || *snap.TotalBytes != 24<<30 {
		t.Errorf("total = %v, want 24GiB", snap.TotalBytes)
	}
	if snap.FreeBytes == nil || *snap.FreeBytes != 20<<30 {
		t.Errorf("free = %v, want 20GiB", snap.FreeBytes)
	}
	if len(snap.FallbackNotes) != 0 {
		t.Errorf("notes = %v, want none", snap.FallbackNotes)
	}
	if probe.calls != 0 {
		t.Error("fallback probe must not run when primary succeeds")
	}
}

func TestSnapshot_FallbackSource(t *testing.T) {
	stats := &fakeStats{err: errors.New("connect timeout")}
	probe := &fakeProbe{devices: []Device{
		{Name: "NVIDIA GeForce RTX 4090", Type: "cuda", TotalBytes: 24 << 30, FreeBytes: 18 << 30},
	}}

	snap := NewAdapter(stats, probe, nil).Snapshot(context.Background())

	if snap.Source != engine.SourceFallback {
		t.Fatalf("source = %q, want fallback", snap.Source)
	}
	if snap.FreeBytes == nil || *snap.FreeBytes != 18<<30 {
		t.Errorf("free = %v, want 18GiB", snap.FreeBytes)
	}
	if len(snap.FallbackNotes) != 1 {
		t.Fatalf("notes = %v, want exactly the primary failure note", snap.FallbackNotes)
	}
	if !strings.Contains(snap.FallbackNotes[0], "primary telemetry endpoint failed") {
		t.Errorf("note = %q", snap.FallbackNotes[0])
	}
}

func TestSnapshot_BothSourcesDown(t *testing.T) {
	stats := &fakeStats{err: errors.New("connect timeout")}
	probe := &fakeProbe{err: errors.New("nvidia-smi: exit status 9")}

	snap := NewAdapter(stats, probe, nil).Snapshot(context.Background())

	if snap.Source != engine.SourceUnavailable {
		t.Fatalf("source = %q, want unavailable", snap.Source)
	}
	if snap.TotalBytes != nil || snap.FreeBytes != nil {
		t.Error("memory fields must be nil when no source responded")
	}
	if len(snap.FallbackNotes) != 2 {
		t.Fatalf("notes = %v, want one per failed source", snap.FallbackNotes)
	}
}

func TestSnapshot_PrimaryEmptyDeviceList(t *testing.T) {
	stats := &fakeStats{stats: &backend.SystemStats{}}
	probe := &fakeProbe{devices: []Device{
		{Name: "NVIDIA GeForce RTX 3080", Type: "cuda", TotalBytes: 10 << 30, FreeBytes: 9 << 30},
	}}

	snap := NewAdapter(stats, probe, nil).Snapshot(context.Background())

	if snap.Source != engine.SourceFallback {
		t.Fatalf("source = %q, want fallback when primary has no devices", snap.Source)
	}
}

func TestParseSMIOutput(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int
		wantErr bool
	}{
		{
			name: "single device",
			out:  "NVIDIA GeForce RTX 4090, 24564, 20011\n",
			want: 1,
		},
		{
			name: "two devices with trailing blank",
			out:  "NVIDIA A100-SXM4-40GB, 40960, 39000\nNVIDIA A100-SXM4-40GB, 40960, 12345\n\n",
			want: 2,
		},
		{
			name:    "empty output",
			out:     "\n",
			wantErr: true,
		},
		{
			name:    "wrong field count",
			out:     "NVIDIA GeForce RTX 4090, 24564\n",
			wantErr: true,
		},
		{
			name:    "non-numeric total",
			out:     "NVIDIA GeForce RTX 4090, [N/A], 20011\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := parseSMIOutput(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSMIOutput error: %v", err)
			}
			if len(devices) != tt.want {
				t.Fatalf("devices = %d, want %d", len(devices), tt.want)
			}
		})
	}
}

func TestParseSMIOutput_ConvertsMiBToBytes(t *testing.T) {
	devices, err := parseSMIOutput("NVIDIA GeForce RTX 4090, 24564, 20011")
	if err != nil {
		t.Fatalf("parseSMIOutput error: %v", err)
	}
	if got := devices[0].TotalBytes; got != 24564*mib {
		t.Errorf("total = %d, want %d", got, 24564*mib)
	}
	if got := devices[0].FreeBytes; got != 20011*mib {
		t.Errorf("free = %d, want %d", got, 20011*mib)
	}
	if devices[0].Type != "cuda" {
		t.Errorf("type = %q, want cuda", devices[0].Type)
	}
}

func TestLimitedWriter_KeepsTail(t *testing.T) {
	lw := &limitedWriter{w: &bytes.Buffer{}, limit: 8}
	lw.Write([]byte("0123456789abcdef"))
	if got := lw.w.String(); got != "89abcdef" {
		t.Errorf("tail = %q, want last 8 bytes", got)
	}
}
