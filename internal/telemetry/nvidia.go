package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	smiTimeout     = 10 * time.Second
	maxProbeOutput = 8 * 1024
	mib            = int64(1024 * 1024)
)

// SMIProbe shells out to nvidia-smi and parses its tabular CSV output into
// the same Device shape the primary endpoint produces.
type SMIProbe struct {
	binary string // resolved path
}

// NewSMIProbe locates the probe binary. An empty preferred value
// auto-detects nvidia-smi on PATH.
func NewSMIProbe(preferred string) (*SMIProbe, error) {
	bin, err := resolveBinary(preferred)
	if err != nil {
		return nil, err
	}
	return &SMIProbe{binary: bin}, nil
}

func (p *SMIProbe) Query(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, smiTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"--query-gpu=name,memory.total,memory.free",
		"--format=csv,noheader,nounits",
	)

	var stdout bytes.Buffer
	cmd.Stdout = io.Writer(&limitedWriter{w: &stdout, limit: maxProbeOutput})
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.binary, err)
	}

	devices, err := parseSMIOutput(stdout.String())
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// parseSMIOutput parses lines of "name, total_mib, free_mib".
func parseSMIOutput(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected probe line %q", line)
		}
		total, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad total in probe line %q: %w", line, err)
		}
		free, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad free in probe line %q: %w", line, err)
		}
		devices = append(devices, Device{
			Name:       strings.TrimSpace(fields[0]),
			Type:       "cuda",
			TotalBytes: total * mib,
			FreeBytes:  free * mib,
		})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("probe produced no devices")
	}
	return devices, nil
}

func resolveBinary(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured probe %q not found", preferred)
	}
	if p, err := exec.LookPath("nvidia-smi"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("nvidia-smi not found on PATH")
}

// limitedWriter keeps only the last `limit` bytes written.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
