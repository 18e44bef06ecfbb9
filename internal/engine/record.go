package engine

// Telemetry record assembly. Pure functions: no I/O, no clock reads, so
// building the same attempt twice yields identical result fields.

// MemoryDelta computes after.free - before.free. The delta is nil, not
// zero, whenever either operand is unknown; a negative delta means the job
// consumed memory.
func MemoryDelta(before, after TelemetrySnapshot) *int64 {
	if before.Source == SourceUnavailable || after.Source == SourceUnavailable {
		return nil
	}
	if before.FreeBytes == nil || after.FreeBytes == nil {
		return nil
	}
	d := *after.FreeBytes - *before.FreeBytes
	return &d
}

// BuildResult assembles the externally visible record for one JobRequest
// from its ordered attempts. The winning attempt is the last one; its exit
// reason, artifacts and telemetry determine the result fields.
func BuildResult(req JobRequest, attempts []JobAttempt, outputDir string) JobResult {
	winning := len(attempts) - 1
	win := attempts[winning]

	notes := make([]string, 0, len(win.Notes)+len(win.Before.FallbackNotes)+len(win.After.FallbackNotes))
	notes = append(notes, win.Before.FallbackNotes...)
	notes = append(notes, win.Notes...)
	notes = append(notes, win.After.FallbackNotes...)

	var elapsed int64
	if len(attempts) > 0 {
		elapsed = attempts[winning].EndedAt.Sub(attempts[0].StartedAt).Milliseconds()
	}

	return JobResult{
		RequestID:        req.ID,
		Attempts:         attempts,
		WinningAttempt:   winning,
		ExitReason:       win.ExitReason,
		ElapsedMs:        elapsed,
		OutputDir:        outputDir,
		Artifacts:        win.Artifacts,
		MemoryDeltaBytes: MemoryDelta(win.Before, win.After),
		FallbackNotes:    notes,
		Degraded:         len(notes) > 0 || win.ExitReason == ExitMarkerTimeout,
		Failed:           !win.ExitReason.TerminalSuccess(),
	}
}
