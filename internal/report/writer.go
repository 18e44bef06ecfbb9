package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gemdirect/render-agent/internal/engine"
)

// WriteJSON serializes the report to path using a tmp-then-rename so a
// reader never observes a partial document.
func WriteJSON(path string, r *engine.RunReport) error {
	doc, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize report: %w", err)
	}
	return nil
}
