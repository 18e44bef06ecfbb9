// Package manifest parses the YAML run manifest: an ordered list of job
// requests plus run-level queue policy, with optional per-job overrides.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gemdirect/render-agent/internal/engine"
)

// Duration wraps time.Duration so budgets can be written as "90s" or "2m"
// in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Policy mirrors engine.QueuePolicy with YAML-friendly fields. Zero fields
// inherit from the base policy.
type Policy struct {
	MaxWait               Duration `yaml:"max_wait"`
	PollInterval          Duration `yaml:"poll_interval"`
	MaxPollAttempts       int      `yaml:"max_poll_attempts"`
	PostCompletionTimeout Duration `yaml:"post_completion_timeout"`
	MarkerTimeout         Duration `yaml:"marker_timeout"`
	RetryBudget           *int     `yaml:"retry_budget"`
}

// apply overlays the non-zero fields onto base.
func (p *Policy) apply(base engine.QueuePolicy) engine.QueuePolicy {
	if p == nil {
		return base
	}
	if p.MaxWait != 0 {
		base.MaxWait = time.Duration(p.MaxWait)
	}
	if p.PollInterval != 0 {
		base.PollInterval = time.Duration(p.PollInterval)
	}
	if p.MaxPollAttempts != 0 {
		base.MaxPollAttempts = p.MaxPollAttempts
	}
	if p.PostCompletionTimeout != 0 {
		base.PostCompletionTimeout = time.Duration(p.PostCompletionTimeout)
	}
	if p.MarkerTimeout != 0 {
		base.MarkerTimeout = time.Duration(p.MarkerTimeout)
	}
	if p.RetryBudget != nil {
		base.RetryBudget = *p.RetryBudget
	}
	return base
}

// Job is one manifest entry.
type Job struct {
	ID             string  `yaml:"id"`
	Template       string  `yaml:"template"`
	ExpectedFrames int     `yaml:"expected_frames"`
	Policy         *Policy `yaml:"policy"`

	Prompt         string         `yaml:"prompt"`
	NegativePrompt string         `yaml:"negative_prompt"`
	Image          string         `yaml:"image"`
	Scene          map[string]any `yaml:"scene"`
}

// Manifest is the parsed run description.
type Manifest struct {
	Policy *Policy `yaml:"policy"`
	Jobs   []Job   `yaml:"jobs"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Jobs) == 0 {
		return fmt.Errorf("manifest declares no jobs")
	}
	seen := make(map[string]bool, len(m.Jobs))
	for i, j := range m.Jobs {
		if j.ID == "" {
			return fmt.Errorf("job %d has no id", i)
		}
		if seen[j.ID] {
			return fmt.Errorf("duplicate job id %q", j.ID)
		}
		seen[j.ID] = true
		if j.Template == "" {
			return fmt.Errorf("job %q has no template", j.ID)
		}
	}
	return nil
}

// RunPolicy resolves the run-level policy over the engine defaults.
func (m *Manifest) RunPolicy() engine.QueuePolicy {
	return m.Policy.apply(engine.DefaultPolicy())
}

// Requests converts the manifest's jobs into immutable engine requests.
// Per-job policies are resolved against the run-level policy here so the
// engine never consults the manifest again.
func (m *Manifest) Requests() ([]engine.JobRequest, error) {
	base := m.RunPolicy()
	reqs := make([]engine.JobRequest, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		req := engine.JobRequest{
			ID:             j.ID,
			Template:       j.Template,
			ExpectedFrames: j.ExpectedFrames,
		}
		if j.Prompt != "" {
			req.Placeholders = append(req.Placeholders, engine.Placeholder{
				Kind: engine.PlaceholderPrompt,
				Text: j.Prompt,
			})
		}
		if j.NegativePrompt != "" {
			req.Placeholders = append(req.Placeholders, engine.Placeholder{
				Kind: engine.PlaceholderNegativePrompt,
				Text: j.NegativePrompt,
			})
		}
		if j.Image != "" {
			req.Placeholders = append(req.Placeholders, engine.Placeholder{
				Kind:      engine.PlaceholderImage,
				ImagePath: j.Image,
			})
		}
		if j.Scene != nil {
			blob, err := json.Marshal(j.Scene)
			if err != nil {
				return nil, fmt.Errorf("job %q: marshal scene metadata: %w", j.ID, err)
			}
			req.Placeholders = append(req.Placeholders, engine.Placeholder{
				Kind: engine.PlaceholderScene,
				Data: blob,
			})
		}
		if j.Policy != nil {
			p := j.Policy.apply(base)
			req.Policy = &p
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
