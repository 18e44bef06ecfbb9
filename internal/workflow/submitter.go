package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/gemdirect/render-agent/internal/engine"
)

// Backend is the slice of the backend client submission needs.
type Backend interface {
	QueuePrompt(ctx context.Context, graph json.RawMessage) (string, error)
	UploadImage(ctx context.Context, path string) (string, error)
}

// Submitter implements engine.Submitter: it resolves the request's
// template, substitutes every placeholder into its declared slot and posts
// the graph. All failure modes here are submission errors and therefore
// retryable by the coordinator.
type Submitter struct {
	library *Library
	backend Backend
	logger  *slog.Logger
}

func NewSubmitter(library *Library, backend Backend, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Submitter{library: library, backend: backend, logger: logger}
}

// Submit builds and queues the job description, returning the backend job
// id. Text slots get string substitution, image slots are uploaded first
// and replaced by the backend-local filename, scene slots get the
// serialized metadata blob.
func (s *Submitter) Submit(ctx context.Context, req engine.JobRequest) (string, error) {
	tmpl, ok := s.library.Get(req.Template)
	if !ok {
		return "", fmt.Errorf("unknown template %q", req.Template)
	}

	supplied := make(map[engine.PlaceholderKind]bool, len(req.Placeholders))
	for _, p := range req.Placeholders {
		supplied[p.Kind] = true
	}
	for _, kind := range tmpl.Required {
		if !supplied[kind] {
			return "", fmt.Errorf("template %q requires a %s placeholder", req.Template, kind)
		}
	}

	graph, err := tmpl.clone()
	if err != nil {
		return "", err
	}

	for _, p := range req.Placeholders {
		value, err := s.resolveValue(ctx, p)
		if err != nil {
			return "", err
		}
		if graph, err = tmpl.bind(graph, p.Kind, value); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(graph)
	if err != nil {
		return "", fmt.Errorf("marshal job description: %w", err)
	}

	jobID, err := s.backend.QueuePrompt(ctx, body)
	if err != nil {
		return "", err
	}

	s.logger.Info("job submitted",
		"request_id", req.ID,
		"template", req.Template,
		"job_id", jobID,
	)
	return jobID, nil
}

func (s *Submitter) resolveValue(ctx context.Context, p engine.Placeholder) (any, error) {
	switch p.Kind {
	case engine.PlaceholderPrompt, engine.PlaceholderNegativePrompt:
		return p.Text, nil
	case engine.PlaceholderImage:
		name, err := s.backend.UploadImage(ctx, p.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("upload reference image: %w", err)
		}
		return name, nil
	case engine.PlaceholderScene:
		return string(p.Data), nil
	default:
		return nil, fmt.Errorf("unknown placeholder kind %q", p.Kind)
	}
}
