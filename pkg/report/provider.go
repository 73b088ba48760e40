package report

import (
	"context"
	"errors"
	"fmt"

	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

// Format is a supported report encoding.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat accepts only the enumerated formats.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatPDF:
		return f, nil
	}
	return "", model.Invalid("format", "must be csv or pdf")
}

func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "text/csv"
}

// Artifact is a rendered report.
type Artifact struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Provider serves reports of completed tasks to their owner or an admin.
type Provider struct {
	tasks   store.TaskStore
	results ResultStore
}

func NewProvider(tasks store.TaskStore, results ResultStore) *Provider {
	return &Provider{tasks: tasks, results: results}
}

// GetReport checks the format first, then existence, access and readiness, in that order.
func (p *Provider) GetReport(ctx context.Context, caller model.Identity, taskID, format string) (Artifact, error) {
	if caller.ID == "" {
		return Artifact{}, model.ErrUnauthenticated
	}
	f, err := ParseFormat(format)
	if err != nil {
		return Artifact{}, err
	}
	t, err := p.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Artifact{}, err
	}
	if !caller.IsAdmin() && t.OwnerID != caller.ID {
		return Artifact{}, model.ErrForbidden
	}
	if t.Status != model.StatusCompleted {
		return Artifact{}, model.ErrNotReady
	}
	res, err := p.results.GetResult(ctx, t.ReportHandle)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Artifact{}, fmt.Errorf("report %s of task %s: %w", t.ReportHandle, t.ID, err)
		}
		return Artifact{}, fmt.Errorf("load result: %w", err)
	}

	var body []byte
	switch f {
	case FormatPDF:
		body, err = RenderPDF(t, res)
	default:
		body, err = RenderCSV(t, res)
	}
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Filename:    fmt.Sprintf("report_%s.%s", t.ID, f),
		ContentType: f.ContentType(),
		Body:        body,
	}, nil
}
