package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelprep/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Finish records the terminal status and result of a job.
	Finish(ctx context.Context, id, status string, result domain.JobResult) (domain.Job, error)
}

// Open returns a PostgreSQL store for a non-empty DSN and an in-memory store
// otherwise. The in-memory store is only visible to the current process.
func Open(ctx context.Context, dsn string) (JobStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
