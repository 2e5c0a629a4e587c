package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/pixelprep/internal/domain"
)

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	job := domain.Job{ID: "job_1", Status: domain.JobStatusCreated, SourceType: domain.SourceTypeS3Presigned}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, job); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	queued, err := s.UpdateStatus(ctx, "job_1", domain.JobStatusQueued)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if queued.Status != domain.JobStatusQueued || !queued.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected job after update %+v", queued)
	}

	result := domain.JobResult{OutputKey: "outputs/job_1/tensor.bin", Shape: []int{224, 224, 3}, DType: "float32"}
	done, err := s.Finish(ctx, "job_1", domain.JobStatusSucceeded, result)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !done.Finished() || done.Result == nil || done.Result.OutputKey != result.OutputKey {
		t.Fatalf("unexpected finished job %+v", done)
	}

	done.Result.Shape[0] = 1
	got, ok, err := s.Get(ctx, "job_1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Result.Shape[0] != 224 {
		t.Fatalf("expected stored result to be isolated from callers, got %v", got.Result.Shape)
	}
}

func TestMemoryJobStoreMissingJob(t *testing.T) {
	s := NewMemoryJobStore()
	if _, err := s.UpdateStatus(context.Background(), "nope", domain.JobStatusQueued); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, ok, err := s.Get(context.Background(), "nope"); ok || err != nil {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	jobs, closeFn, err := Open(context.Background(), "  ")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closeFn()
	if _, ok := jobs.(*MemoryJobStore); !ok {
		t.Fatalf("expected memory store, got %T", jobs)
	}
}
