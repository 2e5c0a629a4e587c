package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/pixelprep/internal/domain"
)

var _ JobStore = (*MemoryJobStore)(nil)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) Finish(_ context.Context, id, status string, result domain.JobResult) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
		job.Result = &result
	})
}

func (s *MemoryJobStore) update(id string, fn func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	fn(&job)
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = cloneJob(job)
	return cloneJob(job), nil
}

func cloneJob(job domain.Job) domain.Job {
	if job.Result != nil {
		r := *job.Result
		r.Shape = append([]int(nil), r.Shape...)
		job.Result = &r
	}
	return job
}
