package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ErrDuplicateJob is returned when a job was already enqueued.
var ErrDuplicateJob = errors.New("job already enqueued")

// EnqueueOptions bound how often and how long the worker may spend on a job.
type EnqueueOptions struct {
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

func (o EnqueueOptions) withDefaults() EnqueueOptions {
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

type Client struct {
	client *asynq.Client
	queue  string
	opts   EnqueueOptions
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, opts EnqueueOptions) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
		opts:   opts.withDefaults(),
	}
}

// EnqueuePreprocessImage schedules a job once. The job id doubles as the task
// id, so starting the same job twice yields ErrDuplicateJob.
func (c *Client) EnqueuePreprocessImage(ctx context.Context, payload PreprocessImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewPreprocessImageTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task, c.taskOptions(payload.JobID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, payload.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func (c *Client) taskOptions(jobID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(c.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
		asynq.Retention(c.opts.Retention),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
