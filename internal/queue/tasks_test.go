package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestPreprocessImageTaskRoundTrip(t *testing.T) {
	payload := PreprocessImagePayload{
		JobID:       "job_123",
		SourceType:  "s3_presigned",
		ObjectKey:   "uploads/job_123/source",
		WebhookURL:  "https://hooks.example.com/done",
		Snapshot:    true,
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewPreprocessImageTask(payload)
	if err != nil {
		t.Fatalf("NewPreprocessImageTask returned error: %v", err)
	}
	if task.Type() != TypePreprocessImage {
		t.Fatalf("expected task type %q, got %q", TypePreprocessImage, task.Type())
	}

	parsed, err := ParsePreprocessImagePayload(task)
	if err != nil {
		t.Fatalf("ParsePreprocessImagePayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID || parsed.ObjectKey != payload.ObjectKey {
		t.Fatalf("expected %+v, got %+v", payload, parsed)
	}
	if !parsed.Snapshot {
		t.Fatal("expected snapshot flag to survive")
	}
}

func TestPreprocessImageTaskRequiresJobID(t *testing.T) {
	if _, err := NewPreprocessImageTask(PreprocessImagePayload{}); err == nil {
		t.Fatal("expected an error without job_id")
	}
	if _, err := ParsePreprocessImagePayload(asynq.NewTask(TypePreprocessImage, []byte(`{"object_key":"x"}`))); err == nil {
		t.Fatal("expected an error for a payload without job_id")
	}
	if _, err := ParsePreprocessImagePayload(asynq.NewTask(TypePreprocessImage, []byte(`{`))); err == nil {
		t.Fatal("expected an error for malformed json")
	}
}

func TestEnqueueOptionDefaults(t *testing.T) {
	opts := EnqueueOptions{}.withDefaults()
	if opts.MaxRetry != 5 || opts.Timeout != 3*time.Minute || opts.Retention != 24*time.Hour {
		t.Fatalf("unexpected defaults %+v", opts)
	}

	custom := EnqueueOptions{MaxRetry: 2, Timeout: time.Minute, Retention: time.Hour}.withDefaults()
	if custom.MaxRetry != 2 || custom.Timeout != time.Minute || custom.Retention != time.Hour {
		t.Fatalf("expected custom options to be kept, got %+v", custom)
	}
}

func TestTaskOptionsUseJobID(t *testing.T) {
	c := &Client{queue: "images", opts: EnqueueOptions{}.withDefaults()}

	values := map[asynq.OptionType]any{}
	for _, opt := range c.taskOptions("job_9") {
		values[opt.Type()] = opt.Value()
	}
	if values[asynq.TaskIDOpt] != "job_9" {
		t.Fatalf("expected task id job_9, got %v", values[asynq.TaskIDOpt])
	}
	if values[asynq.QueueOpt] != "images" {
		t.Fatalf("expected queue images, got %v", values[asynq.QueueOpt])
	}
	if values[asynq.MaxRetryOpt] != 5 {
		t.Fatalf("expected max retry 5, got %v", values[asynq.MaxRetryOpt])
	}
}
