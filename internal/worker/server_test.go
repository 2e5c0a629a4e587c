package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelprep/internal/domain"
	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/processor"
	"github.com/dunamismax/pixelprep/internal/queue"
	"github.com/dunamismax/pixelprep/internal/store"
	"github.com/dunamismax/pixelprep/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestPreprocessObjectSource(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("uploads/job_1/source", testPNG(t, 20, 10))
	jobs := seedJob(t, "job_1", domain.SourceTypeS3Presigned, "uploads/job_1/source")
	hooks := &captureWebhook{}
	s := newTestServer(t, objects, jobs, hooks)

	err := s.handlePreprocessImage(context.Background(), newTask(t, queue.PreprocessImagePayload{
		JobID:      "job_1",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_1/source",
		WebhookURL: "https://hooks.test/done",
	}))
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}

	out, ok := objects.get("outputs/job_1/tensor.bin")
	if !ok {
		t.Fatal("expected tensor to be written")
	}
	if len(out.data) != 4*4*3*4 {
		t.Fatalf("expected %d tensor bytes, got %d", 4*4*3*4, len(out.data))
	}
	if out.metadata[MetadataTensorShape] != "4,4,3" || out.metadata[MetadataTensorDType] != "float32" {
		t.Fatalf("unexpected tensor metadata %v", out.metadata)
	}

	job, _, _ := jobs.Get(context.Background(), "job_1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if job.Result == nil || job.Result.OutputKey != "outputs/job_1/tensor.bin" || job.Result.Bytes != len(out.data) {
		t.Fatalf("unexpected job result %+v", job.Result)
	}

	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one completed event, got %v", hooks.events)
	}
	n := hooks.notifications[0]
	if n.OutputKey != "outputs/job_1/tensor.bin" || n.DType != "float32" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestPreprocessLocalFileWithSnapshot(t *testing.T) {
	source := filepath.Join(t.TempDir(), "input.png")
	if err := os.WriteFile(source, testPNG(t, 8, 8), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	objects := newMemoryObjects()
	jobs := seedJob(t, "job_2", domain.SourceTypeLocalFile, source)
	s := newTestServer(t, objects, jobs, nil)

	err := s.handlePreprocessImage(context.Background(), newTask(t, queue.PreprocessImagePayload{
		JobID:      "job_2",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  source,
		Snapshot:   true,
	}))
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}

	snap, ok := objects.get("outputs/job_2/snapshot.png")
	if !ok {
		t.Fatal("expected snapshot to be written")
	}
	if snap.contentType != "image/png" {
		t.Fatalf("expected image/png, got %s", snap.contentType)
	}
	job, _, _ := jobs.Get(context.Background(), "job_2")
	if job.Result == nil || job.Result.SnapshotKey != "outputs/job_2/snapshot.png" {
		t.Fatalf("expected snapshot key in result, got %+v", job.Result)
	}
}

func TestPipelineErrorSkipsRetry(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("uploads/job_3/source", []byte("definitely not an image"))
	jobs := seedJob(t, "job_3", domain.SourceTypeS3Presigned, "uploads/job_3/source")
	hooks := &captureWebhook{}
	s := newTestServer(t, objects, jobs, hooks)

	err := s.handlePreprocessImage(context.Background(), newTask(t, queue.PreprocessImagePayload{
		JobID:      "job_3",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_3/source",
		WebhookURL: "https://hooks.test/done",
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobs.Get(context.Background(), "job_3")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Result == nil || job.Result.ErrorKind != "decode" {
		t.Fatalf("expected decode error kind, got %+v", job.Result)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected one failed event, got %v", hooks.events)
	}
	if _, ok := objects.get("outputs/job_3/tensor.bin"); ok {
		t.Fatal("expected no tensor for a failed job")
	}
}

func TestFetchErrorIsRetried(t *testing.T) {
	objects := newMemoryObjects()
	jobs := seedJob(t, "job_4", domain.SourceTypeS3Presigned, "uploads/job_4/source")
	s := newTestServer(t, objects, jobs, nil)

	err := s.handlePreprocessImage(context.Background(), newTask(t, queue.PreprocessImagePayload{
		JobID:      "job_4",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_4/source",
	}))
	if err == nil {
		t.Fatal("expected an error for a missing source")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("expected storage failures to stay retryable")
	}
	job, _, _ := jobs.Get(context.Background(), "job_4")
	if job.Result == nil || job.Result.ErrorKind != "" || job.Result.Error == "" {
		t.Fatalf("expected an unclassified error in the result, got %+v", job.Result)
	}
}

func TestRetryableFailureReportedOnlyOnLastAttempt(t *testing.T) {
	objects := newMemoryObjects()
	jobs := seedJob(t, "job_6", domain.SourceTypeS3Presigned, "uploads/job_6/source")
	hooks := &captureWebhook{}
	s := newTestServer(t, objects, jobs, hooks)
	payload := queue.PreprocessImagePayload{
		JobID:      "job_6",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_6/source",
		WebhookURL: "https://hooks.test/done",
	}

	s.retryState = func(context.Context) (int, int, bool) { return 1, 3, true }
	if err := s.handlePreprocessImage(context.Background(), newTask(t, payload)); err == nil {
		t.Fatal("expected an error for a missing source")
	}
	job, _, _ := jobs.Get(context.Background(), "job_6")
	if job.Status != domain.JobStatusQueued || job.Result != nil {
		t.Fatalf("expected a queued job without a result, got status=%s result=%+v", job.Status, job.Result)
	}
	if len(hooks.events) != 0 {
		t.Fatalf("expected no webhook before the last attempt, got %v", hooks.events)
	}

	s.retryState = func(context.Context) (int, int, bool) { return 3, 3, true }
	if err := s.handlePreprocessImage(context.Background(), newTask(t, payload)); err == nil {
		t.Fatal("expected an error for a missing source")
	}
	job, _, _ = jobs.Get(context.Background(), "job_6")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed on the last attempt, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobFailed {
		t.Fatalf("expected one failed event, got %v", hooks.events)
	}
}

func TestRetryThenSuccessSendsOneWebhook(t *testing.T) {
	objects := newMemoryObjects()
	jobs := seedJob(t, "job_7", domain.SourceTypeS3Presigned, "uploads/job_7/source")
	hooks := &captureWebhook{}
	s := newTestServer(t, objects, jobs, hooks)
	s.retryState = func(context.Context) (int, int, bool) { return 0, 3, true }
	payload := queue.PreprocessImagePayload{
		JobID:      "job_7",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_7/source",
		WebhookURL: "https://hooks.test/done",
	}

	if err := s.handlePreprocessImage(context.Background(), newTask(t, payload)); err == nil {
		t.Fatal("expected an error before the upload lands")
	}
	objects.put("uploads/job_7/source", testPNG(t, 8, 8))
	if err := s.handlePreprocessImage(context.Background(), newTask(t, payload)); err != nil {
		t.Fatalf("retry: %v", err)
	}

	job, _, _ := jobs.Get(context.Background(), "job_7")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if len(hooks.events) != 1 || hooks.events[0] != webhook.EventJobCompleted {
		t.Fatalf("expected one completed event, got %v", hooks.events)
	}
}

func TestInvalidPayloadSkipsRetry(t *testing.T) {
	s := newTestServer(t, newMemoryObjects(), store.NewMemoryJobStore(), nil)

	err := s.handlePreprocessImage(context.Background(), asynq.NewTask(queue.TypePreprocessImage, []byte(`{}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestWebhookFailureIsReturned(t *testing.T) {
	objects := newMemoryObjects()
	objects.put("uploads/job_5/source", testPNG(t, 8, 8))
	jobs := seedJob(t, "job_5", domain.SourceTypeS3Presigned, "uploads/job_5/source")
	s := newTestServer(t, objects, jobs, &captureWebhook{err: errors.New("receiver down")})

	err := s.handlePreprocessImage(context.Background(), newTask(t, queue.PreprocessImagePayload{
		JobID:      "job_5",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job_5/source",
		WebhookURL: "https://hooks.test/done",
	}))
	if err == nil {
		t.Fatal("expected webhook failure to be returned")
	}
	job, _, _ := jobs.Get(context.Background(), "job_5")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected the job to stay succeeded, got %s", job.Status)
	}
}

func TestPrefixDefaults(t *testing.T) {
	tests := map[string]string{"": "outputs", "/tensors/": "tensors", " out ": "out"}
	for in, want := range tests {
		s := &Server{outputPrefix: in}
		if got := s.prefix(); got != want {
			t.Fatalf("prefix(%q): expected %q, got %q", in, want, got)
		}
	}
}

type storedObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string]storedObject
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string]storedObject)}
}

func (m *memoryObjects) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = storedObject{data: data}
}

func (m *memoryObjects) get(key string) (storedObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	obj, ok := m.get(key)
	if !ok {
		return nil, errors.New("object not found")
	}
	return obj.data, nil
}

func (m *memoryObjects) WriteObject(ctx context.Context, key string, data []byte, contentType string) error {
	return m.WriteObjectWithMetadata(ctx, key, data, contentType, nil)
}

func (m *memoryObjects) WriteObjectWithMetadata(_ context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = storedObject{data: append([]byte(nil), data...), contentType: contentType, metadata: metadata}
	return nil
}

type captureWebhook struct {
	events        []string
	notifications []webhook.Notification
	err           error
}

func (c *captureWebhook) Send(_ context.Context, _ string, event string, n webhook.Notification) error {
	c.events = append(c.events, event)
	c.notifications = append(c.notifications, n)
	return c.err
}

func newTestServer(t *testing.T, objects *memoryObjects, jobs store.JobStore, hooks *captureWebhook) *Server {
	t.Helper()

	f32 := imaging.Float32
	pre, err := processor.NewPreprocessor(processor.PreprocessConfig{
		ResizeShape: &processor.Size{Width: 4, Height: 4},
		Normalize:   true,
		ElementType: &f32,
	}, processor.Options{})
	if err != nil {
		t.Fatalf("new preprocessor: %v", err)
	}

	s := &Server{
		logger:       log.New(io.Discard, "", 0),
		sem:          make(chan struct{}, 1),
		pre:          pre,
		storage:      objects,
		outputPrefix: "outputs",
		jobStore:     jobs,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("pixelprep/worker-test"),
	}
	if hooks != nil {
		s.webhookClient = hooks
	}
	return s
}

func seedJob(t *testing.T, id, sourceType, objectKey string) *store.MemoryJobStore {
	t.Helper()

	jobs := store.NewMemoryJobStore()
	now := time.Now().UTC()
	if err := jobs.Create(context.Background(), domain.Job{
		ID:         id,
		Status:     domain.JobStatusQueued,
		SourceType: sourceType,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return jobs
}

func newTask(t *testing.T, payload queue.PreprocessImagePayload) *asynq.Task {
	t.Helper()

	payload.RequestedAt = time.Now().UTC()
	task, err := queue.NewPreprocessImageTask(payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 12), G: uint8(y * 24), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
