package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/pixelprep/internal/config"
	"github.com/dunamismax/pixelprep/internal/domain"
	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/processor"
	"github.com/dunamismax/pixelprep/internal/queue"
	"github.com/dunamismax/pixelprep/internal/store"
	"github.com/dunamismax/pixelprep/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tensorObjectName   = "tensor.bin"
	snapshotObjectName = "snapshot"

	MetadataTensorShape = "Tensor-Shape"
	MetadataTensorDType = "Tensor-Dtype"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	pre           *processor.Preprocessor
	storage       objectStore
	outputPrefix  string
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
	// retryState reports the attempt number and retry budget of the running
	// task. Nil reads them from the asynq handler context.
	retryState func(ctx context.Context) (retried, maxRetry int, ok bool)
}

type objectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	WriteObjectWithMetadata(ctx context.Context, objectKey string, data []byte, contentType string, metadata map[string]string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, n webhook.Notification) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	pre *processor.Preprocessor,
	storage objectStore,
	webhookClient webhookSender,
	jobStore store.JobStore,
) (*Server, error) {
	if pre == nil {
		return nil, fmt.Errorf("preprocessor is required")
	}
	if storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		pre:           pre,
		storage:       storage,
		outputPrefix:  workerCfg.OutputPrefix,
		webhookClient: webhookClient,
		jobStore:      jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelprep/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePreprocessImage, s.handlePreprocessImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handlePreprocessImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParsePreprocessImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.preprocess_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Bool("job.snapshot", payload.Snapshot),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("working job_id=%s source_type=%s object_key=%s snapshot=%t",
		payload.JobID, payload.SourceType, payload.ObjectKey, payload.Snapshot)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.process(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "preprocess failed")

		result.Error = err.Error()
		if imaging.Kind(err) != nil {
			result.ErrorKind = imaging.KindLabel(err)
			s.metrics.pipelineErrors.WithLabelValues(result.ErrorKind).Inc()
		}

		// Transient failures are only recorded once asynq stops retrying.
		if result.ErrorKind == "" && !s.lastAttempt(ctx) {
			s.logger.Printf("job will retry job_id=%s err=%v", payload.JobID, err)
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			return fmt.Errorf("preprocess job %s: %w", payload.JobID, err)
		}

		s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, result)
		_ = s.dispatchWebhook(ctx, payload, webhook.EventJobFailed, domain.JobStatusFailed, result)

		// Pipeline errors are properties of the input; retrying cannot help.
		if result.ErrorKind != "" {
			return fmt.Errorf("preprocess job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("preprocess job %s: %w", payload.JobID, err)
	}

	s.logger.Printf("processed job_id=%s shape=%s dtype=%s output=%s",
		payload.JobID, imaging.FormatShape(result.Shape), result.DType, result.OutputKey)
	s.finishJob(ctx, payload.JobID, domain.JobStatusSucceeded, result)

	if err := s.dispatchWebhook(ctx, payload, webhook.EventJobCompleted, domain.JobStatusSucceeded, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// lastAttempt reports whether asynq will not run the task again after a
// failure. Outside an asynq handler every attempt is the last.
func (s *Server) lastAttempt(ctx context.Context) bool {
	state := s.retryState
	if state == nil {
		state = asynqRetryState
	}
	retried, maxRetry, ok := state(ctx)
	return !ok || retried >= maxRetry
}

func asynqRetryState(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

// process fetches the source, preprocesses it and stores the tensor. The
// returned result carries whatever was produced before a failure.
func (s *Server) process(ctx context.Context, payload queue.PreprocessImagePayload) (domain.JobResult, error) {
	var result domain.JobResult

	data, err := s.fetchSource(ctx, payload)
	if err != nil {
		return result, err
	}

	arr, snapshotKey, err := s.preprocess(ctx, payload, data)
	if err != nil {
		return result, err
	}
	result.SnapshotKey = snapshotKey
	if snapshotKey != "" {
		s.metrics.snapshotsTotal.Inc()
	}

	shape := arr.Shape()
	raw := arr.Bytes()
	outputKey := path.Join(s.prefix(), payload.JobID, tensorObjectName)
	err = s.storage.WriteObjectWithMetadata(ctx, outputKey, raw, "application/octet-stream", map[string]string{
		MetadataTensorShape: imaging.FormatShape(shape),
		MetadataTensorDType: arr.DType().String(),
	})
	if err != nil {
		return result, fmt.Errorf("emit stage: %w", err)
	}

	result.OutputKey = outputKey
	result.Shape = shape
	result.DType = arr.DType().String()
	result.Bytes = len(raw)

	s.metrics.pixelsProcessedTotal.Add(float64(shape[0] * shape[1]))
	s.metrics.tensorBytesTotal.Add(float64(len(raw)))
	return result, nil
}

func (s *Server) fetchSource(ctx context.Context, payload queue.PreprocessImagePayload) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch payload.SourceType {
	case domain.SourceTypeLocalFile:
		data, err = os.ReadFile(payload.ObjectKey)
	default:
		data, err = s.storage.ReadObject(ctx, payload.ObjectKey)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch stage source=%s: %w", payload.ObjectKey, err)
	}
	return data, nil
}

func (s *Server) preprocess(ctx context.Context, payload queue.PreprocessImagePayload, data []byte) (*imaging.Array, string, error) {
	if !payload.Snapshot {
		arr, err := s.pre.Run(imaging.BytesInput(data))
		return arr, "", err
	}

	// Snapshots land next to the tensor, so each job gets its own writer.
	writer := &recordingWriter{next: processor.ObjectSnapshotWriter{
		Storage: s.storage,
		Prefix:  path.Join(s.prefix(), payload.JobID),
	}}
	pre, err := processor.NewPreprocessor(s.pre.Config(), processor.Options{Logger: s.logger, Snapshots: writer})
	if err != nil {
		return nil, "", err
	}
	arr, err := pre.RunWithSnapshot(ctx, imaging.BytesInput(data), snapshotObjectName)
	if err != nil {
		return nil, "", err
	}
	return arr, writer.key, nil
}

func (s *Server) prefix() string {
	prefix := strings.Trim(strings.TrimSpace(s.outputPrefix), "/")
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

type recordingWriter struct {
	next processor.SnapshotWriter
	key  string
}

func (w *recordingWriter) WriteSnapshot(ctx context.Context, name string, a *imaging.Array) (string, error) {
	key, err := w.next.WriteSnapshot(ctx, name, a)
	if err != nil {
		return "", err
	}
	w.key = key
	return key, nil
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status string, result domain.JobResult) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, result); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			s.logger.Printf("job finish skipped job_id=%s: unknown job", jobID)
			return
		}
		s.logger.Printf("job finish failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.PreprocessImagePayload, event, status string, result domain.JobResult) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	notification := webhook.Notification{
		JobID:       payload.JobID,
		Status:      status,
		SourceType:  payload.SourceType,
		ObjectKey:   payload.ObjectKey,
		OutputKey:   result.OutputKey,
		SnapshotKey: result.SnapshotKey,
		Shape:       result.Shape,
		DType:       result.DType,
		ErrorKind:   result.ErrorKind,
		Error:       result.Error,
		RequestedAt: payload.RequestedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, notification); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
