package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/pixelprep/internal/cache"
	"github.com/dunamismax/pixelprep/internal/domain"
	"github.com/dunamismax/pixelprep/internal/id"
	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/model"
	"github.com/dunamismax/pixelprep/internal/queue"
	"github.com/dunamismax/pixelprep/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderTensorShape = "X-Tensor-Shape"
	HeaderTensorDType = "X-Tensor-Dtype"
	HeaderCache       = "X-Cache"
)

type Server struct {
	logger       *log.Logger
	wrapper      *model.Wrapper
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	storage      objectStorage
	cache        resultCache
	fingerprint  string
	presignTTL   time.Duration
	maxBodyBytes int64
	tracer       trace.Tracer
	metrics      *metrics
	mux          *http.ServeMux
}

type Options struct {
	Queue   queueEnqueuer
	Jobs    store.JobStore
	Storage objectStorage
	// Cache is consulted by POST /v1/preprocess. Fingerprint must identify
	// the preprocessing profile the wrapper was built from.
	Cache        resultCache
	Fingerprint  string
	PresignTTL   time.Duration
	MaxBodyBytes int64
	Tracer       trace.Tracer
}

type queueEnqueuer interface {
	EnqueuePreprocessImage(ctx context.Context, payload queue.PreprocessImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
}

type resultCache interface {
	Get(ctx context.Context, key string) (*imaging.Array, bool, error)
	Set(ctx context.Context, key string, a *imaging.Array) error
}

func NewServer(logger *log.Logger, wrapper *model.Wrapper, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if opts.Jobs == nil {
		opts.Jobs = store.NewMemoryJobStore()
	}

	s := &Server{
		logger:       logger,
		wrapper:      wrapper,
		queueClient:  opts.Queue,
		jobStore:     opts.Jobs,
		storage:      opts.Storage,
		cache:        opts.Cache,
		fingerprint:  opts.Fingerprint,
		presignTTL:   opts.PresignTTL,
		maxBodyBytes: opts.MaxBodyBytes,
		tracer:       opts.Tracer,
		metrics:      newMetrics(),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", errors.New("object storage is unavailable")
}

func (unavailableObjectStorage) ObjectExists(_ context.Context, _ string) (bool, error) {
	return false, errors.New("object storage is unavailable")
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("GET /v1/metadata", s.handleMetadata)
	s.mux.HandleFunc("POST /v1/preprocess", s.handlePreprocess)
	s.mux.HandleFunc("POST /v1/postprocess", s.handlePostprocess)
	s.mux.HandleFunc("POST /v1/predict", s.handlePredict)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	pre := s.wrapper.Preprocessor().Config()
	post := s.wrapper.Postprocessor()
	writeJSON(w, http.StatusOK, map[string]any{
		"model": s.wrapper.Metadata(),
		"preprocess": map[string]any{
			"mode":        pre.Mode().String(),
			"normalize":   pre.Normalize,
			"standardize": pre.Standardize,
			"fingerprint": s.fingerprint,
		},
		"postprocess": map[string]any{
			"format": post.Format(),
		},
	})
}

func (s *Server) handlePreprocess(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	snapshot := strings.TrimSpace(r.URL.Query().Get("snapshot"))

	// Snapshots are side effects, so only plain requests use the cache.
	useCache := s.cache != nil && snapshot == ""
	key := ""
	if useCache {
		key = cache.Key(s.fingerprint, body)
		arr, hit, err := s.cache.Get(r.Context(), key)
		switch {
		case err != nil:
			s.metrics.cacheLookups.WithLabelValues("error").Inc()
			s.logger.Printf("cache lookup failed key=%s err=%v", key, err)
		case hit:
			s.metrics.cacheLookups.WithLabelValues("hit").Inc()
			w.Header().Set(HeaderCache, "hit")
			writeTensor(w, arr)
			return
		default:
			s.metrics.cacheLookups.WithLabelValues("miss").Inc()
		}
	}

	pre := s.wrapper.Preprocessor()
	var (
		arr *imaging.Array
		err error
	)
	if snapshot != "" {
		arr, err = pre.RunWithSnapshot(r.Context(), imaging.BytesInput(body), snapshot)
	} else {
		arr, err = pre.Run(imaging.BytesInput(body))
	}
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	if useCache {
		if err := s.cache.Set(r.Context(), key, arr); err != nil {
			s.logger.Printf("cache store failed key=%s err=%v", key, err)
		}
		w.Header().Set(HeaderCache, "miss")
	}
	writeTensor(w, arr)
}

// handlePostprocess accepts either an encoded image or a raw tensor. A raw
// tensor is announced by the X-Tensor-Shape and X-Tensor-Dtype headers.
func (s *Server) handlePostprocess(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	in := imaging.BytesInput(body)
	if r.Header.Get(HeaderTensorShape) != "" {
		arr, err := tensorFromRequest(r.Header, body)
		if err != nil {
			s.writePipelineError(w, r, err)
			return
		}
		in = imaging.ArrayInput(arr)
	}

	post := s.wrapper.Postprocessor()
	out, err := post.Run(in)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", imaging.ContentType(post.Format()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	out, err := s.wrapper.Predict(r.Context(), imaging.BytesInput(body))
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", imaging.ContentType(s.wrapper.Postprocessor().Format()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	if sourceType == domain.SourceTypeS3Presigned {
		objectKey = fmt.Sprintf("uploads/%s/source", jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
		if err != nil {
			s.logger.Printf("generate presigned url failed job=%s err=%v", jobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate upload URL"})
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	}

	job := domain.Job{
		ID:         jobID,
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		ObjectKey:  objectKey,
		Snapshot:   req.Snapshot,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job queue is unavailable"})
		return
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is already %s", job.Status)})
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	payload := queue.PreprocessImagePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		ObjectKey:   job.ObjectKey,
		WebhookURL:  job.WebhookURL,
		Snapshot:    job.Snapshot,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueuePreprocessImage(r.Context(), payload)
	if errors.Is(err, queue.ErrDuplicateJob) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is already enqueued"})
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed job=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return nil, false
	}
	return body, true
}

// writePipelineError reports imaging errors as client errors and everything
// else as an internal failure.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	label := imaging.KindLabel(err)
	s.metrics.pipelineErrors.WithLabelValues(routeLabel(r.URL.Path), label).Inc()

	if imaging.Kind(err) == nil {
		s.logger.Printf("request failed route=%s err=%v", routeLabel(r.URL.Path), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "kind": label})
}

func tensorFromRequest(h http.Header, body []byte) (*imaging.Array, error) {
	shape, err := imaging.ParseShape(h.Get(HeaderTensorShape))
	if err != nil {
		return nil, err
	}
	raw := h.Get(HeaderTensorDType)
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: %s header is required with %s", imaging.ErrConfiguration, HeaderTensorDType, HeaderTensorShape)
	}
	dtype, err := imaging.ParseElementType(raw)
	if err != nil {
		return nil, err
	}
	return imaging.ArrayFromBytes(dtype, shape, body)
}

func writeTensor(w http.ResponseWriter, a *imaging.Array) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderTensorShape, imaging.FormatShape(a.Shape()))
	w.Header().Set(HeaderTensorDType, a.DType().String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Bytes())
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
