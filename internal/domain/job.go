package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

type CreateJobRequest struct {
	SourceType string `json:"source_type"`
	WebhookURL string `json:"webhook_url,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
	// Snapshot asks the worker to store a PNG preview of the normalized
	// tensor next to the output.
	Snapshot bool `json:"snapshot,omitempty"`
}

// Job is an asynchronous preprocessing request over object storage.
type Job struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	SourceType string     `json:"source_type"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	ObjectKey  string     `json:"object_key"`
	Snapshot   bool       `json:"snapshot"`
	Result     *JobResult `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// JobResult is what the worker recorded when the job finished.
type JobResult struct {
	OutputKey   string `json:"output_key,omitempty"`
	SnapshotKey string `json:"snapshot_key,omitempty"`
	Shape       []int  `json:"shape,omitempty"`
	DType       string `json:"dtype,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (j Job) Finished() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if hook := strings.TrimSpace(r.WebhookURL); hook != "" {
		u, err := url.Parse(hook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook_url must be an absolute http(s) URL: %s", r.WebhookURL)
		}
	}
	return nil
}
