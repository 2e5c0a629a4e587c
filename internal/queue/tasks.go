package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypePreprocessImage = "image:preprocess"

type PreprocessImagePayload struct {
	JobID       string    `json:"job_id"`
	SourceType  string    `json:"source_type"`
	ObjectKey   string    `json:"object_key"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	Snapshot    bool      `json:"snapshot,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewPreprocessImageTask(payload PreprocessImagePayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal preprocess payload: %w", err)
	}
	return asynq.NewTask(TypePreprocessImage, body), nil
}

func ParsePreprocessImagePayload(task *asynq.Task) (PreprocessImagePayload, error) {
	var payload PreprocessImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PreprocessImagePayload{}, fmt.Errorf("unmarshal preprocess payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return PreprocessImagePayload{}, errors.New("preprocess payload has no job_id")
	}
	return payload, nil
}
