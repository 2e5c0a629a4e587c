package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Pixelprep-Signature"
	HeaderTimestamp = "X-Pixelprep-Timestamp"
	HeaderEvent     = "X-Pixelprep-Event"
	HeaderDelivery  = "X-Pixelprep-Delivery"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// ErrRejected marks a delivery the receiver refused with a status that
// retrying will not change.
var ErrRejected = errors.New("webhook rejected")

// Notification is the body delivered for job events.
type Notification struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	SourceType  string    `json:"source_type"`
	ObjectKey   string    `json:"object_key"`
	OutputKey   string    `json:"output_key,omitempty"`
	SnapshotKey string    `json:"snapshot_key,omitempty"`
	Shape       []int     `json:"shape,omitempty"`
	DType       string    `json:"dtype,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		secret:     cfg.SigningSecret,
		attempts:   max(1, cfg.MaxAttempts),
		backoff:    cfg.InitialBackoff,
		maxBackoff: max(cfg.InitialBackoff, cfg.MaxBackoff),
		now:        time.Now,
	}
}

// Send posts n to endpoint, retrying transport failures, 408, 429 and 5xx
// responses with exponential backoff. Every attempt carries the same
// timestamp and signature. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, n Notification) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal webhook notification: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	d := delivery{
		endpoint:  endpoint,
		event:     event,
		id:        n.JobID + ":" + event,
		timestamp: timestamp,
		signature: Sign(c.secret, timestamp, body),
		body:      body,
	}

	wait := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.attempt(ctx, d)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRejected) || ctx.Err() != nil || attempt == c.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}
	return fmt.Errorf("deliver %s to %s: %w", event, endpoint, lastErr)
}

type delivery struct {
	endpoint  string
	event     string
	id        string
	timestamp string
	signature string
	body      []byte
}

func (c *Client) attempt(ctx context.Context, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case retryableStatus(resp.StatusCode):
		return fmt.Errorf("receiver returned status=%d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: receiver returned status=%d", ErrRejected, resp.StatusCode)
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Sign computes the signature header value for a delivery:
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
