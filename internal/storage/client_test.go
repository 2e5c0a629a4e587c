package storage

import (
	"errors"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected an error without a bucket")
	}
	if _, err := NewClient(Config{Bucket: "pixelprep-jobs"}); err == nil {
		t.Fatal("expected an error without an endpoint")
	}

	c, err := NewClient(Config{
		Endpoint: "localhost:9000",
		Access:   "minioadmin",
		Secret:   "minioadmin",
		Bucket:   "pixelprep-jobs",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "pixelprep-jobs" {
		t.Fatalf("expected bucket pixelprep-jobs, got %q", c.Bucket())
	}
	if c.maxReadBytes != defaultMaxReadBytes {
		t.Fatalf("expected default read limit, got %d", c.maxReadBytes)
	}
}

func TestReadLimited(t *testing.T) {
	data, err := readLimited(strings.NewReader("12345"), 5)
	if err != nil || string(data) != "12345" {
		t.Fatalf("expected the whole object, got %q err=%v", data, err)
	}
	if _, err := readLimited(strings.NewReader("123456"), 5); !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("expected ErrObjectTooLarge, got %v", err)
	}
}

func TestWrapObjectError(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}
	if err := wrapObjectError("get", "uploads/job_1/source", missing); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	denied := minio.ErrorResponse{Code: "AccessDenied"}
	err := wrapObjectError("get", "uploads/job_1/source", denied)
	if errors.Is(err, ErrObjectNotFound) {
		t.Fatal("expected access errors to stay distinct")
	}
	if !strings.Contains(err.Error(), "uploads/job_1/source") {
		t.Fatalf("expected the key in the error, got %v", err)
	}
}
