package domain

import "testing"

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		WebhookURL: "https://hooks.example.com/pixelprep",
		Snapshot:   true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingObjectKey := CreateJobRequest{SourceType: SourceTypeLocalFile}
	if err := missingObjectKey.Validate(); err == nil {
		t.Fatal("expected validation error for local_file object_key")
	}

	unsupportedSourceType := CreateJobRequest{SourceType: "http_url"}
	if err := unsupportedSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported source_type")
	}

	relativeWebhook := CreateJobRequest{SourceType: SourceTypeS3Presigned, WebhookURL: "/hook"}
	if err := relativeWebhook.Validate(); err == nil {
		t.Fatal("expected validation error for a relative webhook_url")
	}
}

func TestJobFinished(t *testing.T) {
	for status, want := range map[string]bool{
		JobStatusCreated:    false,
		JobStatusQueued:     false,
		JobStatusProcessing: false,
		JobStatusSucceeded:  true,
		JobStatusFailed:     true,
	} {
		if got := (Job{Status: status}).Finished(); got != want {
			t.Fatalf("status %s: expected finished=%v, got %v", status, want, got)
		}
	}
}
