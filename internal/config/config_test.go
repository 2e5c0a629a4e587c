package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/pipeline"
	"github.com/dunamismax/pixelprep/internal/processor"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PIXELPREP_API_ADDR", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("POSTGRES_DSN", "")

	cfg := Load()
	if cfg.API.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.API.Addr)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Fatalf("expected default cache ttl 10m, got %s", cfg.Cache.TTL)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected the in-memory store by default, got dsn %q", cfg.Database.DSN)
	}
	if cfg.Worker.Concurrency < 2 || cfg.Worker.MaxActiveJobs < 1 {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PIXELPREP_API_ADDR", ":9999")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")

	cfg := Load()
	if cfg.API.Addr != ":9999" {
		t.Fatalf("expected :9999, got %q", cfg.API.Addr)
	}
	if cfg.Cache.TTL != 90*time.Second || cfg.Cache.Enabled {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Queue.RedisClientOpt().DB != 3 || cfg.Queue.RedisOptions().DB != 3 {
		t.Fatalf("expected redis db 3, got %d", cfg.Queue.RedisDB)
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("expected invalid int to fall back to 3, got %d", cfg.Webhook.MaxAttempts)
	}
	if cfg.Trace.SampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.Trace.SampleRatio)
	}
}

func TestLoadProfileFromYAML(t *testing.T) {
	path := writeProfile(t, `
schema_version: v1
model:
  id: fer
  name: Facial expression
preprocess:
  grayscale: true
  normalize: true
  resize_shape: 48x48
  interpolation: lanczos
  element_type: single
  error_max_size: 4096x4096
  resize_min_size: 32x0
postprocess:
  denormalize: true
  denormalize_range: "0,255"
  element_type: uint8
  format: png
`)

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.Model.Metadata().ID != "fer" {
		t.Fatalf("expected model id fer, got %q", p.Model.ID)
	}

	pre, err := p.Preprocess.Config()
	if err != nil {
		t.Fatalf("preprocess config: %v", err)
	}
	if !pre.Grayscale || !pre.Normalize {
		t.Fatalf("expected grayscale and normalize, got %+v", pre)
	}
	if pre.ResizeShape == nil || *pre.ResizeShape != (processor.Size{Width: 48, Height: 48}) {
		t.Fatalf("expected resize 48x48, got %v", pre.ResizeShape)
	}
	if pre.Interpolation != pipeline.Lanczos {
		t.Fatalf("expected lanczos, got %s", pre.Interpolation)
	}
	if pre.ElementType == nil || *pre.ElementType != imaging.Float32 {
		t.Fatalf("expected float32 from legacy name single, got %v", pre.ElementType)
	}
	if pre.ErrorMaxSize != (processor.Size{Width: 4096, Height: 4096}) || pre.ResizeMinSize != (processor.Size{Width: 32}) {
		t.Fatalf("unexpected bounds %+v", pre)
	}
	if _, err := processor.NewPreprocessor(pre, processor.Options{}); err != nil {
		t.Fatalf("expected a usable preprocess config, got %v", err)
	}

	post, err := p.Postprocess.Config()
	if err != nil {
		t.Fatalf("postprocess config: %v", err)
	}
	if post.DenormalizeRange != (processor.Range{Low: 0, High: 255}) {
		t.Fatalf("unexpected denormalize range %+v", post.DenormalizeRange)
	}
	if _, err := processor.NewPostprocessor(post, processor.Options{}); err != nil {
		t.Fatalf("expected a usable postprocess config, got %v", err)
	}
}

func TestLoadProfileEnvOverrides(t *testing.T) {
	path := writeProfile(t, `
preprocess:
  resize_shape: 48x48
`)
	t.Setenv("PIXELPREP_PROFILE__PREPROCESS__RESIZE_SHAPE", "224x224")
	t.Setenv("PIXELPREP_PROFILE__PREPROCESS__KEEP_ALPHA_CHANNEL", "true")
	t.Setenv("PIXELPREP_PROFILE__PREPROCESS__ROTATE_ANGLE", "90")

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.Preprocess.ResizeShape != "224x224" {
		t.Fatalf("expected env to win, got %q", p.Preprocess.ResizeShape)
	}
	if !p.Preprocess.KeepAlphaChannel {
		t.Fatal("expected keep_alpha_channel from env")
	}
	if p.Preprocess.RotateAngle == nil || *p.Preprocess.RotateAngle != 90 {
		t.Fatalf("expected rotate_angle 90, got %v", p.Preprocess.RotateAngle)
	}
}

func TestLoadProfileMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected a missing profile to be ignored, got %v", err)
	}
	if p.SchemaVersion != "v1" {
		t.Fatalf("expected schema v1, got %q", p.SchemaVersion)
	}
	pre, err := p.Preprocess.Config()
	if err != nil {
		t.Fatalf("preprocess config: %v", err)
	}
	if pre.ResizeShape != nil || pre.ElementType != nil {
		t.Fatalf("expected empty optional settings, got %+v", pre)
	}
}

func TestLoadProfileRejectsSchema(t *testing.T) {
	path := writeProfile(t, "schema_version: v9\n")
	if _, err := LoadProfile(path); !errors.Is(err, imaging.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestProfileConfigErrors(t *testing.T) {
	bad := []PreprocessProfile{
		{ResizeShape: "big"},
		{Interpolation: "cubic-spline"},
		{ElementType: "complex128"},
		{ErrorMinSize: "10by10"},
	}
	for _, p := range bad {
		if _, err := p.Config(); !errors.Is(err, imaging.ErrConfiguration) {
			t.Fatalf("%+v: expected ErrConfiguration, got %v", p, err)
		}
	}
	if _, err := (PostprocessProfile{DenormalizeRange: "0;1"}).Config(); !errors.Is(err, imaging.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for a bad range, got %v", err)
	}
}

func TestPreprocessFingerprint(t *testing.T) {
	a, b := 90.0, 90.0
	p1 := Profile{Preprocess: PreprocessProfile{Grayscale: true, RotateAngle: &a}}
	p2 := Profile{Preprocess: PreprocessProfile{Grayscale: true, RotateAngle: &b, Verbose: true}}
	if p1.PreprocessFingerprint() != p2.PreprocessFingerprint() {
		t.Fatal("expected equal settings to share a fingerprint")
	}

	p2.Preprocess.Normalize = true
	if p1.PreprocessFingerprint() == p2.PreprocessFingerprint() {
		t.Fatal("expected different settings to change the fingerprint")
	}
}

func TestProfileWrapper(t *testing.T) {
	p := Profile{
		Model:       ModelProfile{ID: "passthrough", Name: "Passthrough"},
		Preprocess:  PreprocessProfile{Grayscale: true, ResizeShape: "4x2", Normalize: true, ElementType: "float32"},
		Postprocess: PostprocessProfile{Denormalize: true, ElementType: "uint8", Format: "bmp"},
	}

	w, err := p.Wrapper(nil, processor.Options{})
	if err != nil {
		t.Fatalf("build wrapper: %v", err)
	}
	if w.Metadata().ID != "passthrough" {
		t.Fatalf("expected profile metadata, got %+v", w.Metadata())
	}
	if w.Postprocessor().Format() != "bmp" {
		t.Fatalf("expected bmp output, got %s", w.Postprocessor().Format())
	}

	p.Preprocess.Standardize = true
	if _, err := p.Wrapper(nil, processor.Options{}); !errors.Is(err, imaging.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for normalize+standardize, got %v", err)
	}
}

func writeProfile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}
