package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/model"
	"github.com/dunamismax/pixelprep/internal/pipeline"
	"github.com/dunamismax/pixelprep/internal/processor"
	"github.com/knadh/koanf/parsers/yaml"
	koanfenv "github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ProfileEnvPrefix overrides profile keys from the environment, with "__"
// separating levels: PIXELPREP_PROFILE__PREPROCESS__RESIZE_SHAPE=224x224.
const ProfileEnvPrefix = "PIXELPREP_PROFILE__"

const profileSchemaVersion = "v1"

// Profile describes how images are processed around the model.
type Profile struct {
	SchemaVersion string             `koanf:"schema_version"`
	Model         ModelProfile       `koanf:"model"`
	Preprocess    PreprocessProfile  `koanf:"preprocess"`
	Postprocess   PostprocessProfile `koanf:"postprocess"`
}

type ModelProfile struct {
	ID          string `koanf:"id"`
	Name        string `koanf:"name"`
	Description string `koanf:"description"`
	Type        string `koanf:"type"`
	Source      string `koanf:"source"`
	License     string `koanf:"license"`
}

type PreprocessProfile struct {
	Grayscale        bool     `koanf:"grayscale"`
	KeepAlphaChannel bool     `koanf:"keep_alpha_channel"`
	Normalize        bool     `koanf:"normalize"`
	Standardize      bool     `koanf:"standardize"`
	RotateAngle      *float64 `koanf:"rotate_angle"`
	ResizeShape      string   `koanf:"resize_shape"`
	Interpolation    string   `koanf:"interpolation"`
	ElementType      string   `koanf:"element_type"`
	ErrorMinSize     string   `koanf:"error_min_size"`
	ErrorMaxSize     string   `koanf:"error_max_size"`
	ResizeMinSize    string   `koanf:"resize_min_size"`
	ResizeMaxSize    string   `koanf:"resize_max_size"`
	Verbose          bool     `koanf:"verbose"`
}

type PostprocessProfile struct {
	Denormalize       bool     `koanf:"denormalize"`
	Destandardize     bool     `koanf:"destandardize"`
	DenormalizeRange  string   `koanf:"denormalize_range"`
	DestandardizeMean float64  `koanf:"destandardize_mean"`
	DestandardizeStd  float64  `koanf:"destandardize_std"`
	RotateAngle       *float64 `koanf:"rotate_angle"`
	ResizeShape       string   `koanf:"resize_shape"`
	Interpolation     string   `koanf:"interpolation"`
	ElementType       string   `koanf:"element_type"`
	Format            string   `koanf:"format"`
	Verbose           bool     `koanf:"verbose"`
}

// LoadProfile merges the YAML file at path (if present) with
// PIXELPREP_PROFILE__ environment overrides.
func LoadProfile(path string) (Profile, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Profile{}, fmt.Errorf("load profile %s: %w", path, err)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != profileSchemaVersion {
		return Profile{}, fmt.Errorf("%w: profile schema_version %q not supported (want %s)", imaging.ErrConfiguration, sv, profileSchemaVersion)
	}

	if err := k.Load(koanfenv.Provider(ProfileEnvPrefix, ".", profileEnvKey), nil); err != nil {
		return Profile{}, fmt.Errorf("load profile env: %w", err)
	}

	var p Profile
	if err := k.Unmarshal("", &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = profileSchemaVersion
	}
	return p, nil
}

func profileEnvKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, ProfileEnvPrefix)), "__", ".")
}

// PreprocessFingerprint identifies the preprocessing behaviour of p. Equal
// preprocessing settings give equal fingerprints; it keys cached tensors.
func (p Profile) PreprocessFingerprint() string {
	pre := p.Preprocess
	rotate := angle(pre.RotateAngle)
	pre.RotateAngle = nil
	pre.Verbose = false
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%+v|%s", p.SchemaVersion, pre, rotate)))
	return hex.EncodeToString(sum[:8])
}

func angle(a *float64) string {
	if a == nil {
		return "-"
	}
	return strconv.FormatFloat(*a, 'g', -1, 64)
}

func (m ModelProfile) Metadata() model.Metadata {
	return model.Metadata{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Type:        m.Type,
		Source:      m.Source,
		License:     m.License,
	}
}

func (p PreprocessProfile) Config() (processor.PreprocessConfig, error) {
	cfg := processor.PreprocessConfig{
		Grayscale:        p.Grayscale,
		KeepAlphaChannel: p.KeepAlphaChannel,
		Normalize:        p.Normalize,
		Standardize:      p.Standardize,
		RotateAngle:      p.RotateAngle,
		Verbose:          p.Verbose,
	}

	var err error
	if cfg.Interpolation, err = pipeline.ParseInterpolation(p.Interpolation); err != nil {
		return cfg, err
	}
	if cfg.ResizeShape, err = optionalSize(p.ResizeShape); err != nil {
		return cfg, err
	}
	if cfg.ElementType, err = optionalElementType(p.ElementType); err != nil {
		return cfg, err
	}
	for _, b := range []struct {
		raw string
		dst *processor.Size
	}{
		{p.ErrorMinSize, &cfg.ErrorMinSize},
		{p.ErrorMaxSize, &cfg.ErrorMaxSize},
		{p.ResizeMinSize, &cfg.ResizeMinSize},
		{p.ResizeMaxSize, &cfg.ResizeMaxSize},
	} {
		if *b.dst, err = processor.ParseSize(b.raw); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (p PostprocessProfile) Config() (processor.PostprocessConfig, error) {
	cfg := processor.PostprocessConfig{
		Denormalize:       p.Denormalize,
		Destandardize:     p.Destandardize,
		DestandardizeMean: p.DestandardizeMean,
		DestandardizeStd:  p.DestandardizeStd,
		RotateAngle:       p.RotateAngle,
		Format:            p.Format,
		Verbose:           p.Verbose,
	}

	var err error
	if cfg.Interpolation, err = pipeline.ParseInterpolation(p.Interpolation); err != nil {
		return cfg, err
	}
	if cfg.ResizeShape, err = optionalSize(p.ResizeShape); err != nil {
		return cfg, err
	}
	if cfg.ElementType, err = optionalElementType(p.ElementType); err != nil {
		return cfg, err
	}
	if cfg.DenormalizeRange, err = parseRange(p.DenormalizeRange); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func optionalSize(raw string) (*processor.Size, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	s, err := processor.ParseSize(raw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func optionalElementType(raw string) (*imaging.ElementType, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := imaging.ParseElementType(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseRange reads "low,high".
func parseRange(raw string) (processor.Range, error) {
	if strings.TrimSpace(raw) == "" {
		return processor.Range{}, nil
	}
	lo, hi, ok := strings.Cut(raw, ",")
	if !ok {
		return processor.Range{}, fmt.Errorf("%w: range %q is not low,high", imaging.ErrConfiguration, raw)
	}
	low, lerr := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	high, herr := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if lerr != nil || herr != nil {
		return processor.Range{}, fmt.Errorf("%w: range %q is not low,high", imaging.ErrConfiguration, raw)
	}
	return processor.Range{Low: low, High: high}, nil
}

// Wrapper builds the processors described by p around m. A nil model
// selects the identity model carrying the profile's metadata.
func (p Profile) Wrapper(m model.Model, opts processor.Options) (*model.Wrapper, error) {
	preCfg, err := p.Preprocess.Config()
	if err != nil {
		return nil, fmt.Errorf("preprocess profile: %w", err)
	}
	postCfg, err := p.Postprocess.Config()
	if err != nil {
		return nil, fmt.Errorf("postprocess profile: %w", err)
	}

	pre, err := processor.NewPreprocessor(preCfg, opts)
	if err != nil {
		return nil, fmt.Errorf("preprocess profile: %w", err)
	}
	post, err := processor.NewPostprocessor(postCfg, opts)
	if err != nil {
		return nil, fmt.Errorf("postprocess profile: %w", err)
	}

	if m == nil {
		m = model.Identity{Meta: p.Model.Metadata()}
	}
	return model.NewWrapper(pre, m, post)
}
