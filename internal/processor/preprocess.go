package processor

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/pipeline"
)

type Options struct {
	// Logger receives stage traces when the config sets Verbose. Nil falls
	// back to log.Default().
	Logger    *log.Logger
	Snapshots SnapshotWriter
}

func (o Options) verboseLogger(verbose bool) *log.Logger {
	if !verbose {
		return nil
	}
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// Preprocessor turns encoded images, grids or arrays into model-ready arrays.
// It is immutable after construction and safe for concurrent use.
type Preprocessor struct {
	cfg  PreprocessConfig
	mode imaging.ColorMode
	// plain runs when no auto resize applies; fitted carries a leading
	// Resize whose size is set per input. fitted is nil without resize
	// bounds.
	plain     *pipeline.Pipeline
	fitted    *pipeline.Pipeline
	logger    *log.Logger
	snapshots SnapshotWriter
}

func NewPreprocessor(cfg PreprocessConfig, opts Options) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ResizeShape != nil {
		s := *cfg.ResizeShape
		cfg.ResizeShape = &s
	}
	if cfg.RotateAngle != nil {
		a := *cfg.RotateAngle
		cfg.RotateAngle = &a
	}
	if cfg.ElementType != nil {
		t := *cfg.ElementType
		cfg.ElementType = &t
	}

	var tail []pipeline.Transform
	if cfg.RotateAngle != nil {
		tail = append(tail, pipeline.Rotate{Angle: *cfg.RotateAngle})
	}
	if cfg.ResizeShape != nil {
		tail = append(tail, pipeline.Resize{Width: cfg.ResizeShape.Width, Height: cfg.ResizeShape.Height, Interpolation: cfg.Interpolation})
	}
	switch {
	case cfg.Normalize:
		tail = append(tail, pipeline.Normalize{})
	case cfg.Standardize:
		tail = append(tail, pipeline.Standardize{})
	}
	plain, err := pipeline.New(tail...)
	if err != nil {
		return nil, err
	}

	var fitted *pipeline.Pipeline
	if !cfg.ResizeMinSize.IsZero() || !cfg.ResizeMaxSize.IsZero() {
		fit := pipeline.Resize{Width: 1, Height: 1, Interpolation: cfg.Interpolation}
		fitted, err = pipeline.New(append([]pipeline.Transform{fit}, tail...)...)
		if err != nil {
			return nil, err
		}
	}

	logger := opts.verboseLogger(cfg.Verbose)
	if logger != nil {
		plain = plain.WithLogger(logger)
		if fitted != nil {
			fitted = fitted.WithLogger(logger)
		}
	}

	return &Preprocessor{
		cfg:       cfg,
		mode:      cfg.Mode(),
		plain:     plain,
		fitted:    fitted,
		logger:    logger,
		snapshots: opts.Snapshots,
	}, nil
}

func (p *Preprocessor) Config() PreprocessConfig { return p.cfg }

func (p *Preprocessor) Run(in imaging.Input) (*imaging.Array, error) {
	return p.run(context.Background(), in, "")
}

// RunWithSnapshot behaves like Run and also writes a PNG snapshot of the
// array, taken after normalization and before the element type cast.
func (p *Preprocessor) RunWithSnapshot(ctx context.Context, in imaging.Input, name string) (*imaging.Array, error) {
	if p.snapshots == nil {
		return nil, fmt.Errorf("%w: no snapshot writer configured", imaging.ErrConfiguration)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: snapshot name is required", imaging.ErrConfiguration)
	}
	return p.run(ctx, in, name)
}

func (p *Preprocessor) run(ctx context.Context, in imaging.Input, snapshot string) (*imaging.Array, error) {
	// Error bounds are checked on the declared size so oversized inputs are
	// rejected before their pixels are decoded.
	if !p.cfg.ErrorMinSize.IsZero() || !p.cfg.ErrorMaxSize.IsZero() {
		w, h, err := imaging.Dimensions(in)
		if err != nil {
			return nil, fmt.Errorf("decode stage: %w", err)
		}
		if err := checkErrorBounds(w, h, p.cfg.ErrorMinSize, p.cfg.ErrorMaxSize); err != nil {
			return nil, fmt.Errorf("bounds stage: %w", err)
		}
	}

	g, err := imaging.Decode(in, p.mode)
	if err != nil {
		return nil, fmt.Errorf("decode stage: %w", err)
	}

	pl := p.plain
	if p.fitted != nil {
		if w, h, ok := fitBounds(g.Width, g.Height, p.cfg.ResizeMinSize, p.cfg.ResizeMaxSize); ok {
			if pl, err = p.fitted.WithLeadingSize(w, h); err != nil {
				return nil, err
			}
		}
	}
	if p.logger != nil {
		p.logger.Printf("preprocess input=%s mode=%s size=%dx%d steps=%s",
			in.Kind(), p.mode, g.Width, g.Height, strings.Join(pl.Names(), ","))
	}

	out, err := pl.Run(pipeline.GridValue(g))
	if err != nil {
		return nil, fmt.Errorf("transform stage: %w", err)
	}
	arr := out.AsArray()

	if snapshot != "" {
		where, err := p.snapshots.WriteSnapshot(ctx, snapshot, arr)
		if err != nil {
			return nil, fmt.Errorf("snapshot stage: %w", err)
		}
		if p.logger != nil {
			p.logger.Printf("preprocess snapshot=%s", where)
		}
	}

	if p.cfg.ElementType != nil {
		arr, err = imaging.Cast(arr, *p.cfg.ElementType)
		if err != nil {
			return nil, fmt.Errorf("cast stage: %w", err)
		}
	}
	return arr, nil
}
