package processor

import (
	"fmt"
	"log"
	"strings"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/pipeline"
)

// Postprocessor turns model outputs back into arrays and encoded images.
type Postprocessor struct {
	cfg      PostprocessConfig
	format   string
	pipeline *pipeline.Pipeline
	logger   *log.Logger
}

func NewPostprocessor(cfg PostprocessConfig, opts Options) (*Postprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format, err := imaging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	steps, err := cfg.steps()
	if err != nil {
		return nil, err
	}
	pl, err := pipeline.New(steps...)
	if err != nil {
		return nil, err
	}

	logger := opts.verboseLogger(cfg.Verbose)
	if logger != nil {
		pl = pl.WithLogger(logger)
	}
	cfg.Format = format
	return &Postprocessor{cfg: cfg, format: format, pipeline: pl, logger: logger}, nil
}

func (p *Postprocessor) Config() PostprocessConfig { return p.cfg }

// Format is the container Serialize writes.
func (p *Postprocessor) Format() string { return p.format }

// Process applies rotate, resize, the inverse statistic and the cast. Bytes
// and grids keep their native color mode; arrays stay arrays unless a
// geometric step needs a grid.
func (p *Postprocessor) Process(in imaging.Input) (*imaging.Array, error) {
	var v pipeline.Value
	if a, ok := in.Array(); ok {
		v = pipeline.ArrayValue(a)
	} else {
		g, err := imaging.DecodeNative(in)
		if err != nil {
			return nil, fmt.Errorf("decode stage: %w", err)
		}
		v = pipeline.GridValue(g)
	}

	if p.logger != nil {
		p.logger.Printf("postprocess input=%s shape=%s steps=%s",
			in.Kind(), imaging.FormatShape(v.Shape()), strings.Join(p.pipeline.Names(), ","))
	}
	out, err := p.pipeline.Run(v)
	if err != nil {
		return nil, fmt.Errorf("transform stage: %w", err)
	}
	return out.AsArray(), nil
}

// Serialize encodes a in the configured container. Samples are rounded and
// clamped to [0, 255].
func (p *Postprocessor) Serialize(a *imaging.Array) ([]byte, error) {
	g, err := imaging.GridFromArray(a, imaging.PolicySaturate)
	if err != nil {
		return nil, fmt.Errorf("serialize stage: %w", err)
	}
	data, err := imaging.Encode(g, p.format)
	if err != nil {
		return nil, fmt.Errorf("serialize stage: %w", err)
	}
	return data, nil
}

func (p *Postprocessor) Run(in imaging.Input) ([]byte, error) {
	a, err := p.Process(in)
	if err != nil {
		return nil, err
	}
	return p.Serialize(a)
}
