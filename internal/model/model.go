package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/pixelprep/internal/imaging"
	"github.com/dunamismax/pixelprep/internal/processor"
)

type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Source      string `json:"source,omitempty"`
	License     string `json:"license,omitempty"`
}

// Model runs inference on a preprocessed array.
type Model interface {
	Metadata() Metadata
	Predict(ctx context.Context, in *imaging.Array) (*imaging.Array, error)
}

// Identity echoes its input. It is the default model of the scaffold.
type Identity struct {
	Meta Metadata
}

func (m Identity) Metadata() Metadata {
	if m.Meta.ID == "" {
		return Metadata{
			ID:          "identity",
			Name:        "Identity",
			Description: "Returns the preprocessed tensor unchanged.",
			Type:        "image-to-image",
		}
	}
	return m.Meta
}

func (Identity) Predict(ctx context.Context, in *imaging.Array) (*imaging.Array, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in == nil {
		return nil, errors.New("identity model got a nil array")
	}
	return in, nil
}

// Wrapper binds a model to its pre- and postprocessing:
// Predict = post(model(pre(x))).
type Wrapper struct {
	pre   *processor.Preprocessor
	model Model
	post  *processor.Postprocessor
}

func NewWrapper(pre *processor.Preprocessor, m Model, post *processor.Postprocessor) (*Wrapper, error) {
	switch {
	case pre == nil:
		return nil, fmt.Errorf("%w: preprocessor is required", imaging.ErrConfiguration)
	case m == nil:
		return nil, fmt.Errorf("%w: model is required", imaging.ErrConfiguration)
	case post == nil:
		return nil, fmt.Errorf("%w: postprocessor is required", imaging.ErrConfiguration)
	}
	return &Wrapper{pre: pre, model: m, post: post}, nil
}

func (w *Wrapper) Metadata() Metadata { return w.model.Metadata() }

func (w *Wrapper) Preprocessor() *processor.Preprocessor { return w.pre }

func (w *Wrapper) Postprocessor() *processor.Postprocessor { return w.post }

// Infer runs preprocessing and the model and returns the raw model output.
func (w *Wrapper) Infer(ctx context.Context, in imaging.Input) (*imaging.Array, error) {
	x, err := w.pre.Run(in)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	y, err := w.model.Predict(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return y, nil
}

// Predict runs the whole chain and returns the encoded result image.
func (w *Wrapper) Predict(ctx context.Context, in imaging.Input) ([]byte, error) {
	y, err := w.Infer(ctx, in)
	if err != nil {
		return nil, err
	}
	out, err := w.post.Run(imaging.ArrayInput(y))
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}
	return out, nil
}
