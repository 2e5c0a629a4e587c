package pipeline

import (
	"fmt"
	"log"

	"github.com/dunamismax/pixelprep/internal/imaging"
)

// StageError reports which step of a Pipeline failed.
type StageError struct {
	Index int
	Name  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline is an ordered, validated list of transforms. It holds no per-call
// state and may be shared between goroutines.
type Pipeline struct {
	steps  []Transform
	logger *log.Logger
}

// New validates every step and the ordering rules: Normalize and
// Standardize exclude each other and, when present, come last; Denormalize
// and Destandardize exclude each other.
func New(steps ...Transform) (*Pipeline, error) {
	statistic, inverse := -1, -1
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w: step %d is nil", imaging.ErrConfiguration, i)
		}
		if err := step.Validate(); err != nil {
			return nil, &StageError{Index: i, Name: step.Name(), Err: err}
		}

		switch step.class() {
		case classStatistic:
			if statistic >= 0 {
				return nil, fmt.Errorf("%w: %s at step %d conflicts with %s at step %d",
					imaging.ErrConfiguration, step.Name(), i, steps[statistic].Name(), statistic)
			}
			statistic = i
		case classInverse:
			if inverse >= 0 {
				return nil, fmt.Errorf("%w: %s at step %d conflicts with %s at step %d",
					imaging.ErrConfiguration, step.Name(), i, steps[inverse].Name(), inverse)
			}
			inverse = i
		}
	}
	if statistic >= 0 && statistic != len(steps)-1 {
		return nil, fmt.Errorf("%w: %s must be the last step, found at step %d of %d",
			imaging.ErrConfiguration, steps[statistic].Name(), statistic, len(steps))
	}

	return &Pipeline{steps: append([]Transform(nil), steps...)}, nil
}

// WithLogger returns a copy of p that logs every stage to logger.
func (p *Pipeline) WithLogger(logger *log.Logger) *Pipeline {
	out := *p
	out.logger = logger
	return &out
}

// WithLeadingSize returns a copy of p whose first step, which must be a
// Resize, targets width x height. Only the replaced step is validated.
func (p *Pipeline) WithLeadingSize(width, height int) (*Pipeline, error) {
	if len(p.steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline has no leading resize", imaging.ErrConfiguration)
	}
	r, ok := p.steps[0].(Resize)
	if !ok {
		return nil, fmt.Errorf("%w: leading step is %s, not a resize", imaging.ErrConfiguration, p.steps[0].Name())
	}
	r.Width, r.Height = width, height
	if err := r.Validate(); err != nil {
		return nil, &StageError{Index: 0, Name: r.Name(), Err: err}
	}

	out := *p
	out.steps = append([]Transform{r}, p.steps[1:]...)
	return &out, nil
}

func (p *Pipeline) Len() int { return len(p.steps) }

// Names lists the step names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}

// Run folds the steps over v left to right and stops at the first error.
func (p *Pipeline) Run(v Value) (Value, error) {
	if v.IsZero() {
		return Value{}, fmt.Errorf("%w: pipeline input is empty", imaging.ErrTypeMismatch)
	}

	for i, step := range p.steps {
		out, err := step.Apply(v)
		if err != nil {
			return Value{}, &StageError{Index: i, Name: step.Name(), Err: err}
		}
		if p.logger != nil {
			p.logger.Printf("stage=%d op=%s kind=%s shape=%s", i, step.Name(), out.Kind(), imaging.FormatShape(out.Shape()))
		}
		v = out
	}
	return v, nil
}
