package pipeline

import (
	"context"

	"github.com/shelfscan/api/internal/model"
)

// Result is a successful identification
type Result struct {
	Bundle    *model.ProductBundle
	Trace     []model.ToolCallRecord
	ModelUsed string
}

// Identifier runs validator, orchestrator and normalizer in sequence. The
// synchronous endpoint and the job runner share one instance.
type Identifier struct {
	validator    *Validator
	orchestrator *Orchestrator
	normalizer   *Normalizer
}

func NewIdentifier(v *Validator, o *Orchestrator, n *Normalizer) *Identifier {
	return &Identifier{
		validator:    v,
		orchestrator: o,
		normalizer:   n,
	}
}

// Validate runs the pre-flight checks only.
func (i *Identifier) Validate(barcodes string, imageSizes []int64) error {
	return i.validator.Check(barcodes, imageSizes)
}

// Identify turns evidence into a product bundle.
func (i *Identifier) Identify(ctx context.Context, in Input) (*Result, error) {
	sizes := make([]int64, len(in.Images))
	for idx, img := range in.Images {
		sizes[idx] = img.Size
	}
	if err := i.validator.Check(in.Barcodes, sizes); err != nil {
		return nil, err
	}

	conv, err := i.orchestrator.Run(ctx, in)
	if err != nil {
		return nil, err
	}

	bundle, err := i.normalizer.Normalize(conv.Content, in)
	if err != nil {
		perr := *AsError(err)
		perr.ModelUsed = conv.ModelUsed
		perr.Trace = conv.Trace
		return nil, &perr
	}

	return &Result{
		Bundle:    bundle,
		Trace:     conv.Trace,
		ModelUsed: conv.ModelUsed,
	}, nil
}
