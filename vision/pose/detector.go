package pose

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/posetrack/ml"
	"go.viam.com/posetrack/ml/inference"
)

// minBoxValues is the number of box values the pipeline reads: face centre and size, then the two
// hip keypoints.
const minBoxValues = 8

// DetectionResult is the single best candidate of one detector run.
type DetectionResult struct {
	AnchorIndex int
	// Score is the sigmoid of the raw score, in [0, 1].
	Score float32
	// BoxOffsets are the regressed values of the chosen anchor, in detector input pixels.
	BoxOffsets []float32
}

// GraphConfig names the detector outputs.
type GraphConfig struct {
	BoxesTensor  string
	ScoresTensor string
	NumAnchors   int
}

// DetectionGraph runs the person detector and reduces its per-anchor outputs to the best one.
// There is no score threshold at this level and only one person is ever reported.
type DetectionGraph struct {
	model inference.Model
	cfg   GraphConfig
}

// NewDetectionGraph wraps a detector model.
func NewDetectionGraph(model inference.Model, cfg GraphConfig) *DetectionGraph {
	if cfg.BoxesTensor == "" {
		cfg.BoxesTensor = "Identity"
	}
	if cfg.ScoresTensor == "" {
		cfg.ScoresTensor = "Identity_1"
	}
	if cfg.NumAnchors == 0 {
		cfg.NumAnchors = DefaultNumAnchors
	}
	return &DetectionGraph{model: model, cfg: cfg}
}

// Run infers on input and selects the highest scoring anchor.
func (g *DetectionGraph) Run(ctx context.Context, input ml.Tensors) (DetectionResult, error) {
	out, err := g.model.Infer(ctx, input)
	if err != nil {
		return DetectionResult{}, err
	}
	boxes, err := g.output(out, g.cfg.BoxesTensor)
	if err != nil {
		return DetectionResult{}, err
	}
	scores, err := g.output(out, g.cfg.ScoresTensor)
	if err != nil {
		return DetectionResult{}, err
	}
	return ArgMaxFilter(boxes, scores, g.cfg.NumAnchors)
}

func (g *DetectionGraph) output(out ml.Tensors, name string) ([]float32, error) {
	t, ok := out[name]
	if !ok {
		return nil, errors.Errorf("detector output %q missing, have %v", name, ml.TensorNames(out))
	}
	return ml.Float32s(t)
}

// ArgMaxFilter picks the anchor with the highest raw score. scores holds one raw logit per anchor
// and boxes one row of equal width per anchor. The first maximum wins ties; NaN scores never win.
func ArgMaxFilter(boxes, scores []float32, numAnchors int) (DetectionResult, error) {
	if numAnchors <= 0 {
		return DetectionResult{}, errors.Errorf("invalid anchor count %d", numAnchors)
	}
	if len(scores) != numAnchors {
		return DetectionResult{}, errors.Errorf("expected %d scores, got %d", numAnchors, len(scores))
	}
	if len(boxes)%numAnchors != 0 {
		return DetectionResult{}, errors.Errorf("%d box values do not divide into %d anchors", len(boxes), numAnchors)
	}
	stride := len(boxes) / numAnchors
	if stride < minBoxValues {
		return DetectionResult{}, errors.Errorf("expected at least %d values per box, got %d", minBoxValues, stride)
	}

	best := -1
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	if best < 0 {
		return DetectionResult{}, errors.New("detector produced only NaN scores")
	}
	offsets := make([]float32, stride)
	copy(offsets, boxes[best*stride:(best+1)*stride])
	return DetectionResult{
		AnchorIndex: best,
		Score:       sigmoid(lo.Clamp(scores[best], -100, 100)),
		BoxOffsets:  offsets,
	}, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
