package pose

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/posetrack/ml"
	"go.viam.com/posetrack/testutils/inject"
)

func TestArgMaxFilter(t *testing.T) {
	boxes := make([]float32, 3*8)
	for i := range boxes {
		boxes[i] = float32(i)
	}

	res, err := ArgMaxFilter(boxes, []float32{-1, 2, 0.5}, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.AnchorIndex, test.ShouldEqual, 1)
	test.That(t, res.BoxOffsets, test.ShouldResemble, boxes[8:16])
	test.That(t, res.Score, test.ShouldAlmostEqual, 0.8808, 1e-4)

	// first maximum wins
	res, err = ArgMaxFilter(boxes, []float32{3, 3, 3}, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.AnchorIndex, test.ShouldEqual, 0)
	test.That(t, res.Score, test.ShouldAlmostEqual, 0.9526, 1e-4)

	// the returned offsets do not alias the model output
	res.BoxOffsets[0] = -1
	test.That(t, boxes[0], test.ShouldEqual, 0)

	res, err = ArgMaxFilter(boxes, []float32{-1e6, -1e6, -1e6}, 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Score, test.ShouldBeGreaterThanOrEqualTo, 0)
	test.That(t, res.Score, test.ShouldBeLessThan, 1e-40)

	for _, tc := range []struct {
		boxes  []float32
		scores []float32
		n      int
	}{
		{boxes, []float32{1, 2}, 3},
		{boxes[:23], []float32{1, 2, 3}, 3},
		{boxes[:12], []float32{1, 2, 3}, 3},
		{boxes, nil, 0},
	} {
		_, err := ArgMaxFilter(tc.boxes, tc.scores, tc.n)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestArgMaxFilterNaN(t *testing.T) {
	nan := float32(math.NaN())
	boxes := make([]float32, 4*8)

	res, err := ArgMaxFilter(boxes, []float32{nan, -5, 3, -5}, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.AnchorIndex, test.ShouldEqual, 2)
	test.That(t, res.Score, test.ShouldAlmostEqual, 0.9526, 1e-4)

	res, err = ArgMaxFilter(boxes, []float32{-5, nan, -1, nan}, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.AnchorIndex, test.ShouldEqual, 2)

	_, err = ArgMaxFilter(boxes, []float32{nan, nan, nan, nan}, 4)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "only NaN scores")
}

func TestDetectionGraph(t *testing.T) {
	boxes := make([]float32, 2*12)
	boxes[12] = 7
	model := &inject.Model{}
	model.InferFunc = func(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
		return ml.Tensors{
			"boxes":  tensor.New(tensor.WithShape(1, 2, 12), tensor.WithBacking(boxes)),
			"scores": tensor.New(tensor.WithShape(1, 2, 1), tensor.WithBacking([]float32{-3, 1})),
		}, nil
	}
	graph := NewDetectionGraph(model, GraphConfig{BoxesTensor: "boxes", ScoresTensor: "scores", NumAnchors: 2})
	res, err := graph.Run(context.Background(), ml.Tensors{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.AnchorIndex, test.ShouldEqual, 1)
	test.That(t, len(res.BoxOffsets), test.ShouldEqual, 12)
	test.That(t, res.BoxOffsets[0], test.ShouldEqual, 7)

	graph = NewDetectionGraph(model, GraphConfig{NumAnchors: 2})
	_, err = graph.Run(context.Background(), ml.Tensors{})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"Identity" missing`)

	model.InferFunc = func(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
		return nil, errors.New("interpreter failed")
	}
	_, err = graph.Run(context.Background(), ml.Tensors{})
	test.That(t, err, test.ShouldNotBeNil)
}
