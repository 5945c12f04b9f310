// Package inject provides function-field fakes for interfaces used across posetrack.
package inject

import (
	"context"

	"go.viam.com/posetrack/ml"
	"go.viam.com/posetrack/ml/inference"
)

// Model is an injectable inference.Model.
type Model struct {
	inference.Model
	InferFunc    func(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error)
	MetadataFunc func() inference.Metadata
	CloseFunc    func(ctx context.Context) error
}

// Infer calls the injected Infer or the real variant.
func (m *Model) Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	if m.InferFunc == nil {
		return m.Model.Infer(ctx, inputs)
	}
	return m.InferFunc(ctx, inputs)
}

// Metadata calls the injected Metadata or the real variant.
func (m *Model) Metadata() inference.Metadata {
	if m.MetadataFunc == nil {
		return m.Model.Metadata()
	}
	return m.MetadataFunc()
}

// Close calls the injected Close or the real variant.
func (m *Model) Close(ctx context.Context) error {
	if m.CloseFunc == nil {
		if m.Model == nil {
			return nil
		}
		return m.Model.Close(ctx)
	}
	return m.CloseFunc(ctx)
}
