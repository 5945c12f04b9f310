// Package ml provides the tensor types exchanged with inference models.
package ml

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"
)

// Tensors are a map of tensor names to tensors, the input and output format of a model.
type Tensors map[string]*tensor.Dense

// ErrBufferReleased is returned when a released Buffer is used or released again.
var ErrBufferReleased = errors.New("tensor buffer already released")

var liveBuffers = atomic.NewInt64(0)

// LiveBuffers returns how many Buffers have been allocated and not yet released.
func LiveBuffers() int64 {
	return liveBuffers.Load()
}

// Buffer is a fixed-shape NHWC float32 tensor. It is allocated once, overwritten in place by its
// single owner and must be released exactly once.
type Buffer struct {
	name     string
	dense    *tensor.Dense
	data     []float32
	height   int
	width    int
	channels int
	released atomic.Bool
}

// NewImageBuffer allocates a 1×height×width×channels buffer.
func NewImageBuffer(name string, height, width, channels int) *Buffer {
	data := make([]float32, height*width*channels)
	liveBuffers.Inc()
	return &Buffer{
		name:     name,
		dense:    tensor.New(tensor.WithShape(1, height, width, channels), tensor.WithBacking(data)),
		data:     data,
		height:   height,
		width:    width,
		channels: channels,
	}
}

// Name is the input tensor name the buffer is fed as.
func (b *Buffer) Name() string { return b.name }

// Height in pixels.
func (b *Buffer) Height() int { return b.height }

// Width in pixels.
func (b *Buffer) Width() int { return b.width }

// Channels per pixel.
func (b *Buffer) Channels() int { return b.channels }

// Shape of the underlying tensor.
func (b *Buffer) Shape() tensor.Shape { return b.dense.Shape() }

// Data returns the backing slice, laid out row-major with channels innermost. It is nil once the
// buffer is released.
func (b *Buffer) Data() []float32 {
	if b.released.Load() {
		return nil
	}
	return b.data
}

// Tensors wraps the buffer as the single input of a model.
func (b *Buffer) Tensors() (Tensors, error) {
	if b.released.Load() {
		return nil, errors.Wrapf(ErrBufferReleased, "buffer %q", b.name)
	}
	return Tensors{b.name: b.dense}, nil
}

// Release drops the backing storage. A second call returns ErrBufferReleased.
func (b *Buffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrBufferReleased, "buffer %q", b.name)
	}
	b.data = nil
	b.dense = nil
	liveBuffers.Dec()
	return nil
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// number interface for converting between numbers.
type number interface {
	constraints.Integer | constraints.Float
}

// convertNumberSlice converts any number slice into another number slice.
func convertNumberSlice[T1, T2 number](t1 []T1) []T2 {
	t2 := make([]T2, len(t1))
	for i := range t1 {
		t2[i] = T2(t1[i])
	}
	return t2
}

// Float32s returns the tensor's data as float32, converting other numeric types.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	switch v := t.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	case []float64:
		return convertNumberSlice[float64, float32](v), nil
	case []int32:
		return convertNumberSlice[int32, float32](v), nil
	case []int64:
		return convertNumberSlice[int64, float32](v), nil
	case []int:
		return convertNumberSlice[int, float32](v), nil
	case []uint8:
		return convertNumberSlice[uint8, float32](v), nil
	default:
		return nil, errors.Errorf("dont know how to convert tensor data of %T into a []float32", v)
	}
}

// TensorNames returns all the names of the tensors.
func TensorNames(t Tensors) []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}
