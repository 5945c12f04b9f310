//go:build !no_tflite && !no_cgo

package inference

import (
	"context"
	"os"
	"runtime"
	"sync"

	tflite "github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/ml"
)

func init() {
	RegisterLoader(".tflite", loadTFLiteModel)
}

type tfliteModel struct {
	mu          sync.Mutex
	model       *tflite.Model
	interpreter *tflite.Interpreter
	options     *tflite.InterpreterOptions
	metadata    Metadata
	logger      logging.Logger
	closed      bool
}

func loadTFLiteModel(path string, opts Options) (Model, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, errors.New("failed to create model")
	}

	numThreads := opts.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(numThreads)
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global().Sublogger("tflite")
	}
	options.SetErrorReporter(func(msg string, userData interface{}) {
		logger.Warnw("tflite error", "model", path, "msg", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to allocate tensors")
	}

	m := &tfliteModel{
		model:       model,
		interpreter: interpreter,
		options:     options,
		logger:      logger,
	}
	m.metadata = m.describe(path)
	return m, nil
}

func (m *tfliteModel) describe(path string) Metadata {
	md := Metadata{Path: path}
	for i := 0; i < m.interpreter.GetInputTensorCount(); i++ {
		md.Inputs = append(md.Inputs, tensorInfo(m.interpreter.GetInputTensor(i)))
	}
	for i := 0; i < m.interpreter.GetOutputTensorCount(); i++ {
		md.Outputs = append(md.Outputs, tensorInfo(m.interpreter.GetOutputTensor(i)))
	}
	return md
}

func tensorInfo(t *tflite.Tensor) TensorInfo {
	shape := make([]int, t.NumDims())
	for i := range shape {
		shape[i] = t.Dim(i)
	}
	return TensorInfo{Name: t.Name(), Type: t.Type().String(), Shape: shape}
}

func (m *tfliteModel) Metadata() Metadata {
	return m.metadata
}

// Infer copies the first input into the interpreter, invokes it on a separate goroutine and
// returns every float32 output tensor by name. The interpreter is not reentrant so calls are
// serialized; a cancelled caller returns immediately while the invoke finishes in the background.
func (m *tfliteModel) Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error) {
	type result struct {
		out ml.Tensors
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.invoke(inputs)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

func (m *tfliteModel) invoke(inputs ml.Tensors) (ml.Tensors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModelClosed
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input tensors")
	}
	for i := 0; i < m.interpreter.GetInputTensorCount(); i++ {
		input := m.interpreter.GetInputTensor(i)
		in, ok := inputs[input.Name()]
		if !ok {
			if len(inputs) != 1 || i != 0 {
				return nil, errors.Errorf("missing input tensor %q", input.Name())
			}
			for _, only := range inputs {
				in = only
			}
		}
		data, err := ml.Float32s(in)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", input.Name())
		}
		if status := input.CopyFromBuffer(data); status != tflite.OK {
			return nil, errors.Errorf("copying to input %q failed", input.Name())
		}
	}

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.New("invoke failed")
	}

	out := ml.Tensors{}
	for i := 0; i < m.interpreter.GetOutputTensorCount(); i++ {
		t := m.interpreter.GetOutputTensor(i)
		if t.Type() != tflite.Float32 {
			m.logger.Debugw("skipping non-float output", "name", t.Name(), "type", t.Type().String())
			continue
		}
		info := tensorInfo(t)
		buf := make([]float32, t.ByteSize()/4)
		if status := t.CopyToBuffer(buf); status != tflite.OK {
			return nil, errors.Errorf("copying from output %q failed", t.Name())
		}
		out[t.Name()] = tensor.New(tensor.WithShape(info.Shape...), tensor.WithBacking(buf))
	}
	return out, nil
}

func (m *tfliteModel) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.interpreter.Delete()
	m.options.Delete()
	m.model.Delete()
	m.logger.Debugw("closed model", "path", m.metadata.Path)
	return nil
}
