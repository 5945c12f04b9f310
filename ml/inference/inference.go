// Package inference loads on-disk models and runs them on ml.Tensors.
package inference

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/ml"
)

// ErrModelClosed is returned by Infer after Close.
var ErrModelClosed = errors.New("model is closed")

// Model runs inference on named input tensors. Infer may block for as long as the backend takes
// to produce outputs and returns early with ctx.Err() when ctx is cancelled.
type Model interface {
	Infer(ctx context.Context, inputs ml.Tensors) (ml.Tensors, error)
	Metadata() Metadata
	Close(ctx context.Context) error
}

// TensorInfo describes one model input or output.
type TensorInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Shape []int  `json:"shape"`
}

// Metadata describes the inputs and outputs of a loaded model.
type Metadata struct {
	Path    string       `json:"path"`
	Inputs  []TensorInfo `json:"inputs"`
	Outputs []TensorInfo `json:"outputs"`
}

// Output returns the named output description.
func (md Metadata) Output(name string) (TensorInfo, bool) {
	for _, o := range md.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return TensorInfo{}, false
}

// Options tune how a backend loads a model.
type Options struct {
	NumThreads int
	Logger     logging.Logger
}

// Loader constructs a Model from a file.
type Loader func(path string, opts Options) (Model, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

// RegisterLoader makes a backend available for files with the given extension, e.g. ".tflite".
func RegisterLoader(ext string, loader Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[strings.ToLower(ext)] = loader
}

// RegisteredLoaders lists the extensions with a registered backend.
func RegisteredLoaders() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	exts := make([]string, 0, len(loaders))
	for ext := range loaders {
		exts = append(exts, ext)
	}
	return exts
}

// LoadModel picks a backend by file extension and loads the model at path.
func LoadModel(path string, opts Options) (Model, error) {
	ext := strings.ToLower(filepath.Ext(path))
	loadersMu.RLock()
	loader, ok := loaders[ext]
	loadersMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("no inference backend registered for %q files (model %s)", ext, path)
	}
	m, err := loader(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load model %s", path)
	}
	return m, nil
}
