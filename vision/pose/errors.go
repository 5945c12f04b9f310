package pose

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrPipelineClosed is returned by Run once the pipeline has been closed.
var ErrPipelineClosed = errors.New("pose pipeline is closed")

// ResourceLoadError is returned when a model or anchor table cannot be opened.
type ResourceLoadError struct {
	Resource string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("failed to load resource %q: %v", e.Resource, e.Err)
}

func (e *ResourceLoadError) Unwrap() error {
	return e.Err
}

// ParseError is returned when a resource is readable but malformed. Line is 1-based; 0 means the
// problem is with the resource as a whole.
type ParseError struct {
	Resource string
	Line     int
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("failed to parse %s: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("failed to parse %s line %d: %s", e.Resource, e.Line, e.Reason)
}

// IndexError is returned for an anchor index outside [0, Len).
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %d out of range [0, %d)", e.Index, e.Len)
}

// InferenceError wraps a model failure during one stage of a cycle.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err only spoils the current cycle, so the loop can move on to the
// next frame.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) || errors.Is(err, ErrPipelineClosed) {
		return false
	}
	var inferErr *InferenceError
	return errors.As(err, &inferErr)
}

// IsCancellation reports whether err came from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
