package pose

import (
	"context"
	"image"
	"sync"

	"go.uber.org/atomic"
)

// FrameSlot holds the most recent frame for the detection loop. Producers never block: a frame
// that arrives before the previous one was taken replaces it and counts as dropped.
type FrameSlot struct {
	mu      sync.Mutex
	frame   image.Image
	updated atomic.Bool
	notify  chan struct{}
	drops   atomic.Int64
	puts    atomic.Int64
}

// NewFrameSlot returns an empty slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{notify: make(chan struct{}, 1)}
}

// Put stores frame as the latest and raises the new-frame flag.
func (s *FrameSlot) Put(frame image.Image) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	s.frame = frame
	s.mu.Unlock()
	s.puts.Inc()
	if s.updated.Swap(true) {
		s.drops.Inc()
	}
	s.signal()
}

// MarkUpdated raises the new-frame flag without replacing the frame, so the current frame is
// processed again.
func (s *FrameSlot) MarkUpdated() {
	s.updated.Store(true)
	s.signal()
}

func (s *FrameSlot) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the new-frame flag is raised and a frame is present, clears the flag and
// returns the frame. It returns ctx.Err() if ctx is done first.
func (s *FrameSlot) Wait(ctx context.Context) (image.Image, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.updated.CompareAndSwap(true, false) {
			if frame := s.Latest(); frame != nil {
				return frame, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Latest returns the most recent frame without touching the flag.
func (s *FrameSlot) Latest() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Pending reports whether a frame is waiting to be processed.
func (s *FrameSlot) Pending() bool {
	return s.updated.Load()
}

// Dropped returns how many frames were replaced before being processed.
func (s *FrameSlot) Dropped() int64 {
	return s.drops.Load()
}

// Received returns how many frames have been put.
func (s *FrameSlot) Received() int64 {
	return s.puts.Load()
}
