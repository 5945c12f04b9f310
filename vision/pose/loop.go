package pose

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/posetrack/logging"
)

// Loop feeds frames from a FrameSlot through a Pipeline, one cycle at a time.
type Loop struct {
	pipeline *Pipeline
	slot     *FrameSlot
	logger   logging.Logger
	clock    clock.Clock
	stats    *statsRecorder

	// debugNext, when set, puts the next cycle in context debug mode.
	debugNext *atomic.Bool
}

// NewLoop returns a loop over slot with its own statistics.
func NewLoop(pipeline *Pipeline, slot *FrameSlot, logger logging.Logger, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		pipeline: pipeline,
		slot:     slot,
		logger:   logger,
		clock:    clk,
		stats:    &statsRecorder{},

		debugNext: atomic.NewBool(false),
	}
}

// DebugNextCycle logs the next cycle at debug level regardless of the logger's level.
func (l *Loop) DebugNextCycle() {
	l.debugNext.Store(true)
}

// Run waits for frames and runs one cycle per frame until ctx is cancelled or the pipeline is
// closed. A frame that arrives during a cycle is picked up once that cycle ends. Cancellation is
// a clean exit and returns nil. Failed cycles are logged and skipped.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("detection loop started")
	defer l.logger.Debug("detection loop stopped")
	for {
		frame, err := l.slot.Wait(ctx)
		if err != nil {
			if IsCancellation(err) {
				return nil
			}
			return err
		}

		cycleCtx := ctx
		if l.debugNext.CompareAndSwap(true, false) {
			cycleCtx = logging.EnableDebugMode(ctx, "")
		}
		start := l.clock.Now()
		res, err := l.pipeline.Run(cycleCtx, frame)
		latency := l.clock.Since(start)
		switch {
		case err == nil && res.Detected:
			l.stats.record(OutcomeDetected, latency)
		case err == nil:
			l.stats.record(OutcomeNoDetection, latency)
		case IsCancellation(err):
			l.stats.record(OutcomeCancelled, latency)
			return nil
		case errors.Is(err, ErrPipelineClosed):
			return err
		case IsTransient(err):
			l.stats.record(OutcomeFailed, latency)
			l.logger.Warnw("detection cycle failed, skipping frame", "error", err)
		default:
			l.stats.record(OutcomeFailed, latency)
			l.logger.Errorw("detection cycle failed", "error", err)
		}
	}
}

// Stats returns the loop's counters and latency summary.
func (l *Loop) Stats() LoopStats {
	s := l.stats.snapshot()
	s.DroppedFrames = l.slot.Dropped()
	return s
}
