package pose

import (
	"context"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/posetrack/events"
	"go.viam.com/posetrack/imagesource"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/ml/inference"
	"go.viam.com/posetrack/utils"
)

// Resources names the files a pipeline is built from.
type Resources struct {
	AnchorsPath    string
	DetectorPath   string
	LandmarkerPath string
	NumThreads     int
}

// Load reads the anchor table and both models and builds a pipeline that owns them. Any failure
// to open a resource is returned as a *ResourceLoadError; a malformed anchor table is a *ParseError.
func Load(res Resources, bus *events.Bus, cfg Config, logger logging.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Global().Sublogger("pose")
	}
	numAnchors := cfg.Graph.NumAnchors
	if numAnchors == 0 {
		numAnchors = DefaultNumAnchors
	}
	anchors, err := LoadAnchorsFile(res.AnchorsPath, numAnchors)
	if err != nil {
		return nil, err
	}

	modelOpts := inference.Options{NumThreads: res.NumThreads, Logger: logger.Sublogger("inference")}
	detector, err := inference.LoadModel(res.DetectorPath, modelOpts)
	if err != nil {
		return nil, &ResourceLoadError{Resource: res.DetectorPath, Err: err}
	}
	ctx := context.Background()
	detectorGuard := utils.NewGuard(func() {
		if err := detector.Close(ctx); err != nil {
			logger.Warnw("failed to close detector", "error", err)
		}
	})
	defer detectorGuard.OnFail()

	landmarker, err := inference.LoadModel(res.LandmarkerPath, modelOpts)
	if err != nil {
		return nil, &ResourceLoadError{Resource: res.LandmarkerPath, Err: err}
	}
	landmarkerGuard := utils.NewGuard(func() {
		if err := landmarker.Close(ctx); err != nil {
			logger.Warnw("failed to close landmarker", "error", err)
		}
	})
	defer landmarkerGuard.OnFail()

	p, err := NewPipeline(anchors, detector, landmarker, bus, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	detectorGuard.Success()
	landmarkerGuard.Success()
	logger.Infow("pose pipeline loaded",
		"anchors", res.AnchorsPath, "detector", res.DetectorPath, "landmarker", res.LandmarkerPath)
	return p, nil
}

// Service connects a pipeline to the frame events on a bus. It keeps the latest frame in a slot
// and runs one detection loop over it, restarting the loop whenever the image source changes.
type Service struct {
	bus      *events.Bus
	pipeline *Pipeline
	slot     *FrameSlot
	logger   logging.Logger
	clock    clock.Clock
	stats    *statsRecorder
	subs     []events.Subscription

	mu       sync.Mutex
	workers  utils.StoppableWorkers
	loop     *Loop
	restarts atomic.Int64
	debug    *atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewService subscribes to ImageUpdated and ImageSourceChanged on bus. The loop is not running
// until Start is called. The service takes ownership of pipeline.
func NewService(bus *events.Bus, pipeline *Pipeline, logger logging.Logger, clk clock.Clock) (*Service, error) {
	if bus == nil || pipeline == nil {
		return nil, errors.New("service needs a bus and a pipeline")
	}
	if logger == nil {
		logger = logging.Global().Sublogger("pose")
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Service{
		bus:      bus,
		pipeline: pipeline,
		slot:     NewFrameSlot(),
		logger:   logger,
		clock:    clk,
		stats:    &statsRecorder{},
		debug:    atomic.NewBool(false),
	}
	s.subs = append(s.subs,
		events.Subscribe(bus, imagesource.ImageUpdated, func(img image.Image) {
			s.slot.Put(img)
		}),
		events.Subscribe(bus, imagesource.ImageSourceChanged, func(st imagesource.SourceType) {
			s.logger.Debugw("image source changed, restarting detection", "source", st.String())
			s.Restart()
		}),
	)
	return s, nil
}

// Start runs the detection loop if it is not already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil || s.closed.Load() {
		return
	}
	s.startLocked()
}

// Restart stops the running loop, waits for it to exit, marks the current frame as new and starts
// a fresh loop. It does nothing once the service is closed.
func (s *Service) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.stopLocked()
	s.slot.MarkUpdated()
	s.restarts.Inc()
	s.startLocked()
}

func (s *Service) startLocked() {
	loop := NewLoop(s.pipeline, s.slot, s.logger, s.clock)
	loop.stats = s.stats
	loop.debugNext = s.debug
	s.loop = loop
	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, ErrPipelineClosed) {
			s.logger.Errorw("detection loop exited", "error", err)
		}
	})
}

func (s *Service) stopLocked() {
	if s.workers == nil {
		return
	}
	s.workers.Stop()
	s.workers = nil
}

// DebugNextCycle forces debug logging for the next detection cycle, including one run by a loop
// started after a restart.
func (s *Service) DebugNextCycle() {
	s.debug.Store(true)
}

// Running reports whether a detection loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers != nil
}

// Restarts returns how many times the loop was restarted.
func (s *Service) Restarts() int64 {
	return s.restarts.Load()
}

// Slot returns the latest-frame slot the loop reads from.
func (s *Service) Slot() *FrameSlot {
	return s.slot
}

// Stats returns counters accumulated over every loop the service has run.
func (s *Service) Stats() LoopStats {
	st := s.stats.snapshot()
	st.DroppedFrames = s.slot.Dropped()
	return st
}

// Close unsubscribes from the bus, stops the loop and closes the pipeline. Only the first call
// does any work.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var err error
		for _, sub := range s.subs {
			if !s.bus.Unsubscribe(sub) {
				err = multierr.Combine(err, errors.Errorf("subscription %s already removed", sub.ID()))
			}
		}
		s.mu.Lock()
		s.stopLocked()
		s.mu.Unlock()
		s.closeErr = multierr.Combine(err, s.pipeline.Close(ctx))
	})
	return s.closeErr
}
