package pose

import (
	"context"
	"image"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/posetrack/events"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/ml"
	"go.viam.com/posetrack/ml/inference"
	"go.viam.com/posetrack/rimage"
	"go.viam.com/posetrack/spatialmath"
	"go.viam.com/posetrack/utils"
)

// State is the step a pipeline cycle is at.
type State int32

// The steps of one cycle, in order.
const (
	StateIdle State = iota
	StateStage1Sampling
	StateStage1Inference
	StateScoreCheck
	StateStage2Sampling
	StateStage2Inference
	StatePublish
)

var stateNames = [...]string{
	"Idle",
	"Stage1Sampling",
	"Stage1Inference",
	"ScoreCheck",
	"Stage2Sampling",
	"Stage2Inference",
	"Publish",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

const (
	// hip distance to landmarker crop radius.
	cropScale = 1.25
	// crop radius to published person radius.
	personRadiusScale = 0.8
	// landmarker outputs per keypoint: x, y, z, visibility, presence.
	landmarkStride  = 5
	trackedMinimum  = 0.5
	stageDetector   = "detector"
	stageLandmarker = "landmarker"
)

// Config tunes a Pipeline.
type Config struct {
	ScoreThreshold        float32
	DetectorInputSize     int
	LandmarkerInputSize   int
	DetectorInputTensor   string
	LandmarkerInputTensor string
	LandmarksTensor       string
	Graph                 GraphConfig
}

// DefaultConfig returns the configuration of the BlazePose detector and full-body landmarker.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold:        0.75,
		DetectorInputSize:     224,
		LandmarkerInputSize:   256,
		DetectorInputTensor:   "input_1",
		LandmarkerInputTensor: "input_1",
		LandmarksTensor:       "Identity",
		Graph: GraphConfig{
			BoxesTensor:  "Identity",
			ScoresTensor: "Identity_1",
			NumAnchors:   DefaultNumAnchors,
		},
	}
}

// Result describes one completed cycle. Detected is false when the best score was below threshold,
// in which case only Score, AnchorIndex and Transform1 are set.
type Result struct {
	Detected    bool
	Score       float32
	AnchorIndex int
	Transform1  spatialmath.Affine2D
	Transform2  spatialmath.Affine2D
	HipDelta    mgl32.Vec2
	Theta       float32
	Radius      float32
	Person      PersonBoundingCircle
	Face        FaceBoundingBox
	Skeleton    SkeletalData
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used to time inference.
func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clk }
}

// Pipeline turns one frame into detection events. It exclusively owns its two input buffers and
// both models; Run may be called from one goroutine at a time and cycles never overlap.
type Pipeline struct {
	cfg        Config
	anchors    *AnchorTable
	graph      *DetectionGraph
	detector   inference.Model
	landmarker inference.Model
	bus        *events.Bus
	logger     logging.Logger
	clock      clock.Clock

	runMu           sync.Mutex
	state           atomic.Int32
	inflight        sync.WaitGroup
	detectorInput   *ml.Buffer
	landmarkerInput *ml.Buffer

	// scratch results, published by value
	person   PersonBoundingCircle
	face     FaceBoundingBox
	skeleton SkeletalData

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
	releases  atomic.Int32
}

// NewPipeline allocates the input buffers and takes ownership of both models.
func NewPipeline(
	anchors *AnchorTable,
	detector, landmarker inference.Model,
	bus *events.Bus,
	cfg Config,
	logger logging.Logger,
	opts ...Option,
) (*Pipeline, error) {
	if anchors == nil || detector == nil || landmarker == nil || bus == nil {
		return nil, errors.New("pipeline needs anchors, both models and a bus")
	}
	if cfg.DetectorInputSize <= 0 || cfg.LandmarkerInputSize <= 0 {
		return nil, errors.Errorf("invalid model input sizes %d and %d", cfg.DetectorInputSize, cfg.LandmarkerInputSize)
	}
	if cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1 {
		return nil, errors.Errorf("score threshold %v is outside [0, 1]", cfg.ScoreThreshold)
	}
	if cfg.Graph.NumAnchors == 0 {
		cfg.Graph.NumAnchors = anchors.Len()
	}
	if anchors.Len() != cfg.Graph.NumAnchors {
		return nil, errors.Errorf("anchor table has %d rows, detector expects %d", anchors.Len(), cfg.Graph.NumAnchors)
	}
	if logger == nil {
		logger = logging.Global().Sublogger("pose")
	}

	p := &Pipeline{
		cfg:             cfg,
		anchors:         anchors,
		graph:           NewDetectionGraph(detector, cfg.Graph),
		detector:        detector,
		landmarker:      landmarker,
		bus:             bus,
		logger:          logger,
		clock:           clock.New(),
		detectorInput:   ml.NewImageBuffer(cfg.DetectorInputTensor, cfg.DetectorInputSize, cfg.DetectorInputSize, 3),
		landmarkerInput: ml.NewImageBuffer(cfg.LandmarkerInputTensor, cfg.LandmarkerInputSize, cfg.LandmarkerInputSize, 3),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// State returns the step the current cycle is at, or StateIdle between cycles.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Releases returns how many times the pipeline's resources have been released. It is 0 before
// Close and 1 after, however often Close is called.
func (p *Pipeline) Releases() int {
	return int(p.releases.Load())
}

// Run performs one detection cycle on img and publishes its outcome.
//
// Below threshold it publishes NoFaceDetected then NoPersonDetected and the landmarker is not run.
// Otherwise it publishes PersonDetected, FaceDetected and Skeleton once stage two has finished.
// If ctx is cancelled while waiting on a model, Run returns ctx.Err() and publishes nothing; the
// abandoned inference keeps the buffers until it finishes.
func (p *Pipeline) Run(ctx context.Context, img image.Image) (Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.closed.Load() {
		return Result{}, ErrPipelineClosed
	}
	if img == nil || img.Bounds().Empty() {
		return Result{}, errors.New("no frame to run detection on")
	}
	p.inflight.Wait()

	ctx, span := trace.StartSpan(ctx, "pose::Pipeline::Run")
	defer span.End()
	defer p.setState(StateIdle)

	size := rimage.ImageSize(img)
	height := size.Y()
	side := float32(math.Max(float64(size.X()), float64(size.Y())))
	scale := side / float32(p.cfg.DetectorInputSize)

	var res Result
	res.Transform1 = spatialmath.Compose(
		spatialmath.Translation(size.Add(mgl32.Vec2{-side, side}).Mul(0.5)),
		spatialmath.Scale(mgl32.Vec2{scale, -scale}),
	)

	p.setState(StateStage1Sampling)
	if err := rimage.SampleAffine(img, res.Transform1, p.detectorInput); err != nil {
		return res, errors.Wrap(err, "sample detector input")
	}
	input, err := p.detectorInput.Tensors()
	if err != nil {
		return res, err
	}

	p.setState(StateStage1Inference)
	det, err := await(ctx, p, stageDetector, func(ctx context.Context) (DetectionResult, error) {
		return p.graph.Run(ctx, input)
	})
	if err != nil {
		return res, err
	}

	p.setState(StateScoreCheck)
	res.Score = det.Score
	res.AnchorIndex = det.AnchorIndex
	if det.Score < p.cfg.ScoreThreshold {
		p.logger.CDebugw(ctx, "no person detected", "score", det.Score)
		p.setState(StatePublish)
		events.Publish(p.bus, NoFaceDetected, events.Empty{})
		events.Publish(p.bus, NoPersonDetected, events.Empty{})
		return res, nil
	}

	anchor, err := p.anchors.Get(det.AnchorIndex)
	if err != nil {
		return res, &InferenceError{Stage: stageDetector, Err: err}
	}
	anchorPos := anchor.Vec2().Mul(float32(p.cfg.DetectorInputSize))
	o := det.BoxOffsets
	faceCenter := res.Transform1.Apply(anchorPos.Add(mgl32.Vec2{o[0], o[1]}))
	faceTopRight := res.Transform1.Apply(anchorPos.Add(mgl32.Vec2{o[0] + 0.5*o[2], o[1] + 0.5*o[3]}))
	leftHip := res.Transform1.Apply(anchorPos.Add(mgl32.Vec2{o[4], o[5]}))
	rightHip := res.Transform1.Apply(anchorPos.Add(mgl32.Vec2{o[6], o[7]}))

	res.HipDelta = rightHip.Sub(leftHip)
	res.Radius = cropScale * res.HipDelta.Len()
	res.Theta = float32(math.Atan2(float64(res.HipDelta.Y()), float64(res.HipDelta.X())))
	half := 0.5 * float32(p.cfg.LandmarkerInputSize)
	scale2 := res.Radius / half
	res.Transform2 = spatialmath.ComposeAll(
		spatialmath.Translation(leftHip),
		spatialmath.Scale(mgl32.Vec2{scale2, -scale2}),
		spatialmath.Rotation(0.5*math.Pi-res.Theta),
		spatialmath.Translation(mgl32.Vec2{-half, -half}),
	)

	p.person = PersonBoundingCircle{
		Origin: imageToWorld(leftHip, size),
		Radius: personRadiusScale * res.Radius / height,
	}
	p.face = FaceBoundingBox{
		FaceWorldPosition: imageToWorld(faceCenter, size),
		BoundingBoxHeight: faceTopRight.Sub(faceCenter).Mul(2 / height),
	}
	p.logger.CDebugw(ctx, "person detected",
		"score", det.Score, "anchor", det.AnchorIndex, "radius", res.Radius, "theta", res.Theta)

	p.setState(StateStage2Sampling)
	if err := rimage.SampleAffine(img, res.Transform2, p.landmarkerInput); err != nil {
		return res, errors.Wrap(err, "sample landmarker input")
	}
	input, err = p.landmarkerInput.Tensors()
	if err != nil {
		return res, err
	}

	p.setState(StateStage2Inference)
	landmarks, err := await(ctx, p, stageLandmarker, func(ctx context.Context) ([]float32, error) {
		out, err := p.landmarker.Infer(ctx, input)
		if err != nil {
			return nil, err
		}
		t, ok := out[p.cfg.LandmarksTensor]
		if !ok {
			return nil, errors.Errorf("landmarker output %q missing, have %v", p.cfg.LandmarksTensor, ml.TensorNames(out))
		}
		return ml.Float32s(t)
	})
	if err != nil {
		return res, err
	}
	if len(landmarks) < landmarkStride*NumKeypoints {
		return res, &InferenceError{
			Stage: stageLandmarker,
			Err:   errors.Errorf("expected %d landmark values, got %d", landmarkStride*NumKeypoints, len(landmarks)),
		}
	}
	for i := 0; i < NumKeypoints; i++ {
		l := landmarks[landmarkStride*i : landmarkStride*(i+1)]
		pos := res.Transform2.Apply(mgl32.Vec2{l[0], l[1]})
		p.skeleton.Positions[i] = imageToWorld(pos, size).Add(mgl32.Vec3{0, 0, l[2] / height})
		p.skeleton.IsTracked[i] = l[3] > trackedMinimum && l[4] > trackedMinimum
	}

	p.setState(StatePublish)
	res.Detected = true
	res.Person = p.person
	res.Face = p.face
	res.Skeleton = p.skeleton
	events.Publish(p.bus, PersonDetected, p.person)
	events.Publish(p.bus, FaceDetected, p.face)
	events.Publish(p.bus, Skeleton, p.skeleton)
	return res, nil
}

// imageToWorld maps image space to world space: centred on the image, one unit per image height.
func imageToWorld(pt, size mgl32.Vec2) mgl32.Vec3 {
	w := pt.Sub(size.Mul(0.5)).Mul(1 / size.Y())
	return w.Vec3(0)
}

// await runs fn on its own goroutine and waits for it or for ctx. The model call gets a context
// that is never cancelled so it always runs to completion; the buffers it reads stay reserved
// through p.inflight until then.
func await[T any](ctx context.Context, p *Pipeline, stage string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := trace.StartSpan(ctx, "pose::"+stage)
	defer span.End()
	stopSlow := utils.SlowLogger(ctx, p.clock, "inference is taking a long time", "stage", stage, p.logger)
	defer stopSlow()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	workerCtx := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	goutils.PanicCapturingGoWithCallback(func() {
		defer p.inflight.Done()
		val, err := fn(workerCtx)
		done <- result{val, err}
	}, func(err interface{}) {
		var zero T
		done <- result{zero, errors.Errorf("panic during %s inference: %v", stage, err)}
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.val, &InferenceError{Stage: stage, Err: r.err}
		}
		return r.val, nil
	}
}

// Close waits for any running cycle and abandoned inference, then releases both buffers and closes
// both models. Only the first call does any work.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.runMu.Lock()
		defer p.runMu.Unlock()
		p.inflight.Wait()
		p.closeErr = multierr.Combine(
			p.detectorInput.Release(),
			p.landmarkerInput.Release(),
			p.detector.Close(ctx),
			p.landmarker.Close(ctx),
		)
		p.releases.Inc()
	})
	return p.closeErr
}
