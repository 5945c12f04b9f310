//go:build linux

package imagesource

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/utils"
)

type webcamSource struct {
	conf   WebcamConfig
	logger logging.Logger

	mu      sync.Mutex
	track   mediadevices.Track
	workers utils.StoppableWorkers
}

// NewWebcamSource returns a source reading frames from a local camera. The device is only opened
// on Start.
func NewWebcamSource(conf WebcamConfig, logger logging.Logger) (Source, error) {
	return &webcamSource{conf: conf, logger: logger}, nil
}

func (w *webcamSource) Type() SourceType {
	return WebCam
}

// makeConstraints turns the config into mediadevices constraints.
func makeConstraints(conf WebcamConfig, deviceID string) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				constraint.DeviceID = prop.StringExact(deviceID)
			}
			if conf.Width > 0 {
				constraint.Width = prop.IntExact(conf.Width)
			} else {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: 640, Max: 4096}
			}
			if conf.Height > 0 {
				constraint.Height = prop.IntExact(conf.Height)
			} else {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: 480, Max: 2160}
			}
			if conf.FrameRate > 0 {
				constraint.FrameRate = prop.FloatExact(conf.FrameRate)
			} else {
				constraint.FrameRate = prop.FloatRanged{Min: 0.0, Ideal: 30.0, Max: 140.0}
			}
			constraint.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatYUY2,
				frame.FormatUYVY,
				frame.FormatRGBA,
				frame.FormatMJPEG,
				frame.FormatNV12,
				frame.FormatNV21,
			}
		},
	}
}

// findDeviceID resolves a configured path to a mediadevices driver ID. Driver labels carry the
// device path as their first element.
func findDeviceID(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	base := filepath.Base(path)
	drivers := driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
	for _, d := range drivers {
		for _, label := range strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator) {
			if label == path || filepath.Base(label) == base {
				return d.ID(), nil
			}
		}
	}
	return "", errors.Errorf("no webcam found at %s", path)
}

func (w *webcamSource) Start(ctx context.Context, publish func(image.Image)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.workers != nil {
		return errors.New("webcam already started")
	}

	mediadevicescamera.Initialize()
	deviceID, err := findDeviceID(w.conf.Path)
	if err != nil {
		return err
	}
	stream, err := mediadevices.GetUserMedia(makeConstraints(w.conf, deviceID))
	if err != nil {
		return errors.Wrap(err, "open webcam")
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("webcam has no video track")
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		goutils.UncheckedError(tracks[0].Close())
		return errors.Errorf("unexpected webcam track type %T", tracks[0])
	}
	reader := videoTrack.NewReader(false)
	w.track = videoTrack
	w.logger.Infow("webcam opened", "path", w.conf.Path, "device", deviceID)

	w.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		w.readLoop(ctx, reader, publish)
	})
	return nil
}

func (w *webcamSource) readLoop(ctx context.Context, reader video.Reader, publish func(image.Image)) {
	for ctx.Err() == nil {
		img, release, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warnw("webcam read failed", "error", err)
			if !goutils.SelectContextOrWait(ctx, readRetryDelay) {
				return
			}
			continue
		}
		cloned := copyFrame(img)
		if release != nil {
			release()
		}
		publish(cloned)
	}
}

func (w *webcamSource) Stop() error {
	w.mu.Lock()
	track, workers := w.track, w.workers
	w.track, w.workers = nil, nil
	w.mu.Unlock()

	var err error
	if track != nil {
		// closing the track unblocks a pending Read
		err = track.Close()
	}
	if workers != nil {
		workers.Stop()
	}
	return err
}

func (w *webcamSource) Close(ctx context.Context) error {
	return w.Stop()
}
