package imagesource

import (
	"bufio"
	"context"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/atomic"

	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/utils"
)

// VideoConfig configures a video file source.
type VideoConfig struct {
	Path string
	Loop bool
}

type videoSource struct {
	conf   VideoConfig
	logger logging.Logger

	mu      sync.Mutex
	workers utils.StoppableWorkers
	info    videoInfo
	frames  atomic.Int64
	lastErr atomic.Error
}

// NewVideoSource returns a source decoding conf.Path through ffmpeg at its native frame rate.
// ffmpeg and ffprobe must be in PATH.
func NewVideoSource(conf VideoConfig, logger logging.Logger) (Source, error) {
	if conf.Path == "" {
		return nil, errors.New("video source needs a path")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(conf.Path); err != nil {
		return nil, errors.Wrap(err, "open video")
	}
	return &videoSource{conf: conf, logger: logger}, nil
}

func (v *videoSource) Type() SourceType {
	return VideoPlayer
}

type videoInfo struct {
	Width     int
	Height    int
	FrameRate float64
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// parseProbe reads the first video stream's dimensions and frame rate out of ffprobe's JSON.
func parseProbe(data []byte) (videoInfo, error) {
	var out probeOutput
	if err := jsoniter.Unmarshal(data, &out); err != nil {
		return videoInfo{}, errors.Wrap(err, "parse ffprobe output")
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return videoInfo{}, errors.Errorf("video stream has invalid size %dx%d", s.Width, s.Height)
		}
		rate := parseRate(s.AvgFrameRate)
		if rate == 0 {
			rate = parseRate(s.RFrameRate)
		}
		return videoInfo{Width: s.Width, Height: s.Height, FrameRate: rate}, nil
	}
	return videoInfo{}, errors.New("no video stream found")
}

// parseRate parses ffprobe rationals like "30000/1001". It returns 0 when unknown.
func parseRate(r string) float64 {
	num, den, found := strings.Cut(r, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// rgb24ToRGBA converts one packed rgb24 frame.
func rgb24ToRGBA(frame []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(frame) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = frame[i]
		img.Pix[j+1] = frame[i+1]
		img.Pix[j+2] = frame[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// readFrames reads packed rgb24 frames from r and publishes each until r ends or ctx is done.
func readFrames(ctx context.Context, r io.Reader, info videoInfo, publish func(image.Image)) (int, error) {
	buf := make([]byte, info.Width*info.Height*3)
	br := bufio.NewReaderSize(r, len(buf))
	count := 0
	for {
		if ctx.Err() != nil {
			return count, nil
		}
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return count, nil
			}
			return count, err
		}
		publish(rgb24ToRGBA(buf, info.Width, info.Height))
		count++
	}
}

func (v *videoSource) Start(ctx context.Context, publish func(image.Image)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.workers != nil {
		return errors.New("video already started")
	}

	probed, err := ffmpeg.Probe(v.conf.Path)
	if err != nil {
		return errors.Wrapf(err, "probe %s", v.conf.Path)
	}
	info, err := parseProbe([]byte(probed))
	if err != nil {
		return err
	}
	v.info = info
	v.logger.Infow("playing video", "path", v.conf.Path, "width", info.Width, "height", info.Height, "fps", info.FrameRate)

	inArgs := ffmpeg.KwArgs{"re": ""}
	if v.conf.Loop {
		inArgs["stream_loop"] = -1
	}
	outArgs := ffmpeg.KwArgs{"format": "rawvideo", "pix_fmt": "rgb24"}

	pr, pw := io.Pipe()
	v.workers = utils.NewStoppableWorkers()
	v.workers.AddWorkers(
		func(ctx context.Context) {
			stream := ffmpeg.Input(v.conf.Path, inArgs).Output("pipe:", outArgs)
			stream.Context = ctx
			err := stream.WithOutput(pw).Run()
			if err != nil && ctx.Err() == nil {
				v.lastErr.Store(err)
				v.logger.Errorw("ffmpeg exited", "path", v.conf.Path, "error", err)
			}
			pw.CloseWithError(io.EOF)
		},
		func(ctx context.Context) {
			n, err := readFrames(ctx, pr, info, publish)
			v.frames.Add(int64(n))
			if err != nil {
				v.logger.Errorw("failed to read video frames", "path", v.conf.Path, "error", err)
			}
			pr.Close()
		},
	)
	return nil
}

func (v *videoSource) Stop() error {
	v.mu.Lock()
	workers := v.workers
	v.workers = nil
	v.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	err := v.lastErr.Load()
	v.lastErr.Store(nil)
	return err
}

func (v *videoSource) Close(ctx context.Context) error {
	return v.Stop()
}
