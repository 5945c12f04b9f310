// Package imagesource provides the switchable frame sources: a webcam, a video file and an image
// sequence. The active source publishes every frame on the bus as ImageUpdated.
package imagesource

import (
	"context"
	"image"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/posetrack/events"
)

// SourceType identifies a kind of frame source.
type SourceType int

// The available frame sources.
const (
	WebCam SourceType = iota
	VideoPlayer
	ImageSequence
)

// SourceTypes lists every source type.
var SourceTypes = []SourceType{WebCam, VideoPlayer, ImageSequence}

func (t SourceType) String() string {
	switch t {
	case WebCam:
		return "webcam"
	case VideoPlayer:
		return "video"
	case ImageSequence:
		return "image_sequence"
	default:
		return "unknown"
	}
}

// SourceTypeFromString parses a config name such as "webcam", "video" or "image_sequence". The
// CamelCase names WebCam, VideoPlayer and ImageSequence are accepted too.
func SourceTypeFromString(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "webcam":
		return WebCam, nil
	case "video", "videoplayer", "video_player":
		return VideoPlayer, nil
	case "image_sequence", "imagesequence", "sequence":
		return ImageSequence, nil
	default:
		return 0, errors.Errorf("unknown image source type %q", s)
	}
}

// MarshalText encodes the type as its config name.
func (t SourceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a config name.
func (t *SourceType) UnmarshalText(text []byte) error {
	parsed, err := SourceTypeFromString(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Frame events.
var (
	ImageUpdated       = events.NewTopic[image.Image]("ImageUpdated")
	ImageSourceChanged = events.NewTopic[SourceType]("ImageSourceChanged")
)

// A Source produces frames while started. Start returns once frames are flowing or setup failed;
// publish is then called from the source's own goroutine. A stopped source can be started again.
// Frames handed to publish must not be modified afterwards.
type Source interface {
	Type() SourceType
	Start(ctx context.Context, publish func(image.Image)) error
	Stop() error
	Close(ctx context.Context) error
}
