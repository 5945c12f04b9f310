package imagesource

import (
	"image"
	"time"

	"github.com/disintegration/imaging"
)

const readRetryDelay = 100 * time.Millisecond

// WebcamConfig selects and configures a webcam. Zero values let the driver choose.
type WebcamConfig struct {
	// Path is a device path or label such as /dev/video0; empty picks the first camera.
	Path      string
	Width     int
	Height    int
	FrameRate float32
}

// copyFrame detaches a frame from a driver buffer that is reused after release.
func copyFrame(img image.Image) image.Image {
	return imaging.Clone(img)
}
