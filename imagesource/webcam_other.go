//go:build !linux

package imagesource

import (
	"github.com/pkg/errors"

	"go.viam.com/posetrack/logging"
)

// NewWebcamSource is only supported on linux.
func NewWebcamSource(conf WebcamConfig, logger logging.Logger) (Source, error) {
	return nil, errors.New("webcam sources are only supported on linux")
}
