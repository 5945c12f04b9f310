// Package config defines the posetrack configuration file and how it maps onto the pipeline,
// the frame sources and the loggers.
package config

import (
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/posetrack/imagesource"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/vision/pose"
)

// Config is the whole configuration file.
type Config struct {
	Detection DetectionConfig `json:"detection"`
	Source    SourceConfig    `json:"source"`
	Log       LogConfig       `json:"log"`
	Record    RecordConfig    `json:"record"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`
}

// DetectionConfig configures the models and the pipeline built on them.
type DetectionConfig struct {
	DetectorModelPath   string  `json:"detector_model_path"`
	LandmarkerModelPath string  `json:"landmarker_model_path"`
	AnchorsPath         string  `json:"anchors_path"`
	ScoreThreshold      float64 `json:"score_threshold"`
	NumAnchors          int     `json:"num_anchors"`
	DetectorInputSize   int     `json:"detector_input_size"`
	LandmarkerInputSize int     `json:"landmarker_input_size"`
	NumThreads          int     `json:"num_threads,omitempty"`
	DetectorInputTensor string  `json:"detector_input_tensor"`
	// LandmarkerInputTensor is the landmarker input name.
	LandmarkerInputTensor string `json:"landmarker_input_tensor"`
	BoxesTensor           string `json:"boxes_tensor"`
	ScoresTensor          string `json:"scores_tensor"`
	LandmarksTensor       string `json:"landmarks_tensor"`
}

// SourceConfig configures the frame sources. Every configured section is registered with the
// controller; Type is the one started first.
type SourceConfig struct {
	Type          string               `json:"type" jsonschema:"enum=webcam,enum=video,enum=image_sequence"`
	Webcam        *WebcamConfig        `json:"webcam,omitempty"`
	Video         *VideoConfig         `json:"video,omitempty"`
	ImageSequence *ImageSequenceConfig `json:"image_sequence,omitempty"`
	RandomSwitch  *RandomSwitchConfig  `json:"random_switch,omitempty"`
}

// SourceType returns the parsed type of the source started first.
func (conf *SourceConfig) SourceType() (imagesource.SourceType, error) {
	return imagesource.SourceTypeFromString(conf.Type)
}

// Duration is a Go duration string such as "500ms" or "1m30s".
type Duration string

// Value parses the duration. The empty string is zero.
func (d Duration) Value() (time.Duration, error) {
	if d == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(string(d))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", string(d))
	}
	return dur, nil
}

// value returns the parsed duration of a validated config.
func (d Duration) value() time.Duration {
	dur, err := d.Value()
	if err != nil {
		return 0
	}
	return dur
}

// WebcamConfig selects and shapes a camera. Zero values leave the choice to the driver.
type WebcamConfig struct {
	Path      string  `json:"path,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// VideoConfig plays a video file.
type VideoConfig struct {
	Path string `json:"path"`
	Loop bool   `json:"loop,omitempty"`
}

// ImageSequenceConfig cycles through the images of a directory.
type ImageSequenceConfig struct {
	Dir           string   `json:"dir"`
	FrameInterval Duration `json:"frame_interval,omitempty"`
	Watch         bool     `json:"watch,omitempty"`
	Loop          *bool    `json:"loop,omitempty"`
}

// RandomSwitchConfig switches between the configured sources at random intervals.
type RandomSwitchConfig struct {
	MinInterval Duration `json:"min_interval"`
	MaxInterval Duration `json:"max_interval"`
}

// Intervals returns the parsed bounds.
func (conf *RandomSwitchConfig) Intervals() (time.Duration, time.Duration) {
	return conf.MinInterval.value(), conf.MaxInterval.value()
}

// LogConfig configures the loggers.
type LogConfig struct {
	Level   string                        `json:"level,omitempty"`
	Debug   bool                          `json:"debug,omitempty"`
	File    *LogFileConfig                `json:"file,omitempty"`
	Loggers []logging.LoggerPatternConfig `json:"loggers,omitempty"`
}

// LogFileConfig adds a rotating log file.
type LogFileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// RecordConfig enables the JSON-lines event recording.
type RecordConfig struct {
	Path string `json:"path,omitempty"`
}

// Default returns a config holding every default. Paths are left empty.
func Default() *Config {
	pc := pose.DefaultConfig()
	return &Config{
		Detection: DetectionConfig{
			ScoreThreshold:        float64(pc.ScoreThreshold),
			NumAnchors:            pc.Graph.NumAnchors,
			DetectorInputSize:     pc.DetectorInputSize,
			LandmarkerInputSize:   pc.LandmarkerInputSize,
			DetectorInputTensor:   pc.DetectorInputTensor,
			LandmarkerInputTensor: pc.LandmarkerInputTensor,
			BoxesTensor:           pc.Graph.BoxesTensor,
			ScoresTensor:          pc.Graph.ScoresTensor,
			LandmarksTensor:       pc.LandmarksTensor,
		},
		Source: SourceConfig{Type: imagesource.ImageSequence.String()},
		Log:    LogConfig{Level: "info"},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate() error {
	if err := cfg.Detection.Validate("detection"); err != nil {
		return err
	}
	if err := cfg.Source.Validate("source"); err != nil {
		return err
	}
	return cfg.Log.Validate("log")
}

// Validate ensures all parts of the config are valid.
func (conf *DetectionConfig) Validate(path string) error {
	if conf.DetectorModelPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "detector_model_path")
	}
	if conf.LandmarkerModelPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "landmarker_model_path")
	}
	if conf.AnchorsPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "anchors_path")
	}
	if conf.ScoreThreshold < 0 || conf.ScoreThreshold > 1 || math.IsNaN(conf.ScoreThreshold) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("score_threshold must be in [0, 1], got %v", conf.ScoreThreshold))
	}
	for name, v := range map[string]int{
		"num_anchors":           conf.NumAnchors,
		"detector_input_size":   conf.DetectorInputSize,
		"landmarker_input_size": conf.LandmarkerInputSize,
	} {
		if v <= 0 {
			return goutils.NewConfigValidationError(path, errors.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if conf.NumThreads < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("num_threads cannot be negative, got %d", conf.NumThreads))
	}
	return nil
}

// PipelineConfig returns the pipeline settings.
func (conf *DetectionConfig) PipelineConfig() pose.Config {
	return pose.Config{
		ScoreThreshold:        float32(conf.ScoreThreshold),
		DetectorInputSize:     conf.DetectorInputSize,
		LandmarkerInputSize:   conf.LandmarkerInputSize,
		DetectorInputTensor:   conf.DetectorInputTensor,
		LandmarkerInputTensor: conf.LandmarkerInputTensor,
		LandmarksTensor:       conf.LandmarksTensor,
		Graph: pose.GraphConfig{
			BoxesTensor:  conf.BoxesTensor,
			ScoresTensor: conf.ScoresTensor,
			NumAnchors:   conf.NumAnchors,
		},
	}
}

// Resources returns the files the pipeline is loaded from.
func (conf *DetectionConfig) Resources() pose.Resources {
	return pose.Resources{
		AnchorsPath:    conf.AnchorsPath,
		DetectorPath:   conf.DetectorModelPath,
		LandmarkerPath: conf.LandmarkerModelPath,
		NumThreads:     conf.NumThreads,
	}
}

// Validate ensures all parts of the config are valid and that the section for Type is present.
func (conf *SourceConfig) Validate(path string) error {
	st, err := imagesource.SourceTypeFromString(conf.Type)
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	switch st {
	case imagesource.WebCam:
		if conf.Webcam == nil {
			conf.Webcam = &WebcamConfig{}
		}
	case imagesource.VideoPlayer:
		if conf.Video == nil {
			return goutils.NewConfigValidationFieldRequiredError(path, "video")
		}
	case imagesource.ImageSequence:
		if conf.ImageSequence == nil {
			return goutils.NewConfigValidationFieldRequiredError(path, "image_sequence")
		}
	}
	if conf.Webcam != nil {
		if err := conf.Webcam.Validate(path + ".webcam"); err != nil {
			return err
		}
	}
	if conf.Video != nil {
		if err := conf.Video.Validate(path + ".video"); err != nil {
			return err
		}
	}
	if conf.ImageSequence != nil {
		if err := conf.ImageSequence.Validate(path + ".image_sequence"); err != nil {
			return err
		}
	}
	if conf.RandomSwitch != nil {
		return conf.RandomSwitch.Validate(path + ".random_switch")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *WebcamConfig) Validate(path string) error {
	if conf.Width < 0 || conf.Height < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("invalid size %dx%d", conf.Width, conf.Height))
	}
	if conf.FrameRate < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("invalid frame_rate %v", conf.FrameRate))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *VideoConfig) Validate(path string) error {
	if conf.Path == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "path")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *ImageSequenceConfig) Validate(path string) error {
	if conf.Dir == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "dir")
	}
	interval, err := conf.FrameInterval.Value()
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if interval < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("frame_interval cannot be negative, got %s", interval))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (conf *RandomSwitchConfig) Validate(path string) error {
	minInterval, err := conf.MinInterval.Value()
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	maxInterval, err := conf.MaxInterval.Value()
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if minInterval <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "min_interval")
	}
	if maxInterval < minInterval {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("max_interval %s is shorter than min_interval %s", maxInterval, minInterval))
	}
	return nil
}

// WebcamSourceConfig converts the webcam section.
func (conf *WebcamConfig) WebcamSourceConfig() imagesource.WebcamConfig {
	return imagesource.WebcamConfig{
		Path:      conf.Path,
		Width:     conf.Width,
		Height:    conf.Height,
		FrameRate: float32(conf.FrameRate),
	}
}

// VideoSourceConfig converts the video section.
func (conf *VideoConfig) VideoSourceConfig() imagesource.VideoConfig {
	return imagesource.VideoConfig{Path: conf.Path, Loop: conf.Loop}
}

// SequenceSourceConfig converts the image sequence section. Sequences loop unless loop is false.
func (conf *ImageSequenceConfig) SequenceSourceConfig() imagesource.SequenceConfig {
	loop := true
	if conf.Loop != nil {
		loop = *conf.Loop
	}
	return imagesource.SequenceConfig{
		Dir:           conf.Dir,
		FrameInterval: conf.FrameInterval.value(),
		Watch:         conf.Watch,
		Loop:          loop,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *LogConfig) Validate(path string) error {
	if conf.Level != "" {
		if _, err := logging.LevelFromString(conf.Level); err != nil {
			return goutils.NewConfigValidationError(path, err)
		}
	}
	if conf.File != nil {
		if conf.File.Path == "" {
			return goutils.NewConfigValidationFieldRequiredError(path+".file", "path")
		}
		if conf.File.MaxSizeMB < 0 || conf.File.MaxBackups < 0 {
			return goutils.NewConfigValidationError(path+".file", errors.New("max_size_mb and max_backups cannot be negative"))
		}
	}
	for i, lc := range conf.Loggers {
		if _, err := logging.LevelFromString(lc.Level); err != nil {
			return goutils.NewConfigValidationError(path+".loggers."+lc.Pattern, errors.Wrapf(err, "entry %d", i))
		}
	}
	return nil
}
