package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/posetrack/imagesource"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/vision/pose"
)

const minimalConfig = `{
	"detection": {
		"detector_model_path": "models/pose_detection.tflite",
		"landmarker_model_path": "models/pose_landmark_full.tflite",
		"anchors_path": "models/anchors.csv"
	},
	"source": {
		"type": "image_sequence",
		"image_sequence": {"dir": "frames", "frame_interval": "250ms"}
	}
}`

func TestFromReaderDefaults(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(minimalConfig))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Detection.PipelineConfig(), test.ShouldResemble, pose.DefaultConfig())
	test.That(t, cfg.Detection.Resources(), test.ShouldResemble, pose.Resources{
		AnchorsPath:    "models/anchors.csv",
		DetectorPath:   "models/pose_detection.tflite",
		LandmarkerPath: "models/pose_landmark_full.tflite",
	})
	st, err := cfg.Source.SourceType()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st, test.ShouldEqual, imagesource.ImageSequence)
	test.That(t, cfg.Source.ImageSequence.SequenceSourceConfig(), test.ShouldResemble, imagesource.SequenceConfig{
		Dir:           "frames",
		FrameInterval: 250 * time.Millisecond,
		Loop:          true,
	})
	test.That(t, cfg.Log.Level, test.ShouldEqual, "info")
	test.That(t, cfg.Record.Path, test.ShouldBeEmpty)
}

func TestFromReaderJSON5(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`{
		// models live next to the config
		detection: {
			detector_model_path: "d.tflite",
			landmarker_model_path: "l.tflite",
			anchors_path: "anchors.csv",
			score_threshold: 0.5
		},
		source: {image_sequence: {dir: "frames"}}
	}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Detection.ScoreThreshold, test.ShouldEqual, 0.5)
	test.That(t, cfg.Source.ImageSequence.Dir, test.ShouldEqual, "frames")
}

func TestReadExpandsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POSETRACK_MODELS", dir)
	path := filepath.Join(dir, "posetrack.json")
	conf := strings.ReplaceAll(minimalConfig, `"models/`, `"${POSETRACK_MODELS}/`)
	test.That(t, os.WriteFile(path, []byte(conf), 0o600), test.ShouldBeNil)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ConfigFilePath, test.ShouldEqual, path)
	test.That(t, cfg.Detection.DetectorModelPath, test.ShouldEqual, filepath.Join(dir, "pose_detection.tflite"))
	test.That(t, cfg.Detection.AnchorsPath, test.ShouldEqual, filepath.Join(dir, "anchors.csv"))

	relative := filepath.Join(dir, "relative.json")
	test.That(t, os.WriteFile(relative, []byte(minimalConfig), 0o600), test.ShouldBeNil)
	cfg, err = Read(relative)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Detection.LandmarkerModelPath, test.ShouldEqual, filepath.Join(dir, "models", "pose_landmark_full.tflite"))
	test.That(t, cfg.Source.ImageSequence.Dir, test.ShouldEqual, filepath.Join(dir, "frames"))
	test.That(t, cfg.Record.Path, test.ShouldBeEmpty)

	_, err = Read(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFromReaderOverrides(t *testing.T) {
	cfg, err := FromReader(strings.NewReader(`{
		"detection": {
			"detector_model_path": "d.tflite",
			"landmarker_model_path": "l.tflite",
			"anchors_path": "a.csv",
			"score_threshold": 0.5,
			"num_threads": 4,
			"landmarks_tensor": "ld_3d"
		},
		"source": {
			"type": "video",
			"video": {"path": "dance.mp4", "loop": true},
			"webcam": {"path": "/dev/video0", "width": 640, "height": 480, "frame_rate": 30},
			"random_switch": {"min_interval": "5s", "max_interval": "10s"}
		},
		"log": {"level": "debug", "loggers": [{"pattern": "posetrack.pose", "level": "warn"}]},
		"record": {"path": "events.jsonl"}
	}`))
	test.That(t, err, test.ShouldBeNil)
	pc := cfg.Detection.PipelineConfig()
	test.That(t, pc.ScoreThreshold, test.ShouldEqual, float32(0.5))
	test.That(t, pc.LandmarksTensor, test.ShouldEqual, "ld_3d")
	test.That(t, cfg.Detection.Resources().NumThreads, test.ShouldEqual, 4)

	st, err := cfg.Source.SourceType()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st, test.ShouldEqual, imagesource.VideoPlayer)
	test.That(t, cfg.Source.Video.VideoSourceConfig(), test.ShouldResemble, imagesource.VideoConfig{Path: "dance.mp4", Loop: true})
	test.That(t, cfg.Source.Webcam.WebcamSourceConfig(), test.ShouldResemble, imagesource.WebcamConfig{
		Path: "/dev/video0", Width: 640, Height: 480, FrameRate: 30,
	})
	minInterval, maxInterval := cfg.Source.RandomSwitch.Intervals()
	test.That(t, minInterval, test.ShouldEqual, 5*time.Second)
	test.That(t, maxInterval, test.ShouldEqual, 10*time.Second)
	test.That(t, cfg.Log.Loggers, test.ShouldResemble, []logging.LoggerPatternConfig{{Pattern: "posetrack.pose", Level: "warn"}})
	test.That(t, cfg.Record.Path, test.ShouldEqual, "events.jsonl")
}

func TestFromReaderErrors(t *testing.T) {
	detection := `"detection": {"detector_model_path": "d", "landmarker_model_path": "l", "anchors_path": "a"`
	sequence := `"source": {"image_sequence": {"dir": "frames"}`
	for _, tc := range []struct {
		name   string
		config string
		want   string
	}{
		{"syntax", `{"detection": `, "cannot parse config"},
		{"unknown key", `{` + detection + `, "bogus": 1}, ` + sequence + `}}`, "bogus"},
		{"missing model", `{"detection": {"landmarker_model_path": "l", "anchors_path": "a"}, ` + sequence + `}}`, "detector_model_path"},
		{"threshold", `{` + detection + `, "score_threshold": 1.5}, ` + sequence + `}}`, "score_threshold"},
		{"input size", `{` + detection + `, "detector_input_size": 0}, ` + sequence + `}}`, "detector_input_size"},
		{"wrong type", `{` + detection + `, "num_anchors": "many"}, ` + sequence + `}}`, "num_anchors"},
		{"source type", `{` + detection + `}, "source": {"type": "screen"}}`, "screen"},
		{"missing video", `{` + detection + `}, "source": {"type": "video"}}`, "video"},
		{"missing dir", `{` + detection + `}, "source": {"image_sequence": {}}}`, "dir"},
		{"bad duration", `{` + detection + `}, ` + sequence + `, "random_switch": {"min_interval": "soon"}}}`, "soon"},
		{"numeric duration", `{` + detection + `}, "source": {"image_sequence": {"dir": "f", "frame_interval": 5}}}`, "frame_interval"},
		{"interval order", `{` + detection + `}, ` + sequence + `, "random_switch": {"min_interval": "5s", "max_interval": "1s"}}}`, "max_interval"},
		{"log level", `{` + detection + `}, ` + sequence + `}, "log": {"level": "loud"}}`, "loud"},
		{"log file", `{` + detection + `}, ` + sequence + `}, "log": {"file": {"max_size_mb": 10}}}`, "path"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromReader(strings.NewReader(tc.config))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestSequenceLoop(t *testing.T) {
	loop := false
	conf := ImageSequenceConfig{Dir: "frames", Loop: &loop}
	test.That(t, conf.SequenceSourceConfig().Loop, test.ShouldBeFalse)
	test.That(t, conf.SequenceSourceConfig().FrameInterval, test.ShouldEqual, time.Duration(0))
}

func TestSchema(t *testing.T) {
	out, err := SchemaJSON()
	test.That(t, err, test.ShouldBeNil)
	for _, want := range []string{"posetrack configuration", "detector_model_path", "image_sequence", "frame_interval", "max_size_mb"} {
		test.That(t, string(out), test.ShouldContainSubstring, want)
	}
}

func TestApplyLogConfig(t *testing.T) {
	defer logging.GlobalLogLevel.SetLevel(logging.GlobalLogLevel.Level())
	logger := logging.NewBlankLogger("apply")
	InitLoggingSettings(logger, false)
	test.That(t, logging.GlobalLogLevel.Level(), test.ShouldEqual, logging.INFO.AsZap())

	path := filepath.Join(t.TempDir(), "posetrack.log")
	err := ApplyLogConfig(logger, LogConfig{Level: "warn", Debug: true, File: &LogFileConfig{Path: path, MaxSizeMB: 1}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger.GetLevel(), test.ShouldEqual, logging.WARN)
	test.That(t, logging.GlobalLogLevel.Level(), test.ShouldEqual, logging.DEBUG.AsZap())

	logger.Warn("written to the log file")
	testLogFile, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(testLogFile), test.ShouldContainSubstring, "written to the log file")

	UpdateFileConfigDebug(false)
	test.That(t, logging.GlobalLogLevel.Level(), test.ShouldEqual, logging.INFO.AsZap())

	err = ApplyLogConfig(logger, LogConfig{Loggers: []logging.LoggerPatternConfig{{Pattern: "no spaces allowed", Level: "info"}}})
	test.That(t, err, test.ShouldNotBeNil)
}
