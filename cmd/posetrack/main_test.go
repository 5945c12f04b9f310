package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"

	"go.viam.com/posetrack/config"
	"go.viam.com/posetrack/imagesource"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/vision/pose"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"posetrack"}, args...))
	return out.String(), err
}

func TestSchemaCommand(t *testing.T) {
	out, err := runApp(t, "schema")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "detector_model_path")
}

func TestAnchorsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.csv")
	test.That(t, os.WriteFile(path, []byte("0.25,0.5\n0.75,0.125\n0.5,1\n"), 0o600), test.ShouldBeNil)

	out, err := runApp(t, "anchors", "--file", path, "--num", "3")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "3 anchors")
	test.That(t, out, test.ShouldContainSubstring, "0.2500")
	test.That(t, out, test.ShouldContainSubstring, "0.7500")
	test.That(t, out, test.ShouldContainSubstring, "0.1250")
	test.That(t, out, test.ShouldContainSubstring, "1.0000")

	summary, err := summarizeAnchors(mustLoadAnchors(t, path, 3))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.x.mean, test.ShouldAlmostEqual, 0.5)
	test.That(t, summary.y.min, test.ShouldAlmostEqual, 0.125)
	test.That(t, summary.String(), test.ShouldContainSubstring, "MEAN")

	_, err = runApp(t, "anchors", "--file", path)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected 2254 anchors")
}

func TestRunRequiresConfig(t *testing.T) {
	_, err := runApp(t, "run")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = runApp(t, "run", "--config", filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunMissingModels(t *testing.T) {
	dir := t.TempDir()
	anchors := filepath.Join(dir, "anchors.csv")
	test.That(t, os.WriteFile(anchors, []byte(strings.Repeat("0.5,0.5\n", 2254)), 0o600), test.ShouldBeNil)
	cfg, err := config.FromReader(strings.NewReader(`{
		"detection": {
			"detector_model_path": "` + filepath.Join(dir, "missing.tflite") + `",
			"landmarker_model_path": "` + filepath.Join(dir, "missing.tflite") + `",
			"anchors_path": "` + anchors + `"
		},
		"source": {"image_sequence": {"dir": "` + dir + `"}}
	}`))
	test.That(t, err, test.ShouldBeNil)

	err = run(context.Background(), cfg, logging.NewTestLogger(t), clock.NewMock())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "missing.tflite")
}

func TestBuildSources(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "0001.png"), buf.Bytes(), 0o600), test.ShouldBeNil)
	logger := logging.NewTestLogger(t)

	conf := config.SourceConfig{
		ImageSequence: &config.ImageSequenceConfig{Dir: dir},
		Video:         &config.VideoConfig{Path: filepath.Join(dir, "missing.mp4")},
	}
	sources, err := buildSources(conf, imagesource.ImageSequence, logger, clock.NewMock())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(sources), test.ShouldEqual, 1)
	test.That(t, sources[0].Type(), test.ShouldEqual, imagesource.ImageSequence)
	test.That(t, closeSources(sources), test.ShouldBeNil)

	_, err = buildSources(conf, imagesource.VideoPlayer, logger, clock.NewMock())
	test.That(t, err, test.ShouldNotBeNil)
}

func mustLoadAnchors(t *testing.T, path string, n int) *pose.AnchorTable {
	t.Helper()
	table, err := pose.LoadAnchorsFile(path, n)
	test.That(t, err, test.ShouldBeNil)
	return table
}
