package imagesource

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/posetrack/events"
	"go.viam.com/posetrack/logging"
)

func TestSourceTypeNames(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want SourceType
	}{
		{"webcam", WebCam},
		{"WebCam", WebCam},
		{"video", VideoPlayer},
		{"VideoPlayer", VideoPlayer},
		{"image_sequence", ImageSequence},
		{"ImageSequence", ImageSequence},
	} {
		got, err := SourceTypeFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, tc.want)
	}
	_, err := SourceTypeFromString("screen")
	test.That(t, err, test.ShouldNotBeNil)

	var st SourceType
	test.That(t, st.UnmarshalText([]byte("video")), test.ShouldBeNil)
	test.That(t, st, test.ShouldEqual, VideoPlayer)
	text, err := ImageSequence.MarshalText()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(text), test.ShouldEqual, "image_sequence")
}

func writePNG(t *testing.T, path string, width int) {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, width, 1))), test.ShouldBeNil)
	test.That(t, os.WriteFile(path, buf.Bytes(), 0o600), test.ShouldBeNil)
}

func sequenceDir(t *testing.T) string {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 2)
	writePNG(t, filepath.Join(dir, "a.png"), 1)
	writePNG(t, filepath.Join(dir, "c.png"), 3)
	test.That(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("frames"), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("nope"), 0o600), test.ShouldBeNil)
	return dir
}

func collectWidths(t *testing.T, frames <-chan image.Image, clk *clock.Mock, n int) []int {
	t.Helper()
	var widths []int
	for i := 0; i < n; i++ {
		if i > 0 {
			clk.Add(time.Second)
		}
		select {
		case img := <-frames:
			widths = append(widths, img.Bounds().Dx())
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	return widths
}

func TestImageSequence(t *testing.T) {
	dir := sequenceDir(t)
	for _, tc := range []struct {
		loop bool
		want []int
	}{
		{true, []int{1, 2, 3, 1, 2}},
		{false, []int{1, 2, 3, 3, 3}},
	} {
		clk := clock.NewMock()
		src, err := NewImageSequenceSource(SequenceConfig{Dir: dir, Loop: tc.loop}, logging.NewTestLogger(t), clk)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, src.Type(), test.ShouldEqual, ImageSequence)

		frames := make(chan image.Image, 1)
		test.That(t, src.Start(context.Background(), func(img image.Image) { frames <- img }), test.ShouldBeNil)
		test.That(t, src.Start(context.Background(), func(image.Image) {}), test.ShouldNotBeNil)
		test.That(t, collectWidths(t, frames, clk, len(tc.want)), test.ShouldResemble, tc.want)
		stopped := make(chan error)
		go func() { stopped <- src.Stop() }()
		// drain a frame published while stopping
		for done := false; !done; {
			select {
			case <-frames:
			case err := <-stopped:
				test.That(t, err, test.ShouldBeNil)
				done = true
			}
		}

		// restarting begins at the first image again
		test.That(t, src.Start(context.Background(), func(img image.Image) { frames <- img }), test.ShouldBeNil)
		test.That(t, collectWidths(t, frames, clk, 1), test.ShouldResemble, []int{1})
		test.That(t, src.Close(context.Background()), test.ShouldBeNil)
	}
}

func TestImageSequenceErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewImageSequenceSource(SequenceConfig{}, logger, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewImageSequenceSource(SequenceConfig{Dir: t.TempDir()}, logger, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no images found")
	_, err = NewImageSequenceSource(SequenceConfig{Dir: filepath.Join(t.TempDir(), "missing")}, logger, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestImageSequenceWatch(t *testing.T) {
	dir := sequenceDir(t)
	clk := clock.NewMock()
	src, err := NewImageSequenceSource(SequenceConfig{Dir: dir, Watch: true, Loop: true}, logging.NewTestLogger(t), clk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Start(context.Background(), func(image.Image) {}), test.ShouldBeNil)
	defer func() { test.That(t, src.Close(context.Background()), test.ShouldBeNil) }()

	seq := src.(*sequenceSource)
	writePNG(t, filepath.Join(dir, "d.png"), 4)
	testutils.WaitForAssertionWithSleep(t, 50*time.Millisecond, 100, func(tb testing.TB) {
		seq.mu.Lock()
		defer seq.mu.Unlock()
		test.That(tb, seq.reloads, test.ShouldBeGreaterThan, 1)
		if len(seq.paths) != 4 {
			tb.Errorf("expected 4 images after reload, have %d", len(seq.paths))
			return
		}
		test.That(tb, filepath.Base(seq.paths[3]), test.ShouldEqual, "d.png")
	})
}

func TestImageSequenceNoReloadAfterClose(t *testing.T) {
	dir := sequenceDir(t)
	src, err := NewImageSequenceSource(SequenceConfig{Dir: dir, Watch: true}, logging.NewTestLogger(t), clock.NewMock())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, src.Start(context.Background(), func(image.Image) {}), test.ShouldBeNil)

	seq := src.(*sequenceSource)
	writePNG(t, filepath.Join(dir, "d.png"), 4)
	test.That(t, src.Close(context.Background()), test.ShouldBeNil)

	// a change seen just before close must not reload once the debounce delay passes
	time.Sleep(2 * reloadDebounce)
	seq.mu.Lock()
	defer seq.mu.Unlock()
	test.That(t, seq.reloads, test.ShouldEqual, 1)
	test.That(t, len(seq.paths), test.ShouldEqual, 3)
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[
		{"codec_type":"audio"},
		{"codec_type":"video","width":640,"height":360,"avg_frame_rate":"30000/1001","r_frame_rate":"30/1"}
	]}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Width, test.ShouldEqual, 640)
	test.That(t, info.Height, test.ShouldEqual, 360)
	test.That(t, info.FrameRate, test.ShouldAlmostEqual, 29.97, 0.01)

	info, err = parseProbe([]byte(`{"streams":[{"codec_type":"video","width":2,"height":2,"avg_frame_rate":"0/0","r_frame_rate":"25/1"}]}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.FrameRate, test.ShouldEqual, 25.0)

	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"audio"}]}`))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = parseProbe([]byte(`{"streams":[{"codec_type":"video","width":0,"height":2}]}`))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = parseProbe([]byte(`not json`))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadFrames(t *testing.T) {
	info := videoInfo{Width: 2, Height: 1}
	raw := []byte{
		255, 0, 0, 0, 255, 0,
		0, 0, 255, 10, 20, 30,
		1, 2, // truncated trailing frame
	}
	var frames []image.Image
	n, err := readFrames(context.Background(), bytes.NewReader(raw), info, func(img image.Image) {
		frames = append(frames, img)
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, len(frames), test.ShouldEqual, 2)
	rgba := frames[1].(*image.RGBA)
	test.That(t, rgba.Pix, test.ShouldResemble, []uint8{0, 0, 255, 255, 10, 20, 30, 255})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err = readFrames(ctx, bytes.NewReader(raw), info, func(image.Image) {})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 0)
}

type fakeSource struct {
	mu       sync.Mutex
	typ      SourceType
	startErr error
	starts   int
	stops    int
	closes   int
	publish  func(image.Image)
}

func (f *fakeSource) Type() SourceType { return f.typ }

func (f *fakeSource) Start(ctx context.Context, publish func(image.Image)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.publish = publish
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.publish = nil
	return nil
}

func (f *fakeSource) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) emit(img image.Image) {
	f.mu.Lock()
	publish := f.publish
	f.mu.Unlock()
	if publish != nil {
		publish(img)
	}
}

func TestControllerSwitch(t *testing.T) {
	bus := events.NewBus(logging.NewTestLogger(t))
	var changes []SourceType
	var frames int
	events.Subscribe(bus, ImageSourceChanged, func(st SourceType) { changes = append(changes, st) })
	events.Subscribe(bus, ImageUpdated, func(image.Image) { frames++ })

	cam := &fakeSource{typ: WebCam}
	seq := &fakeSource{typ: ImageSequence}
	broken := &fakeSource{typ: VideoPlayer, startErr: errors.New("no ffmpeg")}
	ctrl, err := NewController(bus, logging.NewTestLogger(t), cam, seq, broken)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Register(&fakeSource{typ: WebCam}), test.ShouldNotBeNil)
	test.That(t, ctrl.Available(), test.ShouldResemble, []SourceType{WebCam, VideoPlayer, ImageSequence})
	_, ok := ctrl.Active()
	test.That(t, ok, test.ShouldBeFalse)

	ctx := context.Background()
	test.That(t, ctrl.Switch(ctx, WebCam), test.ShouldBeNil)
	cam.emit(image.NewGray(image.Rect(0, 0, 1, 1)))
	test.That(t, ctrl.Switch(ctx, ImageSequence), test.ShouldBeNil)
	cam.emit(image.NewGray(image.Rect(0, 0, 1, 1)))
	seq.emit(image.NewGray(image.Rect(0, 0, 1, 1)))

	test.That(t, changes, test.ShouldResemble, []SourceType{WebCam, ImageSequence})
	test.That(t, frames, test.ShouldEqual, 2)
	test.That(t, ctrl.Frames(), test.ShouldEqual, 2)
	test.That(t, cam.stops, test.ShouldEqual, 1)
	active, ok := ctrl.Active()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, active, test.ShouldEqual, ImageSequence)

	err = ctrl.Switch(ctx, VideoPlayer)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no ffmpeg")
	test.That(t, seq.stops, test.ShouldEqual, 1)
	_, ok = ctrl.Active()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, len(changes), test.ShouldEqual, 2)

	test.That(t, ctrl.Close(ctx), test.ShouldBeNil)
	test.That(t, cam.closes+seq.closes+broken.closes, test.ShouldEqual, 3)
}

func TestControllerRandomSwitching(t *testing.T) {
	bus := events.NewBus(logging.NewTestLogger(t))
	changes := make(chan SourceType, 16)
	events.Subscribe(bus, ImageSourceChanged, func(st SourceType) { changes <- st })
	ctrl, err := NewController(bus, logging.NewTestLogger(t), &fakeSource{typ: WebCam}, &fakeSource{typ: ImageSequence})
	test.That(t, err, test.ShouldBeNil)

	clk := clock.NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.RunRandomSwitching(ctx, clk, 3*time.Second, 4*time.Second, rand.New(rand.NewSource(1)))
	}()

	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 500, func(tb testing.TB) {
		clk.Add(4 * time.Second)
		test.That(tb, len(changes), test.ShouldBeGreaterThanOrEqualTo, 2)
	})
	cancel()
	<-done

	first := <-changes
	second := <-changes
	test.That(t, first, test.ShouldNotEqual, second)
}
