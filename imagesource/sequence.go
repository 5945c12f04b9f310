package imagesource

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/rimage"
	"go.viam.com/posetrack/utils"
)

const (
	// DefaultFrameInterval is how long each image of a sequence is shown.
	DefaultFrameInterval = time.Second
	reloadDebounce       = 250 * time.Millisecond
)

// SequenceConfig configures an image sequence source.
type SequenceConfig struct {
	Dir           string
	FrameInterval time.Duration
	// Watch reloads the sequence when files in Dir change.
	Watch bool
	// Loop restarts from the first image after the last; otherwise the last image stays current.
	Loop bool
}

type sequenceSource struct {
	conf   SequenceConfig
	logger logging.Logger
	clock  clock.Clock

	mu      sync.Mutex
	frames  []image.Image
	paths   []string
	index   int
	workers utils.StoppableWorkers
	watcher *fsnotify.Watcher
	reloads int
}

// NewImageSequenceSource loads every image in conf.Dir, ordered by file name. It fails if the
// directory holds no decodable image.
func NewImageSequenceSource(conf SequenceConfig, logger logging.Logger, clk clock.Clock) (Source, error) {
	if conf.Dir == "" {
		return nil, errors.New("image sequence needs a directory")
	}
	if conf.FrameInterval <= 0 {
		conf.FrameInterval = DefaultFrameInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &sequenceSource{conf: conf, logger: logger, clock: clk}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sequenceSource) Type() SourceType {
	return ImageSequence
}

// loadSequence decodes the images of dir in name order, skipping files that fail to decode.
func loadSequence(dir string, logger logging.Logger) ([]string, []image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read image sequence directory %s", dir)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !rimage.IsImageFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	loaded := make([]string, 0, len(paths))
	frames := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := rimage.ReadImageFromFile(path)
		if err != nil {
			logger.Warnw("skipping unreadable image", "path", path, "error", err)
			continue
		}
		loaded = append(loaded, path)
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, nil, errors.Errorf("no images found in %s", dir)
	}
	return loaded, frames, nil
}

func (s *sequenceSource) reload() error {
	paths, frames, err := loadSequence(s.conf.Dir, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = paths
	s.frames = frames
	if s.index >= len(frames) {
		s.index = 0
	}
	s.reloads++
	s.logger.Debugw("loaded image sequence", "dir", s.conf.Dir, "images", len(frames))
	return nil
}

// next returns the frame to show and advances the index.
func (s *sequenceSource) next() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.frames[s.index]
	switch {
	case s.index+1 < len(s.frames):
		s.index++
	case s.conf.Loop:
		s.index = 0
	}
	return frame
}

func (s *sequenceSource) Start(ctx context.Context, publish func(image.Image)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil {
		return errors.New("image sequence already started")
	}
	if s.conf.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(err, "watch image sequence directory")
		}
		if err := watcher.Add(s.conf.Dir); err != nil {
			goutils.UncheckedError(watcher.Close())
			return errors.Wrapf(err, "watch %s", s.conf.Dir)
		}
		s.watcher = watcher
	}
	s.index = 0

	s.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		ticker := s.clock.Ticker(s.conf.FrameInterval)
		defer ticker.Stop()
		for {
			publish(s.next())
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	if s.watcher != nil {
		watcher := s.watcher
		s.workers.AddWorkers(func(ctx context.Context) {
			s.watch(ctx, watcher)
		})
	}
	return nil
}

func (s *sequenceSource) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	debounced := debounce.New(reloadDebounce)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !rimage.IsImageFile(ev.Name) {
				continue
			}
			debounced(func() {
				// the debounce timer can fire after Stop
				if ctx.Err() != nil {
					return
				}
				if err := s.reload(); err != nil {
					s.logger.Warnw("failed to reload image sequence", "dir", s.conf.Dir, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warnw("image sequence watcher error", "error", err)
		}
	}
}

func (s *sequenceSource) Stop() error {
	s.mu.Lock()
	workers, watcher := s.workers, s.watcher
	s.workers, s.watcher = nil, nil
	s.mu.Unlock()

	if workers != nil {
		workers.Stop()
	}
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func (s *sequenceSource) Close(ctx context.Context) error {
	return s.Stop()
}
