package imagesource

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/posetrack/events"
	"go.viam.com/posetrack/logging"
)

// Controller owns the registered sources and keeps at most one of them running.
type Controller struct {
	bus    *events.Bus
	logger logging.Logger

	mu      sync.Mutex
	sources map[SourceType]Source
	active  Source
	frames  atomic.Int64
}

// NewController returns a controller for the given sources, none of them started.
func NewController(bus *events.Bus, logger logging.Logger, sources ...Source) (*Controller, error) {
	c := &Controller{bus: bus, logger: logger, sources: map[SourceType]Source{}}
	for _, src := range sources {
		if err := c.Register(src); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a source. Each type may be registered once.
func (c *Controller) Register(src Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[src.Type()]; ok {
		return errors.Errorf("%s source already registered", src.Type())
	}
	c.sources[src.Type()] = src
	return nil
}

// Available returns the registered source types in declaration order.
func (c *Controller) Available() []SourceType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SourceType
	for _, t := range SourceTypes {
		if _, ok := c.sources[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Active returns the running source type.
func (c *Controller) Active() (SourceType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return 0, false
	}
	return c.active.Type(), true
}

// Frames returns how many frames have been forwarded.
func (c *Controller) Frames() int64 {
	return c.frames.Load()
}

func (c *Controller) publishFrame(img image.Image) {
	c.frames.Inc()
	events.Publish(c.bus, ImageUpdated, img)
}

// Switch stops the running source, starts the source of type t and publishes ImageSourceChanged.
// If the new source fails to start no source is left running.
func (c *Controller) Switch(ctx context.Context, t SourceType) error {
	c.mu.Lock()
	src, ok := c.sources[t]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("no %s source registered", t)
	}
	var err error
	if c.active != nil {
		err = c.active.Stop()
		c.active = nil
	}
	if startErr := src.Start(ctx, c.publishFrame); startErr != nil {
		c.mu.Unlock()
		return multierr.Combine(err, errors.Wrapf(startErr, "start %s source", t))
	}
	c.active = src
	c.mu.Unlock()

	if err != nil {
		c.logger.Warnw("previous image source did not stop cleanly", "error", err)
	}
	c.logger.Infow("image source changed", "source", t.String())
	events.Publish(c.bus, ImageSourceChanged, t)
	return nil
}

// RunRandomSwitching switches to a randomly chosen registered source every minInterval to
// maxInterval until ctx is done. Switch failures are logged and the next pick is tried later.
func (c *Controller) RunRandomSwitching(ctx context.Context, clk clock.Clock, minInterval, maxInterval time.Duration, rng *rand.Rand) {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		//nolint:gosec
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	for {
		wait := minInterval
		if maxInterval > minInterval {
			wait += time.Duration(rng.Int63n(int64(maxInterval - minInterval)))
		}
		timer := clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		available := c.Available()
		if len(available) == 0 {
			continue
		}
		next := available[rng.Intn(len(available))]
		if current, ok := c.Active(); ok && current == next {
			continue
		}
		if err := c.Switch(ctx, next); err != nil {
			c.logger.Warnw("random image source switch failed", "source", next.String(), "error", err)
		}
	}
}

// Close stops the running source and closes every registered source.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	c.active = nil
	for _, t := range SourceTypes {
		if src, ok := c.sources[t]; ok {
			err = multierr.Combine(err, src.Close(ctx))
		}
	}
	return err
}
