package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/posetrack/config"
	"go.viam.com/posetrack/events"
	"go.viam.com/posetrack/imagesource"
	"go.viam.com/posetrack/logging"
	"go.viam.com/posetrack/vision/pose"
)

const statsInterval = 10 * time.Second

// RunAction loads the configured models and source and runs detection until interrupted.
func RunAction(c *cli.Context) error {
	logger := logging.NewLogger("posetrack")
	config.InitLoggingSettings(logger, c.Bool(flagDebug))

	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	if err := config.ApplyLogConfig(logger, cfg.Log); err != nil {
		return err
	}
	if path := c.String(flagRecord); path != "" {
		cfg.Record.Path = path
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, logger, clock.New())
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, clk clock.Clock) (err error) {
	eventLogger := logger.Sublogger("events")
	bus := events.NewBus(eventLogger)
	debugSub := bus.SubscribeAll(func(ev events.Event) {
		eventLogger.Debugw("event", "name", ev.Name)
	})
	defer bus.Unsubscribe(debugSub)

	counter := events.NewCounter(bus)
	defer counter.Close()

	if cfg.Record.Path != "" {
		//nolint:gosec
		f, err := os.Create(cfg.Record.Path)
		if err != nil {
			return errors.Wrap(err, "create event recording")
		}
		rec := events.NewRecorder(bus, f)
		defer func() {
			logger.Infow("event recording closed", "path", cfg.Record.Path, "events", rec.Count())
			err = multierr.Combine(err, rec.Close())
		}()
	}

	poseLogger := logger.Sublogger("pose")
	pipeline, err := pose.Load(cfg.Detection.Resources(), bus, cfg.Detection.PipelineConfig(), poseLogger)
	if err != nil {
		return err
	}
	svc, err := pose.NewService(bus, pipeline, poseLogger, clk)
	if err != nil {
		return multierr.Combine(err, pipeline.Close(ctx))
	}
	defer func() {
		err = multierr.Combine(err, svc.Close(context.Background()))
	}()

	initial, err := cfg.Source.SourceType()
	if err != nil {
		return err
	}
	sourceLogger := logger.Sublogger("source")
	sources, err := buildSources(cfg.Source, initial, sourceLogger, clk)
	if err != nil {
		return err
	}
	ctrl, err := imagesource.NewController(bus, sourceLogger, sources...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Close(context.Background()))
	}()

	svc.Start()
	if err := ctrl.Switch(ctx, initial); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if rs := cfg.Source.RandomSwitch; rs != nil {
		minInterval, maxInterval := rs.Intervals()
		g.Go(func() error {
			ctrl.RunRandomSwitching(gctx, clk, minInterval, maxInterval, nil)
			return nil
		})
	}
	g.Go(func() error {
		reportStats(gctx, clk, svc, counter, logger)
		return nil
	})
	if len(debugSignals) > 0 {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, debugSignals...)
		defer signal.Stop(sigs)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-sigs:
					logger.Info("debug logging enabled for the next detection cycle")
					svc.DebugNextCycle()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func reportStats(ctx context.Context, clk clock.Clock, svc *pose.Service, counter *events.Counter, logger logging.Logger) {
	ticker := clk.Ticker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := svc.Stats()
		logger.Infow("detection stats",
			"cycles", st.Cycles,
			"detected", st.Detected,
			"no_detection", st.NoDetection,
			"failed", st.Failed,
			"dropped_frames", st.DroppedFrames,
			"mean_latency", st.MeanLatency,
			"p95_latency", st.P95Latency,
			"skeletons", counter.Count(pose.Skeleton.Name()),
		)
	}
}

// buildSources creates a source for every configured section. A source other than initial that
// cannot be created is logged and left out.
func buildSources(
	conf config.SourceConfig,
	initial imagesource.SourceType,
	logger logging.Logger,
	clk clock.Clock,
) ([]imagesource.Source, error) {
	type builder struct {
		typ   imagesource.SourceType
		build func() (imagesource.Source, error)
	}
	var builders []builder
	if conf.Webcam != nil {
		builders = append(builders, builder{imagesource.WebCam, func() (imagesource.Source, error) {
			return imagesource.NewWebcamSource(conf.Webcam.WebcamSourceConfig(), logger)
		}})
	}
	if conf.Video != nil {
		builders = append(builders, builder{imagesource.VideoPlayer, func() (imagesource.Source, error) {
			return imagesource.NewVideoSource(conf.Video.VideoSourceConfig(), logger)
		}})
	}
	if conf.ImageSequence != nil {
		builders = append(builders, builder{imagesource.ImageSequence, func() (imagesource.Source, error) {
			return imagesource.NewImageSequenceSource(conf.ImageSequence.SequenceSourceConfig(), logger, clk)
		}})
	}

	var sources []imagesource.Source
	for _, b := range builders {
		src, err := b.build()
		if err != nil {
			if b.typ == initial {
				return nil, multierr.Combine(
					errors.Wrapf(err, "create %s source", b.typ),
					closeSources(sources),
				)
			}
			logger.Warnw("image source unavailable", "source", b.typ.String(), "error", err)
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func closeSources(sources []imagesource.Source) error {
	var err error
	for _, src := range sources {
		err = multierr.Combine(err, src.Close(context.Background()))
	}
	return err
}
