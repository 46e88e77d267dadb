// Package agent wires configuration into a running pipeline: streams,
// coordinator, sinks, and the health server.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metrixhq/metrix/internal/aggregate"
	"github.com/metrixhq/metrix/internal/coordinator"
	"github.com/metrixhq/metrix/internal/export"
	"github.com/metrixhq/metrix/internal/sink"
	"github.com/metrixhq/metrix/internal/stream"
)

// Agent is the top-level orchestrator for metrix.
type Agent interface {
	// Start initializes all components and begins the pipeline.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully, flushing open windows.
	Stop() error
	// Coordinator returns the coordinator for sending measurements.
	Coordinator() *coordinator.Coordinator
}

type agent struct {
	log    logrus.FieldLogger
	cfg    *Config
	health *export.HealthMetrics
	coord  *coordinator.Coordinator
	sinks  []sink.Sink

	cancel context.CancelFunc
}

// New creates an Agent from configuration. Custom aggregators may be
// registered on reg before calling New; passing nil uses the builtins.
func New(log logrus.FieldLogger, cfg *Config, reg *aggregate.Registry) (Agent, error) {
	if reg == nil {
		reg = aggregate.NewRegistry()
	}

	health := export.NewHealthMetrics(log, cfg.Health)
	coord := coordinator.New(log, health, cfg.TickInterval)

	a := &agent{
		log:    log.WithField("component", "agent"),
		cfg:    cfg,
		health: health,
		coord:  coord,
		sinks:  make([]sink.Sink, 0, 3),
	}

	for i := range cfg.Streams {
		s, err := stream.New(log, cfg.Streams[i], reg)
		if err != nil {
			return nil, fmt.Errorf("creating stream %q: %w", cfg.Streams[i].Name, err)
		}

		if err := coord.RegisterStream(s); err != nil {
			return nil, err
		}
	}

	if err := a.buildSinks(log); err != nil {
		return nil, err
	}

	return a, nil
}

// buildSinks constructs the enabled sinks and subscribes them to the
// coordinator with their configured rate limits.
func (a *agent) buildSinks(log logrus.FieldLogger) error {
	cfg := a.cfg

	if cfg.Sinks.Logger.Enabled {
		s, err := sink.NewLoggerSink(log, cfg.Sinks.Logger)
		if err != nil {
			return fmt.Errorf("creating logger sink: %w", err)
		}

		if err := a.subscribe(s, cfg.Sinks.Logger.RateLimit); err != nil {
			return err
		}
	}

	if cfg.Sinks.ClickHouse.Enabled {
		chCfg := cfg.Sinks.ClickHouse
		if chCfg.MetaInstanceName == "" {
			chCfg.MetaInstanceName = cfg.InstanceName()
		}

		s := sink.NewClickHouseSink(log, chCfg, a.health)

		if err := a.subscribe(s, chCfg.RateLimit); err != nil {
			return err
		}
	}

	if cfg.Sinks.HTTP.Enabled {
		s, err := sink.NewHTTPSink(log, cfg.Sinks.HTTP, cfg.InstanceName())
		if err != nil {
			return fmt.Errorf("creating HTTP sink: %w", err)
		}

		if err := a.subscribe(s, cfg.Sinks.HTTP.RateLimit); err != nil {
			return err
		}
	}

	return nil
}

func (a *agent) subscribe(s sink.Sink, rateLimit time.Duration) error {
	if err := a.coord.RegisterSink(s, rateLimit, 0); err != nil {
		return fmt.Errorf("registering sink %s: %w", s.Name(), err)
	}

	a.sinks = append(a.sinks, s)

	return nil
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// Sinks start concurrently; the ClickHouse sink in particular blocks
	// on its connection ping.
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range a.sinks {
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return fmt.Errorf("starting sink %s: %w", s.Name(), err)
			}

			a.log.WithField("sink", s.Name()).Info("Sink started")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"streams": len(a.cfg.Streams),
		"sinks":   len(a.sinks),
	}).Info("Agent fully started")

	return nil
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	// Stop in reverse order. Coordinator stop flushes every open window
	// and drains the rate limiters before the sinks go away.
	if err := a.coord.Stop(); err != nil {
		a.log.WithError(err).Error("Error stopping coordinator")
	}

	for _, s := range a.sinks {
		if err := s.Stop(); err != nil {
			a.log.WithError(err).WithField("sink", s.Name()).
				Error("Error stopping sink")
		}
	}

	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			a.log.WithError(err).Error("Error stopping health server")
		}
	}

	a.log.Info("Agent stopped")

	return nil
}

func (a *agent) Coordinator() *coordinator.Coordinator {
	return a.coord
}
