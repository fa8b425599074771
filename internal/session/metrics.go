package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/voxedit/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	generations metric.Int64Counter
	skipped     metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64ObservableGauge
	reg         metric.Registration
}

func (c *Controller) initMetrics(mp metric.MeterProvider) error {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("github.com/loqalabs/voxedit/session")

	var err error
	c.metrics.generations, err = meter.Int64Counter("voxedit.generations",
		metric.WithDescription("Synthesis rounds by fresh/replay and outcome"))
	if err != nil {
		return err
	}
	c.metrics.skipped, err = meter.Int64Counter("voxedit.generations.skipped",
		metric.WithDescription("Generate triggers ignored because a round was in flight"))
	if err != nil {
		return err
	}
	c.metrics.duration, err = meter.Float64Histogram("voxedit.generation.duration",
		metric.WithDescription("Synthesis round trip time"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	c.metrics.inFlight, err = meter.Int64ObservableGauge("voxedit.generation.in_flight",
		metric.WithDescription("1 while a synthesis round is outstanding"))
	if err != nil {
		return err
	}
	c.metrics.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if c.InFlight() {
			v = 1
		}
		o.ObserveInt64(c.metrics.inFlight, v)
		return nil
	}, c.metrics.inFlight)
	return err
}

func (c *Controller) closeMetrics() {
	if c.metrics.reg == nil {
		return
	}
	if err := c.metrics.reg.Unregister(); err != nil {
		c.log.Warn("failed to unregister metrics callback", slog.String("error", err.Error()))
	}
	c.metrics.reg = nil
}

func (c *Controller) recordGeneration(ctx context.Context, fresh bool, started time.Time, err error) {
	if c.metrics.generations == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("fresh", fresh),
		attribute.String("outcome", outcome(err)),
	)
	c.metrics.generations.Add(ctx, 1, attrs)
	c.metrics.duration.Record(ctx, time.Since(started).Seconds(), attrs)
}

func (c *Controller) recordSkipped(ctx context.Context) {
	if c.metrics.skipped == nil {
		return
	}
	c.metrics.skipped.Add(ctx, 1)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, synth.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, synth.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, synth.ErrStatus):
		return "status"
	default:
		return "error"
	}
}
