// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics holds the OpenTelemetry instruments of the daemon. Without
// an installed MeterProvider every instrument is a no-op.
package metrics

import (
	"context"

	"github.com/linuxdeepin/go-lib/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var logger = log.NewLogger("dde-output-mux/metrics")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const meterName = "dde-output-mux"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	FramesPresented    metric.Int64Counter
	PresentFailures    metric.Int64Counter
	SurfaceRecreations metric.Int64Counter
	ContextLost        metric.Int64Counter
	Vblanks            metric.Int64Counter
	OutputsStarted     metric.Int64Counter
	OutputsExited      metric.Int64Counter
}

// New creates the instruments on provider, or on the global provider when
// provider is nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.FramesPresented, err = meter.Int64Counter("output.frames.presented",
		metric.WithDescription("Frames successfully submitted to an output"),
		metric.WithUnit("{frame}"))
	if err != nil {
		return nil, err
	}

	m.PresentFailures, err = meter.Int64Counter("output.present.failures",
		metric.WithDescription("Present calls that returned an error"))
	if err != nil {
		return nil, err
	}

	m.SurfaceRecreations, err = meter.Int64Counter("output.surface.recreations",
		metric.WithDescription("Render surfaces rebuilt after the native window asked for it"))
	if err != nil {
		return nil, err
	}

	m.ContextLost, err = meter.Int64Counter("output.context.lost",
		metric.WithDescription("Context loss reported by the driver"))
	if err != nil {
		return nil, err
	}

	m.Vblanks, err = meter.Int64Counter("output.vblank",
		metric.WithDescription("Page flip completion events received"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	m.OutputsStarted, err = meter.Int64Counter("output.started",
		metric.WithDescription("Outputs whose render thread completed startup"))
	if err != nil {
		return nil, err
	}

	m.OutputsExited, err = meter.Int64Counter("output.exited",
		metric.WithDescription("Outputs whose render thread ended, partitioned by clean exit"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func outputAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("output.name", name))
}

func (m *Metrics) RecordPresent(output string, err error, contextLost bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	if err == nil {
		m.FramesPresented.Add(ctx, 1, outputAttr(output))
		return
	}
	m.PresentFailures.Add(ctx, 1, outputAttr(output))
	if contextLost {
		m.ContextLost.Add(ctx, 1, outputAttr(output))
	}
}

func (m *Metrics) RecordRecreation(output string) {
	if m == nil {
		return
	}
	m.SurfaceRecreations.Add(context.Background(), 1, outputAttr(output))
}

func (m *Metrics) RecordVblank(output string) {
	if m == nil {
		return
	}
	m.Vblanks.Add(context.Background(), 1, outputAttr(output))
}

func (m *Metrics) RecordStarted(output string) {
	if m == nil {
		return
	}
	m.OutputsStarted.Add(context.Background(), 1, outputAttr(output))
}

func (m *Metrics) RecordExited(output string, clean bool) {
	if m == nil {
		return
	}
	m.OutputsExited.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("output.name", output),
		attribute.Bool("output.clean", clean),
	))
}
