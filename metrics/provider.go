// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package metrics

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/xerrors"
)

const serviceName = "dde-output-mux"

const exportInterval = 15 * time.Second

// Version is reported as service.version.
var Version = "dev"

// Telemetry owns the meter provider installed by Setup.
type Telemetry struct {
	mp      *sdkmetric.MeterProvider
	Metrics *Metrics
}

// exporterOptions turns an OTLP base URL such as http://host:4318/otel into
// exporter options.
func exporterOptions(endpoint string) ([]otlpmetrichttp.Option, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, xerrors.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, xerrors.Errorf("invalid endpoint %q: no host", endpoint)
	}
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(u.Host),
		otlpmetrichttp.WithURLPath(strings.TrimRight(u.Path, "/") + "/v1/metrics"),
	}
	if u.Scheme == "http" {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts, nil
}

// Setup exports to endpoint every 15s. With an empty endpoint nothing is
// installed and the instruments are no-ops.
func Setup(ctx context.Context, endpoint string) (*Telemetry, error) {
	t := &Telemetry{}
	if endpoint != "" {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(Version),
			),
			resource.WithHost(),
		)
		if err != nil {
			return nil, xerrors.Errorf("otel resource: %w", err)
		}
		opts, err := exporterOptions(endpoint)
		if err != nil {
			return nil, err
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, xerrors.Errorf("otel metric exporter: %w", err)
		}
		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
				sdkmetric.WithInterval(exportInterval))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(t.mp)
	}

	m, err := New(nil)
	if err != nil {
		return nil, xerrors.Errorf("otel metrics: %w", err)
	}
	t.Metrics = m
	return t, nil
}

// Shutdown flushes pending data points.
func (t *Telemetry) Shutdown(ctx context.Context) {
	if t.mp == nil {
		return
	}
	err := t.mp.Shutdown(ctx)
	if err != nil {
		logger.Warning("otel shutdown:", err)
	}
}
