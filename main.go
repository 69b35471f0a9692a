// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/sys/unix"

	"github.com/linuxdeepin/dde-output-mux/client"
	"github.com/linuxdeepin/dde-output-mux/config"
	"github.com/linuxdeepin/dde-output-mux/dbusapi"
	"github.com/linuxdeepin/dde-output-mux/desktop"
	"github.com/linuxdeepin/dde-output-mux/discovery"
	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/input"
	"github.com/linuxdeepin/dde-output-mux/kms"
	"github.com/linuxdeepin/dde-output-mux/loop"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
	"github.com/linuxdeepin/dde-output-mux/session"
	"github.com/linuxdeepin/dde-output-mux/udev"
	"github.com/linuxdeepin/dde-output-mux/video_card"
	"github.com/linuxdeepin/dde-output-mux/watchdog"
)

var logger = log.NewLogger("dde-output-mux")

var (
	debug      = flag.Bool("d", false, "debug")
	configFile = flag.String("config", config.DefaultPath(), "config file")
	backend    = flag.String("backend", "", "drm or x11, overrides the config file")
	otlp       = flag.String("otlp", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/HTTP metrics endpoint")
)

const shutdownTimeout = 3 * time.Second

func setLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
	client.SetLogLevel(level)
	config.SetLogLevel(level)
	dbusapi.SetLogLevel(level)
	desktop.SetLogLevel(level)
	discovery.SetLogLevel(level)
	drm.SetLogLevel(level)
	egl.SetLogLevel(level)
	input.SetLogLevel(level)
	kms.SetLogLevel(level)
	loop.SetLogLevel(level)
	metrics.SetLogLevel(level)
	output.SetLogLevel(level)
	session.SetLogLevel(level)
	udev.SetLogLevel(level)
	video_card.SetLogLevel(level)
	watchdog.SetLogLevel(level)
}

func main() {
	flag.Parse()
	if *debug {
		setLogLevel(log.LevelDebug)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Warning(err)
		cfg = config.Default()
	}
	if *backend != "" {
		cfg.General.Backend = *backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	telemetry, err := metrics.Setup(ctx, *otlp)
	if err != nil {
		logger.Warning(err)
		telemetry, err = metrics.Setup(ctx, "")
		if err != nil {
			logger.Fatal(err)
		}
	}

	d, err := newDaemon(cfg, *configFile, telemetry.Metrics)
	if err != nil {
		logger.Fatal(err)
	}
	err = d.start()
	if err != nil {
		d.shutdown()
		logger.Fatal(err)
	}

	err = d.run(ctx)
	if err != nil && err != context.Canceled {
		logger.Warning(err)
	}
	d.shutdown()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	telemetry.Shutdown(sctx)
	cancel()
	logger.Info("bye")
}
