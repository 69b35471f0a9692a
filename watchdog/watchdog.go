// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watchdog

import (
	"os"
	"strconv"
	"time"

	"github.com/linuxdeepin/go-lib/log"

	"github.com/linuxdeepin/dde-output-mux/output"
)

const (
	envMaxStreak = "DDE_OUTPUT_MUX_WATCHDOG_MAX_STREAK"

	SweepTaskName   = "registry-sweep"
	OutputsTaskName = "outputs"
)

var logger = log.NewLogger("dde-output-mux/watchdog")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

type Options struct {
	// Interval defaults to 10s.
	Interval time.Duration
	Registry *output.Registry
	// Rescan asks discovery to bind free CRTCs again. It is called on the
	// watchdog goroutine and must hand the work over to the reactor.
	Rescan func()
}

// Watchdog periodically prunes dead outputs from the registry and rescans
// when no output is alive.
type Watchdog struct {
	m *Manager
}

// if times == 0, unlimit
func maxStreak() int {
	times := 10
	if s := os.Getenv(envMaxStreak); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			times = int(v)
		}
	}
	return times
}

func newWatchdog(opts Options) *Watchdog {
	m := newManager(opts.Interval, maxStreak())
	logger.Debug("[WATCHDOG] max repair streak:", m.maxStreak)
	if opts.Registry != nil {
		m.AddTask(newSweepTask(opts.Registry))
		if opts.Rescan != nil {
			m.AddTask(newOutputsTask(opts.Registry, opts.Rescan))
		}
	}
	return &Watchdog{m: m}
}

func Start(opts Options) *Watchdog {
	w := newWatchdog(opts)
	go w.m.StartLoop()
	return w
}

func (w *Watchdog) Stop() {
	w.m.QuitLoop()
}

func (w *Watchdog) EnableTask(name string, enabled bool) bool {
	return w.m.EnableTask(name, enabled)
}

func newSweepTask(r *output.Registry) *task {
	return newTask(SweepTaskName,
		func() bool { return r.Dead() == 0 },
		func() error {
			n := r.Sweep()
			logger.Infof("swept %d dead outputs", n)
			return nil
		})
}

func newOutputsTask(r *output.Registry, rescan func()) *task {
	return newTask(OutputsTaskName,
		func() bool {
			alive := 0
			r.Each(func(output.Handle, *output.Output) { alive++ })
			return alive > 0
		},
		func() error {
			logger.Info("no live output, rescanning")
			rescan()
			return nil
		})
}
