// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package client has the built-in render client. It keeps every output
// presenting at a fixed rate until a real renderer takes over.
package client

import (
	"runtime"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/log"

	"github.com/linuxdeepin/dde-output-mux/input"
	"github.com/linuxdeepin/dde-output-mux/output"
)

var logger = log.NewLogger("dde-output-mux/client")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const DefaultFrameInterval = 16 * time.Millisecond

type Stats struct {
	Frames   int
	Failures int
	Keys     int
	Metrics  output.WindowMetrics
	// ResourceReady is set once the upload context was made current.
	ResourceReady bool
}

// Idle presents a frame every interval.
type Idle struct {
	host     output.Host
	interval time.Duration
	now      func() time.Time
	next     time.Time

	mu    sync.Mutex
	stats Stats
	done  bool
}

var (
	_ output.Client = (*Idle)(nil)
	_ input.KeySink = (*Idle)(nil)
)

func NewIdle(host output.Host, interval time.Duration) *Idle {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Idle{
		host:     host,
		interval: interval,
		now:      time.Now,
	}
}

// Factory builds an Idle client per output.
func Factory(interval time.Duration) output.ClientFactory {
	return func(host output.Host) (output.Client, error) {
		return NewIdle(host, interval), nil
	}
}

func (c *Idle) Run() error {
	c.next = c.now()
	c.host.RunInBackground(c.warmUp)
	return nil
}

// warmUp binds the resource context once on an upload thread.
func (c *Idle) warmUp() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if !c.host.MakeResourceCurrent() {
		logger.Warning("resource context unavailable")
		return
	}
	c.host.ClearCurrent()
	c.mu.Lock()
	c.stats.ResourceReady = true
	c.mu.Unlock()
	c.host.WakeHostThread()
}

func (c *Idle) SendWindowMetrics(m output.WindowMetrics) error {
	logger.Debugf("window metrics %dx%d ratio %.2f", m.Width, m.Height, m.PixelRatio)
	c.mu.Lock()
	c.stats.Metrics = m
	c.mu.Unlock()
	return nil
}

func (c *Idle) ExecutePlatformTasks() time.Duration {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done {
		return -1
	}

	now := c.now()
	if now.Before(c.next) {
		return c.next.Sub(now)
	}
	c.frame()
	c.next = now.Add(c.interval)
	return c.interval
}

func (c *Idle) frame() {
	ok := c.host.MakeCurrent() && c.host.Present()
	c.host.ClearCurrent()

	c.mu.Lock()
	if ok {
		c.stats.Frames++
	} else {
		c.stats.Failures++
	}
	c.mu.Unlock()
}

func (c *Idle) KeyEvent(ev input.KeyEvent) {
	logger.Debug("client got", ev)
	c.mu.Lock()
	c.stats.Keys++
	c.mu.Unlock()
}

func (c *Idle) Shutdown() {
	c.mu.Lock()
	c.done = true
	frames := c.stats.Frames
	c.mu.Unlock()
	logger.Debugf("client shut down after %d frames", frames)
}

func (c *Idle) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
