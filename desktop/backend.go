// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package desktop shows an output in a window on an X11 desktop.
package desktop

import (
	"sync"

	x "github.com/linuxdeepin/go-x11-client"
	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
)

var logger = log.NewLogger("dde-output-mux/desktop")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

type Config struct {
	Width  int
	Height int
	Title  string

	Driver       egl.Driver
	Requirements egl.PixelFormatRequirements
	Metrics      *metrics.Metrics

	// OnKey gets evdev key codes. It runs on the event goroutine.
	OnKey    func(code uint32, pressed bool)
	OnResize func(w, h uint32)
	// OnClose runs once when the window is closed.
	OnClose func()
}

// Backend owns the X connection, the window and the EGL display.
type Backend struct {
	conn    *x.Conn
	window  *Window
	display *egl.Display
	group   *egl.ShareGroup

	mu      sync.Mutex
	inUse   bool
	closed  bool
	quit    chan struct{}
	done    chan struct{}
	events  chan x.GenericEvent
	metrics *metrics.Metrics
}

// Open connects to $DISPLAY and maps the window. EGL picks its X11
// platform from the environment, so the default display is used.
func Open(cfg Config) (*Backend, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, xerrors.Errorf("invalid window size %dx%d", cfg.Width, cfg.Height)
	}
	conn, err := x.NewConn()
	if err != nil {
		return nil, xerrors.Errorf("connect X: %w", err)
	}

	win, err := createWindow(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	display, err := egl.OpenDisplay(cfg.Driver, 0)
	if err != nil {
		x.DestroyWindow(conn, win.xid)
		conn.Close()
		return nil, err
	}

	b := &Backend{
		conn:    conn,
		window:  win,
		display: display,
		group:   egl.NewShareGroup(cfg.Driver, cfg.Requirements),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		events:  conn.MakeAndAddEventChan(50),
		metrics: cfg.Metrics,
	}
	go b.listen()
	return b, nil
}

func (b *Backend) listen() {
	defer close(b.done)
	for {
		select {
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			b.window.handleEvent(ev)
		case <-b.quit:
			return
		}
	}
}

func (b *Backend) Window() *Window {
	return b.window
}

// WindowTarget is the target built by Backend.TargetFactory.
type WindowTarget struct {
	*output.SurfaceTarget
	window *Window
}

func (t *WindowTarget) Window() *Window {
	return t.window
}

// TargetFactory renders name into the window. Only one output may use the
// window at a time.
func (b *Backend) TargetFactory(name string) output.TargetFactory {
	return func() (output.Target, error) {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, xerrors.Errorf("%s: desktop backend closed", name)
		}
		if b.inUse {
			b.mu.Unlock()
			return nil, xerrors.Errorf("%s: window already in use", name)
		}
		b.inUse = true
		b.mu.Unlock()

		release := func() {
			b.mu.Lock()
			b.inUse = false
			b.mu.Unlock()
		}
		st, err := output.NewSurfaceTarget(output.SurfaceTargetConfig{
			Name:    name,
			Group:   b.group,
			Display: b.display.Handle(),
			Native:  b.window,
			Size:    b.window.Size,
			Metrics: b.metrics,
			Cleanup: release,
		})
		if err != nil {
			release()
			return nil, err
		}
		return &WindowTarget{SurfaceTarget: st, window: b.window}, nil
	}
}

// Close must be called after every output using the window has exited.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.inUse {
		logger.Warning("closing desktop backend while its window is in use")
	}
	b.mu.Unlock()

	close(b.quit)
	<-b.done
	b.group.Destroy()
	b.display.Terminate()
	err := x.DestroyWindowChecked(b.conn, b.window.xid).Check(b.conn)
	if err != nil {
		logger.Debug("destroy window:", err)
	}
	b.conn.Close()
}
