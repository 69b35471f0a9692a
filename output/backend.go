// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package output runs one render client per display output on a dedicated
// OS thread and hands it a presentable framebuffer.
package output

import (
	"time"

	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("dde-output-mux/output")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Backend is what a render client draws through. Errors matching
// egl.ErrContextLost are recoverable; anything else is fatal for the output.
type Backend interface {
	Present() error
	Acquire() error
	FramebufferSize() (w, h uint32)
}

// Target is a Backend owned by a render thread. It is created and destroyed
// on that thread.
type Target interface {
	Backend
	// AcquireResource makes the shared upload context current on the
	// calling thread.
	AcquireResource() error
	// Release unbinds whatever is current on the calling thread.
	Release() error
	ResolveProc(name string) uintptr
	Destroy()
}

// TargetFactory builds the Target on the render thread.
type TargetFactory func() (Target, error)

// Host is the callback surface a render client drives. Everything except
// WakeHostThread and RunInBackground is called on the render thread, or on
// the client's own upload thread for MakeResourceCurrent.
type Host interface {
	MakeCurrent() bool
	MakeResourceCurrent() bool
	ClearCurrent() bool
	Present() bool
	ResolveProc(name string) uintptr
	// FBO is the framebuffer to draw into, always the default one.
	FBO() uint32
	WakeHostThread()
	RunInBackground(fn func())
}

type WindowMetrics struct {
	Width      uint32
	Height     uint32
	PixelRatio float64
}

// Client is a render client bound to one output.
type Client interface {
	// Run starts the client. It is called once, on the render thread.
	Run() error
	SendWindowMetrics(m WindowMetrics) error
	// ExecutePlatformTasks runs due work and returns how long until the
	// next task is due, or a negative value when nothing is scheduled.
	ExecutePlatformTasks() time.Duration
	Shutdown()
}

type ClientFactory func(host Host) (Client, error)
