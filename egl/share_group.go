// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var ErrResourceBusy = xerrors.New("egl: resource context is current on another thread")

// ShareGroup holds the single resource context of a device. Render contexts
// share their namespace with it so that background threads can upload
// textures for any output. The resource context is current on at most one
// thread at a time.
type ShareGroup struct {
	drv  Driver
	reqs PixelFormatRequirements

	mu       sync.Mutex
	resource *Context
	// owner is the thread the resource context is current on, 0 if none.
	owner int
	slot  chan struct{}
}

func NewShareGroup(drv Driver, reqs PixelFormatRequirements) *ShareGroup {
	return &ShareGroup{drv: drv, reqs: reqs, slot: make(chan struct{}, 1)}
}

// Resource returns the resource context, creating it on first use from the
// context current on the calling thread.
func (g *ShareGroup) Resource() (*Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resource != nil {
		return g.resource, nil
	}
	ctx, err := CreateResourceContext(g.drv, g.reqs)
	if err != nil {
		return nil, err
	}
	g.resource = ctx
	return ctx, nil
}

// MakeResourceCurrent binds the resource context on the calling thread, which
// must be locked to its goroutine. While another thread holds it the call
// waits up to wait and then fails with ErrResourceBusy. ReleaseResource hands
// it back.
func (g *ShareGroup) MakeResourceCurrent(wait time.Duration) error {
	res, err := g.Resource()
	if err != nil {
		return err
	}
	tid := unix.Gettid()
	g.mu.Lock()
	held := g.owner == tid
	g.mu.Unlock()
	if held {
		return res.MakeCurrent()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case g.slot <- struct{}{}:
	case <-timer.C:
		return ErrResourceBusy
	}
	err = res.MakeCurrent()
	if err != nil {
		<-g.slot
		return err
	}
	g.mu.Lock()
	g.owner = tid
	g.mu.Unlock()
	return nil
}

// ReleaseResource gives the resource context up if the calling thread holds
// it. The caller must have unbound it already.
func (g *ShareGroup) ReleaseResource() bool {
	tid := unix.Gettid()
	g.mu.Lock()
	if g.owner == 0 || g.owner != tid {
		g.mu.Unlock()
		return false
	}
	g.owner = 0
	g.mu.Unlock()
	<-g.slot
	return true
}

// ShareHandle is the context a new render context must share with. Before the
// resource context exists, fallback (usually the device's base context) is used.
func (g *ShareGroup) ShareHandle(fallback ContextHandle) ContextHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resource != nil {
		return g.resource.handle
	}
	return fallback
}

func (g *ShareGroup) Driver() Driver {
	return g.drv
}

func (g *ShareGroup) Requirements() PixelFormatRequirements {
	return g.reqs
}

func (g *ShareGroup) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resource != nil {
		g.resource.Destroy()
		g.resource = nil
	}
}
