// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/metrics"
)

// resourceWait bounds how long an upload thread waits for another one to
// release the resource context.
const resourceWait = time.Second

// SurfaceTarget is a Target made of one render context and one window
// surface. Its context shares objects with the group's resource context.
type SurfaceTarget struct {
	name    string
	group   *egl.ShareGroup
	display *egl.Display
	ctx     *egl.Context
	surface *egl.Surface
	size    func() (w, h uint32)
	metrics *metrics.Metrics
	cleanup func()
}

type SurfaceTargetConfig struct {
	Name  string
	Group *egl.ShareGroup
	// Display is the initialized display the native window belongs to.
	Display egl.DisplayHandle
	// Share is used until the group's resource context exists.
	Share  egl.ContextHandle
	Native egl.NativeWindow
	// Size reports the current framebuffer size.
	Size    func() (w, h uint32)
	Metrics *metrics.Metrics
	// Cleanup runs after the surface and context are destroyed.
	Cleanup func()
}

// NewSurfaceTarget must be called on the render thread. It leaves nothing
// current on return.
func NewSurfaceTarget(cfg SurfaceTargetConfig) (*SurfaceTarget, error) {
	drv := cfg.Group.Driver()
	ctx, err := egl.CreateContext(drv, egl.GLES3, cfg.Group.ShareHandle(cfg.Share), cfg.Display,
		cfg.Group.Requirements())
	if err != nil {
		return nil, xerrors.Errorf("render context: %w", err)
	}

	surface, err := ctx.CreateSurface(cfg.Native)
	if err != nil {
		ctx.Destroy()
		return nil, xerrors.Errorf("render surface: %w", err)
	}

	t := &SurfaceTarget{
		name:    cfg.Name,
		group:   cfg.Group,
		display: egl.WrapDisplay(drv, cfg.Display),
		ctx:     ctx,
		surface: surface,
		size:    cfg.Size,
		metrics: cfg.Metrics,
		cleanup: cfg.Cleanup,
	}

	// The resource context is created from whichever render context is
	// current first.
	err = surface.MakeCurrent()
	if err == nil {
		_, err = cfg.Group.Resource()
	}
	if err != nil {
		t.Destroy()
		return nil, xerrors.Errorf("resource context: %w", err)
	}
	err = t.display.ClearCurrent()
	if err != nil {
		t.Destroy()
		return nil, err
	}
	logger.Debugf("output %s: context 0x%x surface 0x%x", cfg.Name, uintptr(ctx.Handle()),
		uintptr(surface.Handle()))
	return t, nil
}

func (t *SurfaceTarget) Present() error {
	before := t.surface.Handle()
	err := t.surface.Present()
	if after := t.surface.Handle(); after != before && after != egl.NoSurface {
		t.metrics.RecordRecreation(t.name)
	}
	return err
}

func (t *SurfaceTarget) Acquire() error {
	return t.surface.MakeCurrent()
}

func (t *SurfaceTarget) AcquireResource() error {
	return t.group.MakeResourceCurrent(resourceWait)
}

// Release unbinds whatever the calling thread has current, handing the
// resource context back to the group if it was that.
func (t *SurfaceTarget) Release() error {
	err := t.display.ClearCurrent()
	t.group.ReleaseResource()
	return err
}

func (t *SurfaceTarget) ResolveProc(name string) uintptr {
	return t.ctx.GetProcAddress(name)
}

func (t *SurfaceTarget) FramebufferSize() (uint32, uint32) {
	if t.size == nil {
		return 0, 0
	}
	return t.size()
}

func (t *SurfaceTarget) Surface() *egl.Surface {
	return t.surface
}

func (t *SurfaceTarget) Context() *egl.Context {
	return t.ctx
}

// Destroy tears down surface then context; the native side goes last.
func (t *SurfaceTarget) Destroy() {
	t.surface.Destroy()
	t.ctx.Destroy()
	if t.cleanup != nil {
		t.cleanup()
		t.cleanup = nil
	}
}
