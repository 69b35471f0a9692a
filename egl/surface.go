// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl

import (
	"sync"

	"golang.org/x/xerrors"
)

// NativeWindow is the platform side of a surface: a gbm surface scanned out
// on a CRTC, or a desktop window.
type NativeWindow interface {
	// Ptr is the EGLNativeWindowType handle; 0 means invalid.
	Ptr() uintptr
	// SwapBuffers runs after a successful eglSwapBuffers, e.g. to queue a page flip.
	SwapBuffers() error
	// NeedsRecreation reports that the EGL surface must be rebuilt, e.g. after a resize.
	NeedsRecreation() bool
	// Recreate prepares the native side for a new EGL surface.
	Recreate() error
}

// Surface is a presentable drawable owned by exactly one output. The EGL
// surface handle is rebuilt in place when the native window asks for it.
type Surface struct {
	ctx    *Context
	native NativeWindow

	mu               sync.Mutex
	handle           SurfaceHandle
	recreateFailures int
	destroyed        bool
}

func newSurface(ctx *Context, native NativeWindow) (*Surface, error) {
	ptr := native.Ptr()
	if ptr == 0 {
		return nil, ErrBadNativeWindow
	}

	handle := ctx.drv.CreateWindowSurface(ctx.display, ctx.config, ptr, ctx.surfaceAttributes)
	if handle == NoSurface {
		return nil, xerrors.Errorf("surface creation failed: %w", checkError(ctx.drv, "eglCreateWindowSurface"))
	}

	return &Surface{
		ctx:    ctx,
		native: native,
		handle: handle,
	}, nil
}

func (s *Surface) Context() *Context {
	return s.ctx
}

func (s *Surface) Native() NativeWindow {
	return s.native
}

func (s *Surface) Handle() SurfaceHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Present submits the back buffer. A null handle left behind by an earlier
// failed recreation is not an error: the surface is rebuilt instead.
func (s *Surface) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}

	drv := s.ctx.drv
	if s.handle != NoSurface {
		if !drv.SwapBuffers(s.ctx.display, s.handle) {
			return checkError(drv, "eglSwapBuffers")
		}
		err := s.native.SwapBuffers()
		if err != nil {
			return xerrors.Errorf("native swap: %w", err)
		}
	}

	if s.handle == NoSurface || s.native.NeedsRecreation() {
		return s.recreate()
	}
	return nil
}

func (s *Surface) recreate() error {
	drv := s.ctx.drv
	wasCurrent := s.handle != NoSurface && s.ctx.IsCurrent()

	if s.handle != NoSurface {
		drv.DestroySurface(s.ctx.display, s.handle)
		s.handle = NoSurface
	}

	err := s.native.Recreate()
	if err != nil {
		return s.recreateFailed(err)
	}

	handle := drv.CreateWindowSurface(s.ctx.display, s.ctx.config, s.native.Ptr(), s.ctx.surfaceAttributes)
	if handle == NoSurface {
		return s.recreateFailed(checkError(drv, "eglCreateWindowSurface"))
	}
	s.handle = handle
	s.recreateFailures = 0
	logger.Debugf("surface recreated as 0x%x", uintptr(handle))

	if wasCurrent && !drv.MakeCurrent(s.ctx.display, handle, handle, s.ctx.handle) {
		return checkError(drv, "eglMakeCurrent")
	}
	return nil
}

func (s *Surface) recreateFailed(err error) error {
	s.recreateFailures++
	if s.recreateFailures > 1 {
		return xerrors.Errorf("%w: %v", ErrSurfaceLost, err)
	}
	logger.Warning("surface recreation failed, retrying on next present:", err)
	return nil
}

// MakeCurrent binds context and surface to the calling thread.
func (s *Surface) MakeCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if !s.ctx.drv.MakeCurrent(s.ctx.display, s.handle, s.handle, s.ctx.handle) {
		return checkError(s.ctx.drv, "eglMakeCurrent")
	}
	return nil
}

func (s *Surface) IsCurrent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != NoSurface && s.ctx.IsCurrent()
}

// Destroy releases the EGL surface. It is safe to call more than once and
// from any exit path.
func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.handle == NoSurface {
		return
	}
	if s.ctx.IsCurrent() {
		s.ctx.drv.MakeCurrent(s.ctx.display, NoSurface, NoSurface, NoContext)
	}
	if !s.ctx.drv.DestroySurface(s.ctx.display, s.handle) {
		logger.Warning(checkError(s.ctx.drv, "eglDestroySurface"))
	}
	s.handle = NoSurface
}
