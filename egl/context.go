// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl

import (
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// Display is a borrowed EGL display. It is never terminated by this package
// unless it was obtained through OpenDisplay.
type Display struct {
	drv    Driver
	handle DisplayHandle
	owned  bool
	once   sync.Once
}

// CurrentDisplay returns the display bound to the calling thread.
func CurrentDisplay(drv Driver) (*Display, error) {
	dpy := drv.GetCurrentDisplay()
	if dpy == NoDisplay {
		return nil, ErrNoCurrentContext
	}
	logger.Debugf("current display was 0x%x", uintptr(dpy))
	return &Display{drv: drv, handle: dpy}, nil
}

// OpenDisplay gets the display for a native handle (a gbm device, an X
// display, or 0 for the default display) and takes ownership of it.
func OpenDisplay(drv Driver, native uintptr) (*Display, error) {
	dpy := drv.GetDisplay(native)
	if dpy == NoDisplay {
		return nil, checkError(drv, "eglGetDisplay")
	}
	return &Display{drv: drv, handle: dpy, owned: true}, nil
}

func WrapDisplay(drv Driver, dpy DisplayHandle) *Display {
	return &Display{drv: drv, handle: dpy}
}

func (d *Display) Handle() DisplayHandle {
	return d.handle
}

func (d *Display) Driver() Driver {
	return d.drv
}

// ClearCurrent unbinds any context and surface from the calling thread.
func (d *Display) ClearCurrent() error {
	if !d.drv.MakeCurrent(d.handle, NoSurface, NoSurface, NoContext) {
		return checkError(d.drv, "eglMakeCurrent")
	}
	return nil
}

// Terminate releases an owned display. Borrowed displays are left alone.
func (d *Display) Terminate() {
	if !d.owned {
		return
	}
	d.once.Do(func() {
		d.drv.Terminate(d.handle)
	})
}

// Context is one EGL rendering context together with the configuration it was
// created against. Surfaces created from it reuse that configuration.
type Context struct {
	drv               Driver
	display           DisplayHandle
	handle            ContextHandle
	config            ConfigHandle
	surfaceAttributes []int32
	pixelFormat       PixelFormat
	eglVersion        Version

	destroyOnce sync.Once
}

// CreateResourceContext creates a context sharing the object namespace of the
// context current on the calling thread, on the current display. The caller
// must make a context current first. GLES 3.0 is required, there is no
// fallback to 2.0.
func CreateResourceContext(drv Driver, reqs PixelFormatRequirements) (*Context, error) {
	logger.Debug("Trying to initialize EGL with OpenGLES 3.0")

	share := drv.GetCurrentContext()
	dpy := drv.GetCurrentDisplay()
	logger.Debugf("current context was 0x%x, display 0x%x", uintptr(share), uintptr(dpy))
	if share == NoContext || dpy == NoDisplay {
		return nil, ErrNoCurrentContext
	}

	return createContext(drv, GLES3, share, dpy, reqs)
}

// CreateContext creates a context on an explicit display, sharing objects with
// share (which may be NoContext). It is used when the calling thread does not
// own the default display, or when a second context must share textures with
// the first.
func CreateContext(drv Driver, version Version, share ContextHandle, dpy DisplayHandle,
	reqs PixelFormatRequirements) (*Context, error) {
	logger.Debugf("Trying to initialize EGL with OpenGLES %d.%d", version.Major, version.Minor)
	if dpy == NoDisplay {
		return nil, xerrors.Errorf("create context: %w", ErrNoCurrentContext)
	}
	return createContext(drv, version, share, dpy, reqs)
}

func createContext(drv Driver, version Version, share ContextHandle, dpy DisplayHandle,
	reqs PixelFormatRequirements) (*Context, error) {
	major, minor, ok := drv.Initialize(dpy)
	if !ok {
		return nil, xerrors.Errorf("display reinit failed: %w", checkError(drv, "eglInitialize"))
	}
	eglVersion := Version{Major: int(major), Minor: int(minor)}
	logger.Infof("EGL version: %d.%d", eglVersion.Major, eglVersion.Minor)

	var extensions []string
	if eglVersion.atLeast(1, 2) {
		extensions = strings.Fields(drv.QueryString(dpy, Extensions))
	}
	logger.Debug("EGL extensions:", extensions)

	if eglVersion.atLeast(1, 2) && !drv.BindAPI(OpenGLESAPI) {
		return nil, xerrors.Errorf("OpenGLES not supported by the EGL implementation: %w", ErrNotSupported)
	}

	descriptor, err := reqs.configAttributes(version, eglVersion)
	if err != nil {
		return nil, err
	}

	config, numConfigs, ok := drv.ChooseConfig(dpy, descriptor)
	if !ok {
		return nil, checkError(drv, "eglChooseConfig")
	}
	if numConfigs == 0 {
		return nil, ErrNoConfig
	}

	pf, err := queryPixelFormat(drv, dpy, config, reqs)
	if err != nil {
		return nil, xerrors.Errorf("query config: %w", err)
	}
	logger.Info("Selected color format:", pf)

	logger.Debug("Creating EGL context...")
	ctx := drv.CreateContext(dpy, config, share, contextAttributes(version, eglVersion, extensions))
	if ctx == NoContext {
		return nil, xerrors.Errorf("create context: %w", checkError(drv, "eglCreateContext"))
	}
	logger.Info("EGL context created")

	return &Context{
		drv:               drv,
		display:           dpy,
		handle:            ctx,
		config:            config,
		surfaceAttributes: reqs.surfaceAttributes(),
		pixelFormat:       pf,
		eglVersion:        eglVersion,
	}, nil
}

func (c *Context) Handle() ContextHandle {
	return c.handle
}

func (c *Context) Display() DisplayHandle {
	return c.display
}

func (c *Context) Config() ConfigHandle {
	return c.config
}

func (c *Context) PixelFormat() PixelFormat {
	return c.pixelFormat
}

// MakeCurrent binds the context without a surface. This is how the resource
// context is used: background uploads only, never drawing.
func (c *Context) MakeCurrent() error {
	if !c.drv.MakeCurrent(c.display, NoSurface, NoSurface, c.handle) {
		return checkError(c.drv, "eglMakeCurrent")
	}
	return nil
}

func (c *Context) IsCurrent() bool {
	return c.drv.GetCurrentContext() == c.handle
}

func (c *Context) GetProcAddress(symbol string) uintptr {
	return c.drv.GetProcAddress(symbol)
}

// CreateSurface creates a presentable surface for native with this context's
// configuration.
func (c *Context) CreateSurface(native NativeWindow) (*Surface, error) {
	return newSurface(c, native)
}

// Destroy releases the context. Surfaces created from it must be destroyed first.
func (c *Context) Destroy() {
	c.destroyOnce.Do(func() {
		if c.IsCurrent() {
			c.drv.MakeCurrent(c.display, NoSurface, NoSurface, NoContext)
		}
		if !c.drv.DestroyContext(c.display, c.handle) {
			logger.Warning(checkError(c.drv, "eglDestroyContext"))
		}
	})
}
