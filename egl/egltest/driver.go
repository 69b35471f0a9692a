// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package egltest provides an in-memory egl.Driver for tests.
package egltest

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/linuxdeepin/dde-output-mux/egl"
)

type ContextRecord struct {
	Display   egl.DisplayHandle
	Config    egl.ConfigHandle
	Share     egl.ContextHandle
	Attribs   []int32
	Destroyed bool
}

type SurfaceRecord struct {
	Display   egl.DisplayHandle
	Config    egl.ConfigHandle
	Window    uintptr
	Attribs   []int32
	Destroyed bool
	Swaps     int
}

type binding struct {
	display egl.DisplayHandle
	context egl.ContextHandle
	draw    egl.SurfaceHandle
}

// Driver records every object it hands out. The current binding is process
// wide unless PerThread is set.
type Driver struct {
	mu sync.Mutex

	// PerThread keeps one binding per OS thread and refuses to bind a context
	// current on another thread with EGL_BAD_ACCESS. Callers must lock their
	// goroutine to its thread.
	PerThread bool

	Major, Minor    int32
	ExtensionString string
	// ConfigAttribs answers eglGetConfigAttrib; missing keys read as 0.
	ConfigAttribs map[int32]int32
	NoConfig      bool

	// SwapError, when non-zero, makes the next SwapBuffers fail with that code.
	SwapError int32
	// FailSurfaces makes that many CreateWindowSurface calls fail.
	FailSurfaces int
	FailContext  bool

	ChosenAttribs []int32
	Contexts      map[egl.ContextHandle]*ContextRecord
	Surfaces      map[egl.SurfaceHandle]*SurfaceRecord
	Terminated    map[egl.DisplayHandle]bool

	next        uintptr
	lastError   int32
	bindings    map[int]binding
	badAccess   int
	procLookups []string
}

var _ egl.Driver = (*Driver)(nil)

// New returns a driver reporting EGL 1.5 and an RGB888 config with a 24/8
// depth/stencil buffer.
func New() *Driver {
	return &Driver{
		Major: 1,
		Minor: 5,
		ConfigAttribs: map[int32]int32{
			egl.RedSize:      8,
			egl.GreenSize:    8,
			egl.BlueSize:     8,
			egl.AlphaSize:    8,
			egl.DepthSize:    24,
			egl.StencilSize:  8,
			egl.Samples:      0,
			egl.ConfigCaveat: egl.None,
		},
		Contexts:   make(map[egl.ContextHandle]*ContextRecord),
		Surfaces:   make(map[egl.SurfaceHandle]*SurfaceRecord),
		Terminated: make(map[egl.DisplayHandle]bool),
		bindings:   make(map[int]binding),
		next:       0x1000,
	}
}

func (d *Driver) alloc() uintptr {
	d.next += 0x10
	return d.next
}

func (d *Driver) fail(code int32) bool {
	d.lastError = code
	return false
}

func (d *Driver) thread() int {
	if d.PerThread {
		return unix.Gettid()
	}
	return 0
}

func (d *Driver) current() binding {
	return d.bindings[d.thread()]
}

// Bind makes ctx current without going through the egl package, simulating
// a context the embedding host made current.
func (d *Driver) Bind(dpy egl.DisplayHandle, ctx egl.ContextHandle) {
	d.mu.Lock()
	d.bindings[d.thread()] = binding{display: dpy, context: ctx}
	d.mu.Unlock()
}

func (d *Driver) CurrentSurface() egl.SurfaceHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current().draw
}

// BadAccess counts MakeCurrent calls refused because the context was current
// on another thread.
func (d *Driver) BadAccess() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badAccess
}

func (d *Driver) Context(h egl.ContextHandle) *ContextRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Contexts[h]
}

func (d *Driver) Surface(h egl.SurfaceHandle) *SurfaceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Surfaces[h]
}

// LiveSurfaces counts surfaces not yet destroyed.
func (d *Driver) LiveSurfaces() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.Surfaces {
		if !s.Destroyed {
			n++
		}
	}
	return n
}

func (d *Driver) ProcLookups() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.procLookups...)
}

func (d *Driver) GetDisplay(native uintptr) egl.DisplayHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return egl.DisplayHandle(d.alloc())
}

func (d *Driver) GetCurrentDisplay() egl.DisplayHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current().display
}

func (d *Driver) GetCurrentContext() egl.ContextHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current().context
}

func (d *Driver) Initialize(dpy egl.DisplayHandle) (int32, int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dpy == egl.NoDisplay {
		return 0, 0, d.fail(egl.BadDisplay)
	}
	return d.Major, d.Minor, true
}

func (d *Driver) Terminate(dpy egl.DisplayHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Terminated[dpy] = true
	return true
}

func (d *Driver) QueryString(dpy egl.DisplayHandle, name int32) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == egl.Extensions {
		return d.ExtensionString
	}
	return "egltest"
}

func (d *Driver) BindAPI(api uint32) bool {
	return api == egl.OpenGLESAPI
}

func (d *Driver) ChooseConfig(dpy egl.DisplayHandle, attribs []int32) (egl.ConfigHandle, int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ChosenAttribs = append([]int32(nil), attribs...)
	if d.NoConfig {
		return egl.NoConfig, 0, true
	}
	return egl.ConfigHandle(0xc0f1), 1, true
}

func (d *Driver) GetConfigAttrib(dpy egl.DisplayHandle, config egl.ConfigHandle, attr int32) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if config == egl.NoConfig {
		return 0, d.fail(egl.BadConfig)
	}
	return d.ConfigAttribs[attr], true
}

func (d *Driver) CreateContext(dpy egl.DisplayHandle, config egl.ConfigHandle, share egl.ContextHandle,
	attribs []int32) egl.ContextHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailContext {
		d.fail(egl.BadMatch)
		return egl.NoContext
	}
	h := egl.ContextHandle(d.alloc())
	d.Contexts[h] = &ContextRecord{
		Display: dpy,
		Config:  config,
		Share:   share,
		Attribs: append([]int32(nil), attribs...),
	}
	return h
}

func (d *Driver) DestroyContext(dpy egl.DisplayHandle, ctx egl.ContextHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.Contexts[ctx]
	if !ok || rec.Destroyed {
		return d.fail(egl.BadContext)
	}
	rec.Destroyed = true
	return true
}

func (d *Driver) CreateWindowSurface(dpy egl.DisplayHandle, config egl.ConfigHandle, win uintptr,
	attribs []int32) egl.SurfaceHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailSurfaces > 0 {
		d.FailSurfaces--
		d.fail(egl.BadNativeWindow)
		return egl.NoSurface
	}
	h := egl.SurfaceHandle(d.alloc())
	d.Surfaces[h] = &SurfaceRecord{
		Display: dpy,
		Config:  config,
		Window:  win,
		Attribs: append([]int32(nil), attribs...),
	}
	return h
}

func (d *Driver) DestroySurface(dpy egl.DisplayHandle, surface egl.SurfaceHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.Surfaces[surface]
	if !ok || rec.Destroyed {
		return d.fail(egl.BadSurface)
	}
	rec.Destroyed = true
	return true
}

func (d *Driver) MakeCurrent(dpy egl.DisplayHandle, draw, read egl.SurfaceHandle, ctx egl.ContextHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx != egl.NoContext {
		rec, ok := d.Contexts[ctx]
		if !ok || rec.Destroyed {
			return d.fail(egl.BadContext)
		}
	}
	if draw != egl.NoSurface {
		rec, ok := d.Surfaces[draw]
		if !ok || rec.Destroyed {
			return d.fail(egl.BadSurface)
		}
	}
	tid := d.thread()
	if ctx != egl.NoContext {
		for other, b := range d.bindings {
			if other != tid && b.context == ctx {
				d.badAccess++
				return d.fail(egl.BadAccess)
			}
		}
	}
	if ctx == egl.NoContext {
		delete(d.bindings, tid)
		return true
	}
	d.bindings[tid] = binding{display: dpy, context: ctx, draw: draw}
	return true
}

func (d *Driver) SwapBuffers(dpy egl.DisplayHandle, surface egl.SurfaceHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SwapError != 0 {
		code := d.SwapError
		d.SwapError = 0
		return d.fail(code)
	}
	rec, ok := d.Surfaces[surface]
	if !ok || rec.Destroyed {
		return d.fail(egl.BadSurface)
	}
	rec.Swaps++
	return true
}

func (d *Driver) GetError() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	code := d.lastError
	d.lastError = egl.Success
	if code == 0 {
		return egl.Success
	}
	return code
}

func (d *Driver) GetProcAddress(name string) uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.procLookups = append(d.procLookups, name)
	return 0xf00d
}

// Window is a NativeWindow whose behaviour is set by the test.
type Window struct {
	mu sync.Mutex

	ID          uintptr
	Recreations int
	Swaps       int
	needs       bool
	RecreateErr error
	SwapErr     error
}

func NewWindow(id uintptr) *Window {
	return &Window{ID: id}
}

func (w *Window) Ptr() uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ID
}

func (w *Window) SwapBuffers() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Swaps++
	return w.SwapErr
}

func (w *Window) NeedsRecreation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.needs
}

// RequestRecreation makes the next present rebuild the surface.
func (w *Window) RequestRecreation() {
	w.mu.Lock()
	w.needs = true
	w.mu.Unlock()
}

func (w *Window) Recreate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RecreateErr != nil {
		return w.RecreateErr
	}
	w.needs = false
	w.Recreations++
	return nil
}
