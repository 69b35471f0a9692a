// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux && egl

package egl

/*
#cgo pkg-config: egl
#define EGL_NO_X11
#define MESA_EGL_NO_X11_HEADERS
#include <stdlib.h>
#include <EGL/egl.h>
*/
import "C"

import (
	"unsafe"
)

// Open returns the libEGL binding.
func Open() (Driver, error) {
	return cDriver{}, nil
}

type cDriver struct{}

func cDisplay(dpy DisplayHandle) C.EGLDisplay {
	return C.EGLDisplay(unsafe.Pointer(uintptr(dpy)))
}

func cContext(ctx ContextHandle) C.EGLContext {
	return C.EGLContext(unsafe.Pointer(uintptr(ctx)))
}

func cSurface(s SurfaceHandle) C.EGLSurface {
	return C.EGLSurface(unsafe.Pointer(uintptr(s)))
}

func cConfig(c ConfigHandle) C.EGLConfig {
	return C.EGLConfig(unsafe.Pointer(uintptr(c)))
}

func cAttribs(attribs []int32) *C.EGLint {
	if len(attribs) == 0 {
		return nil
	}
	return (*C.EGLint)(unsafe.Pointer(&attribs[0]))
}

func (cDriver) GetDisplay(native uintptr) DisplayHandle {
	return DisplayHandle(unsafe.Pointer(C.eglGetDisplay(C.EGLNativeDisplayType(unsafe.Pointer(native)))))
}

func (cDriver) GetCurrentDisplay() DisplayHandle {
	return DisplayHandle(unsafe.Pointer(C.eglGetCurrentDisplay()))
}

func (cDriver) GetCurrentContext() ContextHandle {
	return ContextHandle(unsafe.Pointer(C.eglGetCurrentContext()))
}

func (cDriver) Initialize(dpy DisplayHandle) (int32, int32, bool) {
	var major, minor C.EGLint
	ok := C.eglInitialize(cDisplay(dpy), &major, &minor) == C.EGL_TRUE
	return int32(major), int32(minor), ok
}

func (cDriver) Terminate(dpy DisplayHandle) bool {
	return C.eglTerminate(cDisplay(dpy)) == C.EGL_TRUE
}

func (cDriver) QueryString(dpy DisplayHandle, name int32) string {
	p := C.eglQueryString(cDisplay(dpy), C.EGLint(name))
	if p == nil {
		return ""
	}
	return C.GoString(p)
}

func (cDriver) BindAPI(api uint32) bool {
	return C.eglBindAPI(C.EGLenum(api)) == C.EGL_TRUE
}

func (cDriver) ChooseConfig(dpy DisplayHandle, attribs []int32) (ConfigHandle, int32, bool) {
	var config C.EGLConfig
	var num C.EGLint
	ok := C.eglChooseConfig(cDisplay(dpy), cAttribs(attribs), &config, 1, &num) == C.EGL_TRUE
	return ConfigHandle(unsafe.Pointer(config)), int32(num), ok
}

func (cDriver) GetConfigAttrib(dpy DisplayHandle, config ConfigHandle, attr int32) (int32, bool) {
	var value C.EGLint
	ok := C.eglGetConfigAttrib(cDisplay(dpy), cConfig(config), C.EGLint(attr), &value) == C.EGL_TRUE
	return int32(value), ok
}

func (cDriver) CreateContext(dpy DisplayHandle, config ConfigHandle, share ContextHandle, attribs []int32) ContextHandle {
	ctx := C.eglCreateContext(cDisplay(dpy), cConfig(config), cContext(share), cAttribs(attribs))
	return ContextHandle(unsafe.Pointer(ctx))
}

func (cDriver) DestroyContext(dpy DisplayHandle, ctx ContextHandle) bool {
	return C.eglDestroyContext(cDisplay(dpy), cContext(ctx)) == C.EGL_TRUE
}

func (cDriver) CreateWindowSurface(dpy DisplayHandle, config ConfigHandle, win uintptr, attribs []int32) SurfaceHandle {
	s := C.eglCreateWindowSurface(cDisplay(dpy), cConfig(config), C.EGLNativeWindowType(win), cAttribs(attribs))
	return SurfaceHandle(unsafe.Pointer(s))
}

func (cDriver) DestroySurface(dpy DisplayHandle, surface SurfaceHandle) bool {
	return C.eglDestroySurface(cDisplay(dpy), cSurface(surface)) == C.EGL_TRUE
}

func (cDriver) MakeCurrent(dpy DisplayHandle, draw, read SurfaceHandle, ctx ContextHandle) bool {
	return C.eglMakeCurrent(cDisplay(dpy), cSurface(draw), cSurface(read), cContext(ctx)) == C.EGL_TRUE
}

func (cDriver) SwapBuffers(dpy DisplayHandle, surface SurfaceHandle) bool {
	return C.eglSwapBuffers(cDisplay(dpy), cSurface(surface)) == C.EGL_TRUE
}

func (cDriver) GetError() int32 {
	return int32(C.eglGetError())
}

func (cDriver) GetProcAddress(name string) uintptr {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return uintptr(unsafe.Pointer(C.eglGetProcAddress(cName)))
}
