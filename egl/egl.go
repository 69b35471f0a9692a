// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package egl wraps the EGL entry points needed to negotiate a pixel format,
// create rendering contexts and drive presentable window surfaces.
//
// Every handle type in this package is owned: Destroy may be called from any
// exit path and releases the underlying driver object exactly once.
package egl

import (
	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("dde-output-mux/egl")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

type (
	DisplayHandle uintptr
	ContextHandle uintptr
	SurfaceHandle uintptr
	ConfigHandle  uintptr
)

const (
	NoDisplay DisplayHandle = 0
	NoContext ContextHandle = 0
	NoSurface SurfaceHandle = 0
	NoConfig  ConfigHandle  = 0
)

// Values from EGL/egl.h and EGL/eglext.h.
const (
	Success           int32 = 0x3000
	BadAccess         int32 = 0x3002
	BadAlloc          int32 = 0x3003
	BadAttribute      int32 = 0x3004
	BadConfig         int32 = 0x3005
	BadContext        int32 = 0x3006
	BadCurrentSurface int32 = 0x3007
	BadDisplay        int32 = 0x3008
	BadMatch          int32 = 0x3009
	BadNativeWindow   int32 = 0x300B
	BadParameter      int32 = 0x300C
	BadSurface        int32 = 0x300D
	ContextLost       int32 = 0x300E

	AlphaSize       int32 = 0x3021
	BlueSize        int32 = 0x3022
	GreenSize       int32 = 0x3023
	RedSize         int32 = 0x3024
	DepthSize       int32 = 0x3025
	StencilSize     int32 = 0x3026
	ConfigCaveat    int32 = 0x3027
	Samples         int32 = 0x3031
	SurfaceType     int32 = 0x3033
	None            int32 = 0x3038
	ColorBufferType int32 = 0x303F
	RenderableType  int32 = 0x3040
	Conformant      int32 = 0x3042
	SlowConfig      int32 = 0x3050
	Vendor          int32 = 0x3053
	Extensions      int32 = 0x3055
	BackBuffer      int32 = 0x3084
	SingleBuffer    int32 = 0x3085
	RenderBuffer    int32 = 0x3086
	RGBBuffer       int32 = 0x308E

	WindowBit    int32 = 0x0004
	OpenGLES2Bit int32 = 0x0004
	OpenGLES3Bit int32 = 0x0040

	OpenGLESAPI uint32 = 0x30A0

	ContextClientVersion int32 = 0x3098
	ContextMajorVersion  int32 = 0x3098
	ContextMinorVersion  int32 = 0x30FB
	ContextFlagsKHR      int32 = 0x30FC
)

// Driver is the set of EGL entry points used by this package. The production
// implementation binds libEGL through cgo; tests use egltest.Driver.
//
// Handles are passed through untouched, the driver never retains Go memory.
type Driver interface {
	GetDisplay(native uintptr) DisplayHandle
	GetCurrentDisplay() DisplayHandle
	GetCurrentContext() ContextHandle
	Initialize(dpy DisplayHandle) (major, minor int32, ok bool)
	Terminate(dpy DisplayHandle) bool
	QueryString(dpy DisplayHandle, name int32) string
	BindAPI(api uint32) bool
	// ChooseConfig asks for exactly one matching configuration.
	ChooseConfig(dpy DisplayHandle, attribs []int32) (config ConfigHandle, numConfigs int32, ok bool)
	GetConfigAttrib(dpy DisplayHandle, config ConfigHandle, attr int32) (int32, bool)
	CreateContext(dpy DisplayHandle, config ConfigHandle, share ContextHandle, attribs []int32) ContextHandle
	DestroyContext(dpy DisplayHandle, ctx ContextHandle) bool
	CreateWindowSurface(dpy DisplayHandle, config ConfigHandle, win uintptr, attribs []int32) SurfaceHandle
	DestroySurface(dpy DisplayHandle, surface SurfaceHandle) bool
	MakeCurrent(dpy DisplayHandle, draw, read SurfaceHandle, ctx ContextHandle) bool
	SwapBuffers(dpy DisplayHandle, surface SurfaceHandle) bool
	GetError() int32
	GetProcAddress(name string) uintptr
}

// Version is a major/minor pair, used for both the EGL implementation and the
// requested GLES client version.
type Version struct {
	Major int
	Minor int
}

func (v Version) atLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// GLES3 is the only client version negotiated automatically.
var GLES3 = Version{Major: 3, Minor: 0}
