// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl

import (
	"fmt"

	"golang.org/x/xerrors"
)

// DontCare leaves a numeric requirement out of the attribute list.
const DontCare = -1

type Tristate int8

const (
	Unset Tristate = iota
	Yes
	No
)

// PixelFormatRequirements is what the caller asks the driver for.
type PixelFormatRequirements struct {
	HardwareAccelerated Tristate
	ColorBits           int
	AlphaBits           int
	DepthBits           int
	StencilBits         int
	Multisampling       int
	DoubleBuffer        Tristate
	Stereoscopy         bool
}

func DefaultPixelFormatRequirements() PixelFormatRequirements {
	return PixelFormatRequirements{
		HardwareAccelerated: Yes,
		ColorBits:           24,
		AlphaBits:           8,
		DepthBits:           24,
		StencilBits:         8,
		Multisampling:       DontCare,
		DoubleBuffer:        Yes,
	}
}

// PixelFormat is the configuration the driver actually selected, read back
// attribute by attribute. It never changes after the context is created.
type PixelFormat struct {
	HardwareAccelerated bool
	ColorBits           uint8
	AlphaBits           uint8
	DepthBits           uint8
	StencilBits         uint8
	Stereoscopy         bool
	DoubleBuffer        bool
	// Multisampling is 0 when disabled; the driver reports 0 and 1 alike.
	Multisampling uint16
	SRGB          bool
}

func (pf PixelFormat) String() string {
	return fmt.Sprintf("color %d alpha %d depth %d stencil %d samples %d accelerated %v",
		pf.ColorBits, pf.AlphaBits, pf.DepthBits, pf.StencilBits, pf.Multisampling,
		pf.HardwareAccelerated)
}

// configAttributes builds the ordered attribute list handed to eglChooseConfig.
func (reqs PixelFormatRequirements) configAttributes(version, eglVersion Version) ([]int32, error) {
	out := make([]int32, 0, 37)

	if eglVersion.atLeast(1, 2) {
		logger.Debug("Setting COLOR_BUFFER_TYPE to RGB_BUFFER")
		out = append(out, ColorBufferType, RGBBuffer)
	}

	logger.Debug("Setting SURFACE_TYPE to WINDOW")
	out = append(out, SurfaceType, WindowBit)

	var apiBit int32
	switch version.Major {
	case 3:
		apiBit = OpenGLES3Bit
	case 2:
		apiBit = OpenGLES2Bit
	default:
		return nil, xerrors.Errorf("unsupported GLES version %d.%d: %w",
			version.Major, version.Minor, ErrNotSupported)
	}
	if !eglVersion.atLeast(1, 3) {
		return nil, xerrors.Errorf("GLES %d.x needs EGL 1.3, have %d.%d: %w",
			version.Major, eglVersion.Major, eglVersion.Minor, ErrNotSupported)
	}
	logger.Debugf("Setting RENDERABLE_TYPE and CONFORMANT to GLES%d", version.Major)
	out = append(out, RenderableType, apiBit, Conformant, apiBit)

	switch reqs.HardwareAccelerated {
	case Yes:
		out = append(out, ConfigCaveat, None)
	case No:
		out = append(out, ConfigCaveat, SlowConfig)
	}

	if reqs.ColorBits >= 0 {
		r, g, b := splitColorBits(reqs.ColorBits)
		logger.Debugf("Setting RED/GREEN/BLUE_SIZE to %d/%d/%d", r, g, b)
		out = append(out, RedSize, r, GreenSize, g, BlueSize, b)
	}
	if reqs.AlphaBits >= 0 {
		out = append(out, AlphaSize, int32(reqs.AlphaBits))
	}
	if reqs.DepthBits >= 0 {
		out = append(out, DepthSize, int32(reqs.DepthBits))
	}
	if reqs.StencilBits >= 0 {
		out = append(out, StencilSize, int32(reqs.StencilBits))
	}
	if reqs.Multisampling >= 0 {
		out = append(out, Samples, int32(reqs.Multisampling))
	}

	if reqs.Stereoscopy {
		return nil, xerrors.Errorf("stereoscopy: %w", ErrNotSupported)
	}

	out = append(out, None)
	return out, nil
}

// splitColorBits spreads the remainder onto green first, then blue.
func splitColorBits(color int) (r, g, b int32) {
	third := int32(color / 3)
	r, g, b = third, third, third
	if color%3 != 0 {
		g++
	}
	if color%3 == 2 {
		b++
	}
	return
}

func (reqs PixelFormatRequirements) surfaceAttributes() []int32 {
	out := make([]int32, 0, 3)
	switch reqs.DoubleBuffer {
	case Yes:
		out = append(out, RenderBuffer, BackBuffer)
	case No:
		out = append(out, RenderBuffer, SingleBuffer)
	}
	return append(out, None)
}

func contextAttributes(version, eglVersion Version, extensions []string) []int32 {
	out := make([]int32, 0, 10)
	if eglVersion.atLeast(1, 5) || hasExtension(extensions, "EGL_KHR_create_context") {
		logger.Debugf("Setting CONTEXT_MAJOR_VERSION to %d, CONTEXT_MINOR_VERSION to %d",
			version.Major, version.Minor)
		out = append(out,
			ContextMajorVersion, int32(version.Major),
			ContextMinorVersion, int32(version.Minor),
			ContextFlagsKHR, 0)
	} else if eglVersion.atLeast(1, 3) {
		logger.Debug("Setting CONTEXT_CLIENT_VERSION to", version.Major)
		out = append(out, ContextClientVersion, int32(version.Major))
	}
	return append(out, None)
}

func hasExtension(extensions []string, name string) bool {
	for _, ext := range extensions {
		if ext == name {
			return true
		}
	}
	return false
}

func queryPixelFormat(drv Driver, dpy DisplayHandle, config ConfigHandle, reqs PixelFormatRequirements) (PixelFormat, error) {
	var err error
	attrib := func(attr int32) int32 {
		if err != nil {
			return 0
		}
		v, ok := drv.GetConfigAttrib(dpy, config, attr)
		if !ok {
			err = checkError(drv, fmt.Sprintf("eglGetConfigAttrib(0x%x)", attr))
		}
		return v
	}

	pf := PixelFormat{
		HardwareAccelerated: attrib(ConfigCaveat) != SlowConfig,
		ColorBits:           uint8(attrib(RedSize) + attrib(BlueSize) + attrib(GreenSize)),
		AlphaBits:           uint8(attrib(AlphaSize)),
		DepthBits:           uint8(attrib(DepthSize)),
		StencilBits:         uint8(attrib(StencilSize)),
		DoubleBuffer:        reqs.DoubleBuffer != No,
	}
	if samples := attrib(Samples); samples > 1 {
		pf.Multisampling = uint16(samples)
	}
	if err != nil {
		return PixelFormat{}, err
	}
	return pf, nil
}
