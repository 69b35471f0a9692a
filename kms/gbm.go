// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kms

// GBM_FORMAT_XRGB8888 and the usage flags from gbm.h.
const (
	FormatXRGB8888 = 0x34325258

	UseScanout   = 1 << 0
	UseRendering = 1 << 2
)

// Allocator is a gbm device.
type Allocator interface {
	// Ptr is the gbm_device pointer handed to eglGetDisplay.
	Ptr() uintptr
	CreateSurface(width, height, format, flags uint32) (BufferSurface, error)
	Close()
}

// BufferSurface is a gbm_surface: the EGL window buffers of one CRTC.
type BufferSurface interface {
	Ptr() uintptr
	// LockFrontBuffer takes the buffer EGL just finished rendering.
	LockFrontBuffer() (Buffer, error)
	Destroy()
}

// Buffer is a locked gbm_bo. Release hands it back to its surface.
type Buffer interface {
	Handle() uint32
	Stride() uint32
	Size() (width, height uint32)
	Release()
}
