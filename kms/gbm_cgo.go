// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux && gbm

package kms

/*
#cgo pkg-config: gbm
#include <gbm.h>
*/
import "C"

import (
	"unsafe"

	"golang.org/x/xerrors"
)

type gbmDevice struct {
	dev *C.struct_gbm_device
}

// NewAllocator creates a gbm device on the card fd.
func NewAllocator(fd int) (Allocator, error) {
	dev := C.gbm_create_device(C.int(fd))
	if dev == nil {
		return nil, xerrors.Errorf("gbm_create_device on fd %d failed", fd)
	}
	return &gbmDevice{dev: dev}, nil
}

func (d *gbmDevice) Ptr() uintptr {
	return uintptr(unsafe.Pointer(d.dev))
}

func (d *gbmDevice) CreateSurface(width, height, format, flags uint32) (BufferSurface, error) {
	s := C.gbm_surface_create(d.dev, C.uint32_t(width), C.uint32_t(height), C.uint32_t(format), C.uint32_t(flags))
	if s == nil {
		return nil, xerrors.Errorf("gbm_surface_create %dx%d failed", width, height)
	}
	return &gbmSurface{s: s}, nil
}

func (d *gbmDevice) Close() {
	if d.dev != nil {
		C.gbm_device_destroy(d.dev)
		d.dev = nil
	}
}

type gbmSurface struct {
	s *C.struct_gbm_surface
}

func (s *gbmSurface) Ptr() uintptr {
	return uintptr(unsafe.Pointer(s.s))
}

func (s *gbmSurface) LockFrontBuffer() (Buffer, error) {
	bo := C.gbm_surface_lock_front_buffer(s.s)
	if bo == nil {
		return nil, xerrors.New("gbm_surface_lock_front_buffer failed")
	}
	return &gbmBuffer{surface: s.s, bo: bo}, nil
}

func (s *gbmSurface) Destroy() {
	if s.s != nil {
		C.gbm_surface_destroy(s.s)
		s.s = nil
	}
}

type gbmBuffer struct {
	surface *C.struct_gbm_surface
	bo      *C.struct_gbm_bo
}

func (b *gbmBuffer) Handle() uint32 {
	h := C.gbm_bo_get_handle(b.bo)
	return *(*uint32)(unsafe.Pointer(&h))
}

func (b *gbmBuffer) Stride() uint32 {
	return uint32(C.gbm_bo_get_stride(b.bo))
}

func (b *gbmBuffer) Size() (uint32, uint32) {
	return uint32(C.gbm_bo_get_width(b.bo)), uint32(C.gbm_bo_get_height(b.bo))
}

func (b *gbmBuffer) Release() {
	if b.bo != nil {
		C.gbm_surface_release_buffer(b.surface, b.bo)
		b.bo = nil
	}
}
