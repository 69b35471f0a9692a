// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrContextLost is the only recoverable runtime error: the caller may
	// reacquire a context and retry.
	ErrContextLost = xerrors.New("egl: context lost")

	ErrNoCurrentContext = xerrors.New("egl: no context is current on this thread")
	ErrNoConfig         = xerrors.New("egl: no matching pixel format configuration")
	ErrBadNativeWindow  = xerrors.New("egl: invalid native window handle")
	ErrSurfaceLost      = xerrors.New("egl: surface could not be recreated")
	ErrNotSupported     = xerrors.New("egl: not supported")
	ErrDestroyed        = xerrors.New("egl: object already destroyed")
)

// DriverError reports a failed entry point together with the eglGetError
// code. The driver gives no actionable detail, so it is never retried.
type DriverError struct {
	Op   string
	Code int32
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s failed (eglGetError returned 0x%x)", e.Op, e.Code)
}

func IsContextLost(err error) bool {
	return xerrors.Is(err, ErrContextLost)
}

// checkError turns the pending eglGetError code into an error, keeping
// context loss distinguishable from everything else.
func checkError(drv Driver, op string) error {
	code := drv.GetError()
	if code == ContextLost {
		return ErrContextLost
	}
	return &DriverError{Op: op, Code: code}
}
