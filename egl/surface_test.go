// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package egl_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/egl/egltest"
)

func newSurface(t *testing.T) (*egltest.Driver, *egltest.Window, *egl.Surface) {
	drv := egltest.New()
	ctx := newContext(t, drv)
	win := egltest.NewWindow(0x77)
	s, err := ctx.CreateSurface(win)
	require.NoError(t, err)
	return drv, win, s
}

func TestCreateSurfaceBadWindow(t *testing.T) {
	drv := egltest.New()
	ctx := newContext(t, drv)
	_, err := ctx.CreateSurface(egltest.NewWindow(0))
	assert.Equal(t, egl.ErrBadNativeWindow, err)
	assert.Zero(t, drv.LiveSurfaces())
}

func TestPresentSwapsBothSides(t *testing.T) {
	drv, win, s := newSurface(t)
	require.NoError(t, s.Present())
	require.NoError(t, s.Present())
	assert.Equal(t, 2, drv.Surface(s.Handle()).Swaps)
	assert.Equal(t, 2, win.Swaps)
	assert.Zero(t, win.Recreations)
}

func TestPresentRecreatesOnce(t *testing.T) {
	drv, win, s := newSurface(t)
	old := s.Handle()
	oldRec := drv.Surface(old)

	win.RequestRecreation()
	require.NoError(t, s.Present())

	assert.Equal(t, 1, win.Recreations)
	assert.NotEqual(t, old, s.Handle())
	assert.True(t, oldRec.Destroyed)
	newRec := drv.Surface(s.Handle())
	assert.Equal(t, oldRec.Config, newRec.Config)
	assert.Equal(t, oldRec.Attribs, newRec.Attribs)
	assert.Equal(t, 1, drv.LiveSurfaces())

	require.NoError(t, s.Present())
	assert.Equal(t, 1, win.Recreations)
}

func TestRecreateKeepsBinding(t *testing.T) {
	drv, win, s := newSurface(t)
	require.NoError(t, s.MakeCurrent())
	win.RequestRecreation()
	require.NoError(t, s.Present())
	assert.Equal(t, s.Handle(), drv.CurrentSurface())
	assert.True(t, s.IsCurrent())
}

func TestPresentAfterFailedRecreation(t *testing.T) {
	drv, win, s := newSurface(t)
	win.RequestRecreation()
	drv.FailSurfaces = 1

	require.NoError(t, s.Present())
	assert.Equal(t, egl.NoSurface, s.Handle())

	swapsBefore := win.Swaps
	require.NoError(t, s.Present())
	assert.NotEqual(t, egl.NoSurface, s.Handle())
	assert.Equal(t, 2, win.Recreations)
	assert.Equal(t, swapsBefore, win.Swaps)
}

func TestRepeatedRecreationFailure(t *testing.T) {
	drv, win, s := newSurface(t)
	win.RequestRecreation()
	drv.FailSurfaces = 2

	require.NoError(t, s.Present())
	err := s.Present()
	assert.True(t, xerrors.Is(err, egl.ErrSurfaceLost))
}

func TestNativeRecreateFailure(t *testing.T) {
	_, win, s := newSurface(t)
	win.RequestRecreation()
	win.RecreateErr = errors.New("gbm surface allocation failed")

	require.NoError(t, s.Present())
	assert.True(t, xerrors.Is(s.Present(), egl.ErrSurfaceLost))
}

func TestSwapFailureClassification(t *testing.T) {
	drv, _, s := newSurface(t)

	drv.SwapError = egl.ContextLost
	err := s.Present()
	assert.True(t, egl.IsContextLost(err))

	drv.SwapError = egl.BadSurface
	err = s.Present()
	assert.False(t, egl.IsContextLost(err))
	var derr *egl.DriverError
	require.True(t, xerrors.As(err, &derr))
	assert.Equal(t, egl.BadSurface, derr.Code)
	assert.Equal(t, "eglSwapBuffers", derr.Op)

	assert.NoError(t, s.Present())
}

func TestNativeSwapFailure(t *testing.T) {
	_, win, s := newSurface(t)
	win.SwapErr = errors.New("page flip rejected")
	err := s.Present()
	assert.Error(t, err)
	assert.False(t, egl.IsContextLost(err))
}

func TestSurfaceDestroy(t *testing.T) {
	drv, _, s := newSurface(t)
	h := s.Handle()
	require.NoError(t, s.MakeCurrent())

	s.Destroy()
	s.Destroy()
	assert.True(t, drv.Surface(h).Destroyed)
	assert.Equal(t, egl.NoContext, drv.GetCurrentContext())
	assert.Equal(t, egl.ErrDestroyed, s.Present())
	assert.Equal(t, egl.ErrDestroyed, s.MakeCurrent())
}
