// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/egl/egltest"
)

func deadOutput(name string) *Output {
	o := &Output{name: name, done: make(chan struct{})}
	close(o.done)
	return o
}

func liveOutput(name string) *Output {
	return &Output{name: name, done: make(chan struct{})}
}

type RegistrySuite struct {
	suite.Suite
	r *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.r = NewRegistry()
}

func (s *RegistrySuite) TestRegisterGet() {
	a := liveOutput("a")
	h := s.r.Register(a)
	s.False(h.IsZero())

	got, ok := s.r.Get(h)
	s.True(ok)
	s.Same(a, got)

	_, ok = s.r.Get(Handle{})
	s.False(ok)
}

func (s *RegistrySuite) TestStaleHandle() {
	a := liveOutput("a")
	h := s.r.Register(a)
	s.r.Remove(h)
	s.r.Remove(h)

	b := liveOutput("b")
	h2 := s.r.Register(b)
	s.Equal(h.index, h2.index)
	s.NotEqual(h, h2)

	_, ok := s.r.Get(h)
	s.False(ok)
	got, ok := s.r.Get(h2)
	s.True(ok)
	s.Same(b, got)

	s.r.Remove(h)
	s.Equal(1, s.r.Len())
}

func (s *RegistrySuite) TestSweep() {
	live := s.r.Register(liveOutput("live"))
	dead := s.r.Register(deadOutput("dead"))
	s.Equal(2, s.r.Len())

	var names []string
	s.r.Each(func(_ Handle, o *Output) { names = append(names, o.Name()) })
	s.Equal([]string{"live"}, names)

	s.Equal(1, s.r.Dead())
	s.Equal(1, s.r.Sweep())
	s.Equal(0, s.r.Sweep())
	s.Equal(0, s.r.Dead())
	s.Equal(1, s.r.Len())
	_, ok := s.r.Get(dead)
	s.False(ok)
	_, ok = s.r.Get(live)
	s.True(ok)

	o, ok := s.r.Find("live")
	s.True(ok)
	s.Equal("live", o.Name())
	_, ok = s.r.Find("dead")
	s.False(ok)
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func TestPool(t *testing.T) {
	p := NewPool(3)
	var n int32
	for i := 0; i < 100; i++ {
		require.True(t, p.Submit(func() { atomic.AddInt32(&n, 1) }))
	}
	require.True(t, p.Submit(func() { panic("ignored") }))
	p.Close()
	p.Close()
	assert.Equal(t, int32(100), atomic.LoadInt32(&n))
	assert.False(t, p.Submit(func() {}))
}

func TestSurfaceTarget(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	drv := egltest.New()
	dpy, err := egl.OpenDisplay(drv, 0)
	require.NoError(t, err)
	group := egl.NewShareGroup(drv, egl.DefaultPixelFormatRequirements())

	cleaned := 0
	win := egltest.NewWindow(0x99)
	target, err := NewSurfaceTarget(SurfaceTargetConfig{
		Name:    "eDP-1",
		Group:   group,
		Display: dpy.Handle(),
		Native:  win,
		Size:    func() (uint32, uint32) { return 1366, 768 },
		Cleanup: func() { cleaned++ },
	})
	require.NoError(t, err)
	assert.Equal(t, egl.NoContext, drv.GetCurrentContext())

	res, err := group.Resource()
	require.NoError(t, err)
	assert.Equal(t, target.Context().Handle(), drv.Context(res.Handle()).Share)

	w, h := target.FramebufferSize()
	assert.Equal(t, uint32(1366), w)
	assert.Equal(t, uint32(768), h)

	require.NoError(t, target.Acquire())
	win.RequestRecreation()
	require.NoError(t, target.Present())
	assert.Equal(t, 1, win.Recreations)
	require.NoError(t, target.Release())

	require.NoError(t, target.AcquireResource())
	assert.Equal(t, res.Handle(), drv.GetCurrentContext())
	require.NoError(t, target.AcquireResource())
	require.NoError(t, target.Release())
	assert.False(t, group.ReleaseResource())

	second, err := NewSurfaceTarget(SurfaceTargetConfig{
		Name:    "HDMI-A-1",
		Group:   group,
		Display: dpy.Handle(),
		Native:  egltest.NewWindow(0x9a),
	})
	require.NoError(t, err)
	assert.Equal(t, res.Handle(), drv.Context(second.Context().Handle()).Share)

	target.Destroy()
	target.Destroy()
	assert.Equal(t, 1, cleaned)
	assert.True(t, drv.Context(target.Context().Handle()).Destroyed)
	second.Destroy()
	group.Destroy()
	assert.Zero(t, drv.LiveSurfaces())
}

func TestResourceContextOneThreadAtATime(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	drv := egltest.New()
	drv.PerThread = true
	dpy, err := egl.OpenDisplay(drv, 0)
	require.NoError(t, err)
	group := egl.NewShareGroup(drv, egl.DefaultPixelFormatRequirements())
	defer group.Destroy()

	var targets []*SurfaceTarget
	for i, name := range []string{"eDP-1", "HDMI-A-1"} {
		target, err := NewSurfaceTarget(SurfaceTargetConfig{
			Name:    name,
			Group:   group,
			Display: dpy.Handle(),
			Native:  egltest.NewWindow(uintptr(0x90 + i)),
		})
		require.NoError(t, err)
		defer target.Destroy()
		targets = append(targets, target)
	}

	var (
		wg     sync.WaitGroup
		inside int32
		peak   int32
		errs   = make(chan error, 2*len(targets)*5)
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target *SurfaceTarget) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			for i := 0; i < 5; i++ {
				err := target.AcquireResource()
				if err != nil {
					errs <- err
					continue
				}
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				errs <- target.Release()
			}
		}(target)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.Zero(t, drv.BadAccess())
}

func TestResourceContextBusy(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	drv := egltest.New()
	drv.PerThread = true
	dpy, err := egl.OpenDisplay(drv, 0)
	require.NoError(t, err)
	group := egl.NewShareGroup(drv, egl.DefaultPixelFormatRequirements())
	defer group.Destroy()
	target, err := NewSurfaceTarget(SurfaceTargetConfig{
		Name:    "eDP-1",
		Group:   group,
		Display: dpy.Handle(),
		Native:  egltest.NewWindow(0x90),
	})
	require.NoError(t, err)
	defer target.Destroy()

	require.NoError(t, target.AcquireResource())
	defer target.Release()

	done := make(chan error)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- group.MakeResourceCurrent(10 * time.Millisecond)
	}()
	assert.True(t, xerrors.Is(<-done, egl.ErrResourceBusy))
	assert.Zero(t, drv.BadAccess())
}
