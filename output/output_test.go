// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
)

type fakeTarget struct {
	mu          sync.Mutex
	presentErr  error
	resourceErr error
	presents    int
	acquires    int
	releases    int
	resources   int
	destroyed   int
	w, h        uint32
}

func (t *fakeTarget) Present() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presents++
	err := t.presentErr
	return err
}

func (t *fakeTarget) Acquire() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acquires++
	return nil
}

func (t *fakeTarget) AcquireResource() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources++
	return t.resourceErr
}

func (t *fakeTarget) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releases++
	return nil
}

func (t *fakeTarget) ResolveProc(name string) uintptr {
	if name == "glClear" {
		return 0x1234
	}
	return 0
}

func (t *fakeTarget) FramebufferSize() (uint32, uint32) {
	return t.w, t.h
}

func (t *fakeTarget) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destroyed++
}

func (t *fakeTarget) setPresentErr(err error) {
	t.mu.Lock()
	t.presentErr = err
	t.mu.Unlock()
}

func (t *fakeTarget) counts() (presents, destroyed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.presents, t.destroyed
}

type fakeClient struct {
	host       Host
	runErr     error
	tick       func(h Host)
	ticks      int32
	presented  int32
	shutdowns  int32
	mu         sync.Mutex
	metrics    []WindowMetrics
	lastResult bool
}

func (c *fakeClient) Run() error {
	return c.runErr
}

func (c *fakeClient) SendWindowMetrics(m WindowMetrics) error {
	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) ExecutePlatformTasks() time.Duration {
	atomic.AddInt32(&c.ticks, 1)
	if c.tick != nil {
		c.tick(c.host)
	}
	return -1
}

func (c *fakeClient) Shutdown() {
	atomic.AddInt32(&c.shutdowns, 1)
}

func presentingClient(c *fakeClient) func(h Host) {
	return func(h Host) {
		ok := h.MakeCurrent() && h.Present()
		c.mu.Lock()
		c.lastResult = ok
		c.mu.Unlock()
		if ok {
			atomic.AddInt32(&c.presented, 1)
		}
		h.ClearCurrent()
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Name = "test-1"
	opts.ParkTimeout = time.Millisecond
	return opts
}

func start(t *testing.T, target *fakeTarget, client *fakeClient, opts Options) *Output {
	o, err := New(func() (Target, error) {
		return target, nil
	}, func(h Host) (Client, error) {
		client.host = h
		return client, nil
	}, opts)
	require.NoError(t, err)
	return o
}

func TestStartAndClose(t *testing.T) {
	target := &fakeTarget{w: 1920, h: 1080}
	client := &fakeClient{}
	client.tick = presentingClient(client)

	exited := make(chan error, 1)
	opts := testOptions()
	opts.OnExit = func(o *Output, err error) {
		exited <- err
	}
	o := start(t, target, client, opts)

	assert.True(t, o.Alive())
	w, h := o.Size()
	assert.Equal(t, uint32(1920), w)
	assert.Equal(t, uint32(1080), h)
	client.mu.Lock()
	assert.Equal(t, []WindowMetrics{{Width: 1920, Height: 1080, PixelRatio: 1}}, client.metrics)
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&client.presented) >= 3
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, o.Close())
	assert.False(t, o.Alive())
	assert.NoError(t, o.Err())
	_, destroyed := target.counts()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.shutdowns))
	assert.NoError(t, <-exited)

	require.NoError(t, o.Close())
}

func TestPixelRatio(t *testing.T) {
	target := &fakeTarget{w: 853, h: 533}
	client := &fakeClient{}
	opts := testOptions()
	opts.PixelRatioBase = 533
	o := start(t, target, client, opts)
	defer o.Close()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.metrics, 1)
	assert.Equal(t, 1.0, client.metrics[0].PixelRatio)
}

func TestTargetFactoryFailure(t *testing.T) {
	called := false
	opts := testOptions()
	opts.OnExit = func(*Output, error) { called = true }
	_, err := New(func() (Target, error) {
		return nil, egl.ErrNoConfig
	}, func(h Host) (Client, error) {
		t.Fatal("client created without a target")
		return nil, nil
	}, opts)
	assert.True(t, xerrors.Is(err, egl.ErrNoConfig))
	assert.False(t, called)
}

func TestClientRunFailure(t *testing.T) {
	target := &fakeTarget{}
	runErr := errors.New("engine refused to start")
	_, err := New(func() (Target, error) {
		return target, nil
	}, func(h Host) (Client, error) {
		return &fakeClient{runErr: runErr}, nil
	}, testOptions())
	assert.True(t, xerrors.Is(err, runErr))

	require.Eventually(t, func() bool {
		_, destroyed := target.counts()
		return destroyed == 1
	}, time.Second, time.Millisecond)
}

func TestStartupTimeout(t *testing.T) {
	release := make(chan struct{})
	target := &fakeTarget{}
	exitCalled := int32(0)

	opts := testOptions()
	opts.StartupTimeout = 20 * time.Millisecond
	opts.OnExit = func(*Output, error) { atomic.StoreInt32(&exitCalled, 1) }
	_, err := New(func() (Target, error) {
		<-release
		return target, nil
	}, func(h Host) (Client, error) {
		return &fakeClient{}, nil
	}, opts)
	assert.True(t, xerrors.Is(err, ErrStartupTimeout))

	close(release)
	require.Eventually(t, func() bool {
		_, destroyed := target.counts()
		return destroyed == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&exitCalled))
}

func TestContextLostIsRecoverable(t *testing.T) {
	target := &fakeTarget{presentErr: egl.ErrContextLost}
	client := &fakeClient{}
	client.tick = presentingClient(client)
	o := start(t, target, client, testOptions())
	defer o.Close()

	require.Eventually(t, func() bool {
		presents, _ := target.counts()
		return presents >= 3
	}, 2*time.Second, time.Millisecond)
	assert.True(t, o.Alive())
	assert.Zero(t, atomic.LoadInt32(&client.presented))

	target.setPresentErr(nil)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&client.presented) > 0
	}, 2*time.Second, time.Millisecond)
}

func TestFatalPresentEndsThread(t *testing.T) {
	target := &fakeTarget{}
	client := &fakeClient{}
	client.tick = presentingClient(client)

	exited := make(chan error, 1)
	opts := testOptions()
	opts.OnExit = func(o *Output, err error) { exited <- err }
	o := start(t, target, client, opts)

	derr := &egl.DriverError{Op: "eglSwapBuffers", Code: egl.BadSurface}
	target.setPresentErr(derr)

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("render thread kept running")
	}
	var got *egl.DriverError
	assert.True(t, xerrors.As(o.Err(), &got))
	assert.Error(t, <-exited)
	_, destroyed := target.counts()
	assert.Equal(t, 1, destroyed)
}

func TestPanicEndsThread(t *testing.T) {
	target := &fakeTarget{}
	client := &fakeClient{}
	var n int32
	client.tick = func(Host) {
		if atomic.AddInt32(&n, 1) == 3 {
			panic("boom")
		}
	}
	o := start(t, target, client, testOptions())

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("render thread kept running")
	}
	assert.True(t, xerrors.Is(o.Err(), ErrPanic))
	_, destroyed := target.counts()
	assert.Equal(t, 1, destroyed)
}

func TestHostCallbacks(t *testing.T) {
	target := &fakeTarget{}
	client := &fakeClient{}
	pool := NewPool(2)
	defer pool.Close()
	opts := testOptions()
	opts.Pool = pool
	opts.ParkTimeout = time.Hour
	o := start(t, target, client, opts)
	defer o.Close()

	h := client.host
	assert.Equal(t, uint32(0), h.FBO())
	assert.Equal(t, uintptr(0x1234), h.ResolveProc("glClear"))
	assert.Equal(t, uintptr(0), h.ResolveProc("glMissing"))
	assert.True(t, h.MakeResourceCurrent())

	done := make(chan struct{})
	h.RunInBackground(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task did not run")
	}

	before := atomic.LoadInt32(&client.ticks)
	for i := 0; i < 5; i++ {
		h.WakeHostThread()
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&client.ticks) > before
	}, time.Second, time.Millisecond)
}

func TestResourceFailureKeepsRendering(t *testing.T) {
	target := &fakeTarget{resourceErr: egl.ErrResourceBusy}
	client := &fakeClient{}
	client.tick = presentingClient(client)
	o := start(t, target, client, testOptions())
	defer o.Close()

	assert.False(t, client.host.MakeResourceCurrent())
	before, _ := target.counts()
	require.Eventually(t, func() bool {
		presents, _ := target.counts()
		return presents > before+2
	}, time.Second, time.Millisecond)
	assert.True(t, o.Alive())
	assert.NoError(t, o.Close())
}

func TestPostRunsOnRenderThread(t *testing.T) {
	target := &fakeTarget{}
	client := &fakeClient{}
	opts := testOptions()
	opts.ParkTimeout = time.Hour
	o := start(t, target, client, opts)
	defer o.Close()

	got := make(chan Client, 1)
	o.Post(func(c Client) { got <- c })
	select {
	case c := <-got:
		assert.Same(t, client, c)
	case <-time.After(time.Second):
		t.Fatal("posted task did not run")
	}
}

func TestResize(t *testing.T) {
	target := &fakeTarget{w: 853, h: 533}
	client := &fakeClient{}
	opts := testOptions()
	opts.PixelRatioBase = 400
	o := start(t, target, client, opts)
	defer o.Close()

	o.Resize(1600, 800)
	w, h := o.Size()
	assert.Equal(t, uint32(1600), w)
	assert.Equal(t, uint32(800), h)

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.metrics) == 2
	}, time.Second, time.Millisecond)
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, WindowMetrics{Width: 1600, Height: 800, PixelRatio: 2}, client.metrics[1])
}
