// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/metrics"
)

var (
	ErrStartupTimeout = xerrors.New("output: render thread did not start in time")
	ErrCloseTimeout   = xerrors.New("output: render thread did not exit in time")
	ErrPanic          = xerrors.New("output: render thread panicked")
)

type Options struct {
	Name string
	// StartupTimeout bounds the handshake; 0 waits forever.
	StartupTimeout time.Duration
	// ParkTimeout is the longest the render thread sleeps between frames.
	ParkTimeout  time.Duration
	CloseTimeout time.Duration
	// PixelRatioBase is the framebuffer height at pixel ratio 1.
	PixelRatioBase float64
	Pool           *Pool
	Metrics        *metrics.Metrics
	// OnExit is called on the render thread when a started output ends.
	OnExit func(o *Output, err error)
}

func DefaultOptions() Options {
	return Options{
		StartupTimeout: 5 * time.Second,
		ParkTimeout:    16 * time.Millisecond,
		CloseTimeout:   2 * time.Second,
		PixelRatioBase: 1080,
	}
}

func (opts *Options) fill() {
	def := DefaultOptions()
	if opts.ParkTimeout <= 0 {
		opts.ParkTimeout = def.ParkTimeout
	}
	if opts.PixelRatioBase <= 0 {
		opts.PixelRatioBase = def.PixelRatioBase
	}
}

// Output is one render thread driving one Target.
type Output struct {
	name string
	opts Options

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	width     uint32
	height    uint32
	tasks     []func(Client)
	err       error
	abandoned bool
}

// New spawns the render thread and waits until the target and client are up.
// Failures before that point are returned here; later ones end the thread and
// are reported through Done, Err and Options.OnExit.
func New(factory TargetFactory, clientFactory ClientFactory, opts Options) (*Output, error) {
	opts.fill()
	o := &Output{
		name: opts.Name,
		opts: opts,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go o.run(factory, clientFactory, ready)

	var timeout <-chan time.Time
	if opts.StartupTimeout > 0 {
		timer := time.NewTimer(opts.StartupTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
	case <-timeout:
		o.mu.Lock()
		o.abandoned = true
		o.mu.Unlock()
		o.signalQuit()
		return nil, xerrors.Errorf("%s: %w", o.name, ErrStartupTimeout)
	}

	logger.Infof("output %s started", o.name)
	o.opts.Metrics.RecordStarted(o.name)
	return o, nil
}

func (o *Output) run(factory TargetFactory, clientFactory ClientFactory, ready chan<- error) {
	// The thread is never unlocked: it dies with the goroutine and takes any
	// EGL binding with it.
	runtime.LockOSThread()
	err := o.serve(factory, clientFactory, ready)
	o.finish(err)
}

func (o *Output) serve(factory TargetFactory, clientFactory ClientFactory, ready chan<- error) (err error) {
	started := false
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("output %s: render thread panicked: %v\n%s", o.name, r, debug.Stack())
			err = xerrors.Errorf("%s: %w: %v", o.name, ErrPanic, r)
		}
		if !started {
			ready <- err
		}
	}()

	target, err := factory()
	if err != nil {
		return xerrors.Errorf("create target for %s: %w", o.name, err)
	}
	defer target.Destroy()

	h := &host{output: o, target: target}
	client, err := clientFactory(h)
	if err != nil {
		return xerrors.Errorf("create client for %s: %w", o.name, err)
	}
	err = client.Run()
	if err != nil {
		return xerrors.Errorf("run client for %s: %w", o.name, err)
	}
	defer client.Shutdown()

	w, ht := target.FramebufferSize()
	o.mu.Lock()
	o.width, o.height = w, ht
	o.mu.Unlock()
	err = client.SendWindowMetrics(o.windowMetrics(w, ht))
	if err != nil {
		return xerrors.Errorf("send window metrics to %s: %w", o.name, err)
	}

	started = true
	ready <- nil
	return o.loop(client, h)
}

func (o *Output) windowMetrics(w, h uint32) WindowMetrics {
	return WindowMetrics{
		Width:      w,
		Height:     h,
		PixelRatio: float64(h) / o.opts.PixelRatioBase,
	}
}

func (o *Output) loop(client Client, h *host) error {
	for {
		o.runTasks(client)
		next := client.ExecutePlatformTasks()
		err := h.fatalError()
		if err != nil {
			return err
		}
		select {
		case <-o.quit:
			logger.Debugf("output %s: quit requested", o.name)
			return nil
		default:
		}
		o.park(next)
	}
}

func (o *Output) park(next time.Duration) {
	timeout := o.opts.ParkTimeout
	if next >= 0 && next < timeout {
		timeout = next
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-o.wake:
	case <-o.quit:
	case <-timer.C:
	}
}

func (o *Output) runTasks(client Client) {
	o.mu.Lock()
	tasks := o.tasks
	o.tasks = nil
	o.mu.Unlock()
	for _, fn := range tasks {
		fn(client)
	}
}

func (o *Output) finish(err error) {
	if err != nil {
		logger.Warningf("output %s exited: %v", o.name, err)
	} else {
		logger.Infof("output %s exited", o.name)
	}

	o.mu.Lock()
	o.err = err
	abandoned := o.abandoned
	o.mu.Unlock()
	close(o.done)

	if abandoned {
		return
	}
	o.opts.Metrics.RecordExited(o.name, err == nil)
	if o.opts.OnExit != nil {
		o.opts.OnExit(o, err)
	}
}

func (o *Output) Name() string {
	return o.name
}

// Size is the framebuffer size reported by the target at startup.
func (o *Output) Size() (w, h uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.width, o.height
}

func (o *Output) Done() <-chan struct{} {
	return o.done
}

// Err is the exit reason once Done is closed; nil for a requested shutdown.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Output) Alive() bool {
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// Wake unparks the render thread. It never blocks.
func (o *Output) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the render thread with the client before its
// next round of tasks.
func (o *Output) Post(fn func(Client)) {
	o.mu.Lock()
	o.tasks = append(o.tasks, fn)
	o.mu.Unlock()
	o.Wake()
}

// Resize records a new framebuffer size and sends the matching window
// metrics to the client on the render thread.
func (o *Output) Resize(w, h uint32) {
	o.mu.Lock()
	o.width, o.height = w, h
	o.mu.Unlock()
	m := o.windowMetrics(w, h)
	o.Post(func(c Client) {
		err := c.SendWindowMetrics(m)
		if err != nil {
			logger.Warningf("output %s: window metrics: %v", o.name, err)
		}
	})
}

func (o *Output) signalQuit() {
	o.quitOnce.Do(func() {
		close(o.quit)
	})
}

// Close asks the render thread to exit at its next park point and waits up
// to CloseTimeout for it. It must not be called from the render thread.
func (o *Output) Close() error {
	o.signalQuit()
	if o.opts.CloseTimeout <= 0 {
		<-o.done
		return o.Err()
	}
	timer := time.NewTimer(o.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-o.done:
		return o.Err()
	case <-timer.C:
		logger.Warningf("output %s did not exit within %v", o.name, o.opts.CloseTimeout)
		return xerrors.Errorf("%s: %w", o.name, ErrCloseTimeout)
	}
}
