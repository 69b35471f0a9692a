// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package loop is the single-threaded fd reactor the daemon runs on. Device
// fds, netlink sockets and timers are dispatched from one goroutine; other
// goroutines reach it only through Idle.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("dde-output-mux/loop")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

var ErrClosed = xerrors.New("loop: closed")

type Loop struct {
	epfd   int
	wakefd int

	mu      sync.Mutex
	sources map[int]*Source
	idles   []func()
	stopped bool
	closed  bool
}

// Source is a registered fd. The callback runs on the loop goroutine each
// time the fd becomes readable.
type Source struct {
	loop    *Loop
	fd      int
	cb      func()
	removed bool
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, xerrors.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, xerrors.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev)
	if err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, xerrors.Errorf("epoll_ctl wakefd: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		sources: make(map[int]*Source),
	}, nil
}

// Insert watches fd for readability. One source per fd.
func (l *Loop) Insert(fd int, cb func()) (*Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.sources[fd]; ok {
		return nil, xerrors.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if err != nil {
		return nil, xerrors.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	src := &Source{loop: l, fd: fd, cb: cb}
	l.sources[fd] = src
	logger.Debug("insert source fd", fd)
	return src, nil
}

func (s *Source) Fd() int {
	return s.fd
}

// Remove unregisters the source. Calling it again does nothing.
func (s *Source) Remove() {
	l := s.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.removed {
		return
	}
	s.removed = true
	if l.sources[s.fd] == s {
		delete(l.sources, s.fd)
	}
	if l.closed {
		return
	}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		logger.Warningf("epoll_ctl del %d: %v", s.fd, err)
	}
	logger.Debug("remove source fd", s.fd)
}

// Len returns the number of registered sources.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// Idle queues fn to run on the loop goroutine after the current dispatch. It
// is safe to call from any goroutine.
func (l *Loop) Idle(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		logger.Debug("idle callback dropped, loop closed")
		return
	}
	l.idles = append(l.idles, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(l.wakefd, buf[:])
	if err != nil && err != unix.EAGAIN {
		logger.Warning("wake loop:", err)
	}
}

func (l *Loop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakefd, buf[:])
		if err != nil {
			return
		}
	}
}

// Dispatch waits at most timeout for ready fds, runs their callbacks and then
// the queued idle callbacks. A negative timeout blocks.
func (l *Loop) Dispatch(timeout time.Duration) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	msec := -1
	if len(l.idles) > 0 {
		msec = 0
	} else if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	l.mu.Unlock()

	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], msec)
	if err != nil && err != unix.EINTR {
		return xerrors.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		l.mu.Lock()
		src := l.sources[fd]
		l.mu.Unlock()
		if src != nil {
			src.cb()
		}
	}

	l.runIdles()
	return nil
}

func (l *Loop) runIdles() {
	l.mu.Lock()
	idles := l.idles
	l.idles = nil
	l.mu.Unlock()

	for _, fn := range idles {
		fn()
	}
}

// Run dispatches until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = false
	l.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-done:
		}
	}()

	for {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return ctx.Err()
		}
		err := l.Dispatch(-1)
		if err != nil {
			return err
		}
	}
}

func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

// Close releases the epoll instance. Sources still registered are dropped,
// their fds are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for fd, src := range l.sources {
		src.removed = true
		delete(l.sources, fd)
	}
	l.idles = nil
	unix.Close(l.wakefd)
	return unix.Close(l.epfd)
}
