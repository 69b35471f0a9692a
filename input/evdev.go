// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package input

import (
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/loop"
)

// struct input_event
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

const inputEventSize = int(unsafe.Sizeof(inputEvent{}))

const (
	evKey = 0x01
	// codes from BTN_MISC up are buttons, not keys
	btnMisc = 0x100

	keyReleased = 0
	keyPressed  = 1
)

// Opener opens device nodes, e.g. a session.Session.
type Opener interface {
	Open(path string, flags int) (int, error)
	Close(fd int) error
}

type Reactor interface {
	Insert(fd int, cb func()) (*loop.Source, error)
}

// Evdev reads key events from /dev/input/event* nodes and feeds a
// Keyboard. It lives on the reactor goroutine.
type Evdev struct {
	opener   Opener
	reactor  Reactor
	keyboard *Keyboard
	devices  map[string]*evdevDevice
}

type evdevDevice struct {
	path string
	fd   int
	src  *loop.Source
}

func NewEvdev(opener Opener, reactor Reactor, keyboard *Keyboard) *Evdev {
	return &Evdev{
		opener:   opener,
		reactor:  reactor,
		keyboard: keyboard,
		devices:  make(map[string]*evdevDevice),
	}
}

// AddAll opens every event node in dir and returns how many were added.
func (e *Evdev) AddAll(dir string) int {
	paths, _ := filepath.Glob(filepath.Join(dir, "event*"))
	sort.Strings(paths)
	n := 0
	for _, path := range paths {
		err := e.Add(path)
		if err != nil {
			logger.Debug(err)
			continue
		}
		n++
	}
	logger.Infof("reading keys from %d input devices", n)
	return n
}

func (e *Evdev) Add(path string) error {
	if _, ok := e.devices[path]; ok {
		return nil
	}
	fd, err := e.opener.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY)
	if err != nil {
		return xerrors.Errorf("open %s: %w", path, err)
	}
	d := &evdevDevice{path: path, fd: fd}
	d.src, err = e.reactor.Insert(fd, func() { e.read(d) })
	if err != nil {
		e.opener.Close(fd)
		return xerrors.Errorf("watch %s: %w", path, err)
	}
	e.devices[path] = d
	return nil
}

func (e *Evdev) Remove(path string) {
	d, ok := e.devices[path]
	if !ok {
		return
	}
	delete(e.devices, path)
	if d.src != nil {
		d.src.Remove()
	}
	err := e.opener.Close(d.fd)
	if err != nil {
		logger.Debugf("close %s: %v", path, err)
	}
}

func (e *Evdev) Len() int {
	return len(e.devices)
}

func (e *Evdev) Close() {
	for path := range e.devices {
		e.Remove(path)
	}
}

func (e *Evdev) read(d *evdevDevice) {
	buf := make([]byte, 64*inputEventSize)
	for {
		n, err := unix.Read(d.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil || n == 0 {
			// ENODEV once the device is unplugged or revoked
			logger.Debugf("%s gone: %v", d.path, err)
			e.Remove(d.path)
			return
		}
		e.handle(buf[:n])
	}
}

func (e *Evdev) handle(buf []byte) {
	for i := 0; i+inputEventSize <= len(buf); i += inputEventSize {
		ev := (*inputEvent)(unsafe.Pointer(&buf[i]))
		if ev.Type != evKey || ev.Code >= btnMisc {
			continue
		}
		switch ev.Value {
		case keyPressed:
			e.keyboard.Key(uint32(ev.Code), true)
		case keyReleased:
			e.keyboard.Key(uint32(ev.Code), false)
		}
	}
}
