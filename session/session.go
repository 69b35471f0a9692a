// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session opens privileged device nodes on behalf of the daemon and
// tells interested parties when the seat is paused or becomes active again.
package session

import (
	"sync"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("dde-output-mux/session")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Session is the privileged session layer.
type Session interface {
	// Open returns an fd for the device node at path.
	Open(path string, flags int) (int, error)
	Close(fd int) error
	// ChangeVT switches to virtual terminal vt.
	ChangeVT(vt int) error
	IsActive() bool
	Seat() string
	Notifier() *Notifier
}

// DeviceID is a character device number.
type DeviceID struct {
	Major, Minor uint32
}

func DeviceIDFromPath(path string) (DeviceID, error) {
	var st unix.Stat_t
	err := unix.Stat(path, &st)
	if err != nil {
		return DeviceID{}, xerrors.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return DeviceID{}, xerrors.Errorf("%s is not a character device", path)
	}
	return DeviceID{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}, nil
}

// Observer is told about session state changes. A nil device means the
// whole session.
type Observer interface {
	Pause(dev *DeviceID)
	// Activate reports a resumed device. fd is the new descriptor when the
	// session layer handed out a fresh one, -1 otherwise.
	Activate(dev *DeviceID, fd int)
}

type ObserverID int

// Notifier fans session events out to registered observers.
type Notifier struct {
	mu        sync.Mutex
	next      ObserverID
	observers map[ObserverID]Observer
	order     []ObserverID
}

func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[ObserverID]Observer)}
}

func (n *Notifier) Register(o Observer) ObserverID {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.observers[n.next] = o
	n.order = append(n.order, n.next)
	return n.next
}

// Unregister is a no-op for unknown ids.
func (n *Notifier) Unregister(id ObserverID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.observers[id]; !ok {
		return
	}
	delete(n.observers, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.observers)
}

func (n *Notifier) snapshot() []Observer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Observer, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.observers[id])
	}
	return out
}

func (n *Notifier) Pause(dev *DeviceID) {
	for _, o := range n.snapshot() {
		o.Pause(dev)
	}
}

func (n *Notifier) Activate(dev *DeviceID, fd int) {
	for _, o := range n.snapshot() {
		o.Activate(dev, fd)
	}
}
