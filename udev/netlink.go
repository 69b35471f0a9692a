// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package udev

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const kernelGroup = 1

// NetlinkWatcher reads kernel uevents from a NETLINK_KOBJECT_UEVENT socket.
// Its fd is meant to be inserted into the reactor with Dispatch as callback.
type NetlinkWatcher struct {
	fd      int
	handler Handler
	// devices maps the ids announced to the handler to their node.
	devices map[uint64]string
	buf     []byte
}

func NewNetlinkWatcher(handler Handler) (*NetlinkWatcher, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, xerrors.Errorf("netlink socket: %w", err)
	}
	err = unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup})
	if err != nil {
		unix.Close(fd)
		return nil, xerrors.Errorf("netlink bind: %w", err)
	}
	return newNetlinkWatcher(fd, handler), nil
}

func newNetlinkWatcher(fd int, handler Handler) *NetlinkWatcher {
	return &NetlinkWatcher{
		fd:      fd,
		handler: handler,
		devices: make(map[uint64]string),
		buf:     make([]byte, 8192),
	}
}

func (w *NetlinkWatcher) Fd() int {
	return w.fd
}

// Enumerate announces the cards already present.
func (w *NetlinkWatcher) Enumerate(sysRoot, devRoot string) error {
	cards, err := EnumerateCards(sysRoot, devRoot)
	if err != nil {
		return err
	}
	for _, card := range cards {
		if _, ok := w.devices[card.ID]; ok {
			continue
		}
		w.devices[card.ID] = card.DevPath
		logger.Info("found card", card.DevPath)
		w.handler.DeviceAdded(card.ID, card.DevPath)
	}
	return nil
}

// Dispatch drains queued datagrams.
func (w *NetlinkWatcher) Dispatch() {
	for {
		n, _, err := unix.Recvfrom(w.fd, w.buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				logger.Warning("netlink recv:", err)
			}
			return
		}
		ev, err := ParseUevent(w.buf[:n])
		if err != nil {
			logger.Debug(err)
			continue
		}
		w.handle(ev)
	}
}

func (w *NetlinkWatcher) handle(ev *Uevent) {
	if !ev.IsCard() {
		return
	}
	id := ev.DeviceID()
	logger.Debugf("uevent %s %s (%d:%d) seq %d", ev.Action, ev.DevName, ev.Major, ev.Minor, ev.SeqNum)

	switch ev.Action {
	case "add":
		if _, ok := w.devices[id]; ok {
			return
		}
		w.devices[id] = ev.Node()
		w.handler.DeviceAdded(id, ev.Node())
	case "change":
		if _, ok := w.devices[id]; !ok {
			return
		}
		w.handler.DeviceChanged(id)
	case "remove":
		if _, ok := w.devices[id]; !ok {
			return
		}
		delete(w.devices, id)
		w.handler.DeviceRemoved(id)
	}
}

func (w *NetlinkWatcher) Close() error {
	return unix.Close(w.fd)
}
