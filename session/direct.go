// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	vtActivate   = 0x5606
	vtWaitActive = 0x5607
)

var _ Session = (*Direct)(nil)

// Direct opens devices itself. It needs root or the right group membership
// and does not follow VT switches made by others.
type Direct struct {
	seat     string
	ttyPath  string
	notifier *Notifier
}

func NewDirect(seat string) *Direct {
	return &Direct{
		seat:     seat,
		ttyPath:  "/dev/tty0",
		notifier: NewNotifier(),
	}
}

func (d *Direct) Open(path string, flags int) (int, error) {
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return -1, xerrors.Errorf("open %s: %w", path, err)
	}
	logger.Debugf("opened %s as fd %d", path, fd)
	return fd, nil
}

func (d *Direct) Close(fd int) error {
	return unix.Close(fd)
}

func (d *Direct) ChangeVT(vt int) error {
	if vt <= 0 {
		return xerrors.Errorf("invalid vt %d", vt)
	}
	tty, err := unix.Open(d.ttyPath, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0)
	if err != nil {
		return xerrors.Errorf("open %s: %w", d.ttyPath, err)
	}
	defer unix.Close(tty)

	err = unix.IoctlSetInt(tty, vtActivate, vt)
	if err != nil {
		return xerrors.Errorf("VT_ACTIVATE %d: %w", vt, err)
	}
	err = unix.IoctlSetInt(tty, vtWaitActive, vt)
	if err != nil {
		return xerrors.Errorf("VT_WAITACTIVE %d: %w", vt, err)
	}
	return nil
}

func (d *Direct) IsActive() bool {
	return true
}

func (d *Direct) Seat() string {
	return d.seat
}

func (d *Direct) Notifier() *Notifier {
	return d.notifier
}
