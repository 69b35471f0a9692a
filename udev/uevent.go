// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package udev

import (
	"bytes"
	"path"
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Uevent is one kernel object event.
type Uevent struct {
	Action    string
	DevPath   string
	Subsystem string
	DevName   string
	Major     uint32
	Minor     uint32
	SeqNum    uint64
	Env       map[string]string
}

// ParseUevent decodes a kernel uevent datagram:
// "ACTION@DEVPATH\0KEY=VALUE\0...". Messages relayed by udevd carry a
// "libudev" header and are rejected.
func ParseUevent(msg []byte) (*Uevent, error) {
	fields := bytes.Split(msg, []byte{0})
	if len(fields) == 0 || len(fields[0]) == 0 {
		return nil, xerrors.New("empty uevent")
	}
	header := string(fields[0])
	if header == "libudev" {
		return nil, xerrors.New("udevd message, not a kernel uevent")
	}
	at := bytes.IndexByte(fields[0], '@')
	if at <= 0 {
		return nil, xerrors.Errorf("bad uevent header %q", header)
	}

	ev := &Uevent{
		Action:  header[:at],
		DevPath: header[at+1:],
		Env:     make(map[string]string),
	}
	for _, f := range fields[1:] {
		eq := bytes.IndexByte(f, '=')
		if eq <= 0 {
			continue
		}
		ev.Env[string(f[:eq])] = string(f[eq+1:])
	}

	if action, ok := ev.Env["ACTION"]; ok && action != ev.Action {
		return nil, xerrors.Errorf("uevent action mismatch %q/%q", ev.Action, action)
	}
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevName = ev.Env["DEVNAME"]
	if v, ok := ev.Env["MAJOR"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, xerrors.Errorf("bad MAJOR %q: %w", v, err)
		}
		ev.Major = uint32(n)
	}
	if v, ok := ev.Env["MINOR"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, xerrors.Errorf("bad MINOR %q: %w", v, err)
		}
		ev.Minor = uint32(n)
	}
	if v, ok := ev.Env["SEQNUM"]; ok {
		ev.SeqNum, _ = strconv.ParseUint(v, 10, 64)
	}
	return ev, nil
}

// IsCard reports a drm primary node event.
func (ev *Uevent) IsCard() bool {
	return ev.Subsystem == "drm" && ev.DevName != "" && IsCardName(path.Base(ev.DevName))
}

func (ev *Uevent) DeviceID() uint64 {
	return unix.Mkdev(ev.Major, ev.Minor)
}

// Node is the /dev path of the device.
func (ev *Uevent) Node() string {
	return path.Join("/dev", ev.DevName)
}

// Hotplug reports a connector change event (HOTPLUG=1).
func (ev *Uevent) Hotplug() bool {
	return ev.Env["HOTPLUG"] == "1"
}
