// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package drm

import (
	"bytes"
	"fmt"
)

// ModeInfo mirrors struct drm_mode_modeinfo.
type ModeInfo struct {
	Clock                                         uint32
	Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
	Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16
	Vrefresh                                      uint32
	Flags                                         uint32
	Type                                          uint32
	Name                                          [32]byte
}

const (
	ModeTypePreferred = 1 << 3
	ModeTypeDriver    = 1 << 6
)

func (m *ModeInfo) Preferred() bool {
	return m.Type&ModeTypePreferred != 0
}

func (m *ModeInfo) Size() (w, h uint16) {
	return m.Hdisplay, m.Vdisplay
}

func (m *ModeInfo) String() string {
	name := m.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return fmt.Sprintf("%dx%d@%d", m.Hdisplay, m.Vdisplay, m.Vrefresh)
	}
	return fmt.Sprintf("%s@%d", name, m.Vrefresh)
}

type Connection uint32

const (
	Connected         Connection = 1
	Disconnected      Connection = 2
	UnknownConnection Connection = 3
)

func (c Connection) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ConnectorType uint32

var connectorTypeNames = [...]string{
	"Unknown",
	"VGA",
	"DVI-I",
	"DVI-D",
	"DVI-A",
	"Composite",
	"SVIDEO",
	"LVDS",
	"Component",
	"DIN",
	"DP",
	"HDMI-A",
	"HDMI-B",
	"TV",
	"eDP",
	"Virtual",
	"DSI",
	"DPI",
	"Writeback",
	"SPI",
	"USB",
}

func (t ConnectorType) String() string {
	if int(t) < len(connectorTypeNames) {
		return connectorTypeNames[t]
	}
	return fmt.Sprintf("Unknown%d", uint32(t))
}

type Connector struct {
	ID         uint32
	EncoderID  uint32
	Type       ConnectorType
	TypeID     uint32
	Connection Connection
	MmWidth    uint32
	MmHeight   uint32
	Subpixel   uint32
	Modes      []ModeInfo
	Encoders   []uint32
}

// Name follows the kernel's naming, e.g. "HDMI-A-1".
func (c *Connector) Name() string {
	return fmt.Sprintf("%s-%d", c.Type, c.TypeID)
}

// PreferredMode is the mode flagged preferred, else the first one listed.
func (c *Connector) PreferredMode() (*ModeInfo, bool) {
	if len(c.Modes) == 0 {
		return nil, false
	}
	for i := range c.Modes {
		if c.Modes[i].Preferred() {
			return &c.Modes[i], true
		}
	}
	return &c.Modes[0], true
}

type Encoder struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// CanDrive reports whether the encoder may feed the CRTC at index in the
// card's CRTC list.
func (e *Encoder) CanDrive(index int) bool {
	return index >= 0 && index < 32 && e.PossibleCrtcs&(1<<uint(index)) != 0
}
