// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"

	"github.com/linuxdeepin/go-lib/log"

	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/loop"
	"github.com/linuxdeepin/dde-output-mux/output"
)

var logger = log.NewLogger("dde-output-mux/discovery")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Device is an opened GPU.
type Device interface {
	Fd() int
	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.Connector, error)
	Encoder(id uint32) (*drm.Encoder, error)
	// TargetFactory builds the render target of crtc driving connector.
	TargetFactory(name string, crtc, connector uint32, mode drm.ModeInfo) output.TargetFactory
	// DispatchEvents handles readable device events and returns the CRTCs
	// whose page flip completed.
	DispatchEvents() ([]uint32, error)
	Pause() error
	Activate() error
	Close() error
}

// DeviceFactory wraps an fd opened through the session. The fd stays owned
// by the manager.
type DeviceFactory func(fd int, path string) (Device, error)

// OutputFactory spawns the output of an accepted CRTC.
type OutputFactory func(factory output.TargetFactory, opts output.Options) (*output.Output, error)

// Candidate is one viable connector/encoder/CRTC combination.
type Candidate struct {
	DevicePath string
	Connector  *drm.Connector
	Encoder    *drm.Encoder
	Crtc       uint32
	CrtcIndex  int
	// Mode starts as the connector's preferred mode; ConfigureOutput may
	// replace it.
	Mode drm.ModeInfo
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s crtc %d (%s)", c.Connector.Name(), c.Crtc, c.Mode.String())
}

// Policy decides which GPUs and CRTCs are used.
type Policy interface {
	ShouldUseGPU(path string) bool
	// ConfigureOutput returns the options of the output to spawn on the
	// candidate, or false to try the next CRTC.
	ConfigureOutput(c *Candidate) (output.Options, bool)
}

type Listener interface {
	// NoOutputs is called when the last tracked device went away.
	NoOutputs()
}

// Reactor is the event loop the manager lives on.
type Reactor interface {
	Insert(fd int, cb func()) (*loop.Source, error)
	Idle(fn func())
}

var _ Reactor = (*loop.Loop)(nil)

// State of a tracked device.
type State int

const (
	Unopened State = iota
	Opened
	Scanned
	Active
	Revoked
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "Unopened"
	case Opened:
		return "Opened"
	case Scanned:
		return "Scanned"
	case Active:
		return "Active"
	case Revoked:
		return "Revoked"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AcceptAll uses every GPU and every CRTC with default options.
type AcceptAll struct{}

func (AcceptAll) ShouldUseGPU(string) bool {
	return true
}

func (AcceptAll) ConfigureOutput(c *Candidate) (output.Options, bool) {
	opts := output.DefaultOptions()
	opts.Name = c.Connector.Name()
	return opts, true
}
