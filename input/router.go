// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package input

import (
	"github.com/linuxdeepin/dde-output-mux/output"
	"github.com/linuxdeepin/dde-output-mux/session"
)

// Router hands key events to every live output whose client is a KeySink.
type Router struct {
	Registry *output.Registry
}

var _ KeySink = Router{}

func (r Router) KeyEvent(ev KeyEvent) {
	if r.Registry == nil {
		return
	}
	r.Registry.Each(func(h output.Handle, o *output.Output) {
		o.Post(func(c output.Client) {
			if sink, ok := c.(KeySink); ok {
				sink.KeyEvent(ev)
			}
		})
	})
}

// SessionObserver drops keyboard state while the session is inactive.
type SessionObserver struct {
	Keyboard *Keyboard
}

var _ session.Observer = SessionObserver{}

func (o SessionObserver) Pause(dev *session.DeviceID) {
	if dev != nil {
		return
	}
	logger.Debug("session paused, dropping held keys")
	o.Keyboard.Stop()
}

func (o SessionObserver) Activate(dev *session.DeviceID, fd int) {}
