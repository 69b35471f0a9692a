// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
)

type host struct {
	output *Output
	target Target

	mu    sync.Mutex
	fatal error
}

var _ Host = (*host)(nil)

// check turns err into the boolean the client sees. Context loss is left to
// the client to retry, everything else stops the render thread at its next
// park point.
func (h *host) check(op string, err error) bool {
	if err == nil {
		return true
	}
	if egl.IsContextLost(err) {
		logger.Warningf("output %s: %s: context lost", h.output.name, op)
		return false
	}
	logger.Errorf("output %s: %s: %v", h.output.name, op, err)
	h.mu.Lock()
	if h.fatal == nil {
		h.fatal = xerrors.Errorf("%s: %w", op, err)
	}
	h.mu.Unlock()
	return false
}

func (h *host) fatalError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}

func (h *host) MakeCurrent() bool {
	return h.check("make current", h.target.Acquire())
}

// MakeResourceCurrent failing only costs the caller its upload thread, so it
// never stops the render thread.
func (h *host) MakeResourceCurrent() bool {
	err := h.target.AcquireResource()
	if err != nil {
		logger.Warningf("output %s: make resource current: %v", h.output.name, err)
		return false
	}
	return true
}

func (h *host) ClearCurrent() bool {
	return h.check("clear current", h.target.Release())
}

func (h *host) Present() bool {
	err := h.target.Present()
	h.output.opts.Metrics.RecordPresent(h.output.name, err, egl.IsContextLost(err))
	return h.check("present", err)
}

func (h *host) ResolveProc(name string) uintptr {
	addr := h.target.ResolveProc(name)
	if addr == 0 {
		logger.Debugf("output %s: unresolved symbol %s", h.output.name, name)
	}
	return addr
}

func (h *host) FBO() uint32 {
	return 0
}

func (h *host) WakeHostThread() {
	h.output.Wake()
}

func (h *host) RunInBackground(fn func()) {
	if h.output.opts.Pool == nil {
		go fn()
		return
	}
	if !h.output.opts.Pool.Submit(fn) {
		logger.Warningf("output %s: background task dropped, pool closed", h.output.name)
	}
}
