// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kms

import (
	"sync"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
)

var logger = log.NewLogger("dde-output-mux/kms")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Card is the subset of *drm.Card a device uses.
type Card interface {
	ModeSetter
	Fd() int
	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.Connector, error)
	Encoder(id uint32) (*drm.Encoder, error)
	Crtc(id uint32) (*drm.Crtc, error)
	ReadEvents() ([]drm.VblankEvent, error)
	SetMaster() error
	DropMaster() error
}

var _ Card = (*drm.Card)(nil)

type DeviceConfig struct {
	Driver       egl.Driver
	Requirements egl.PixelFormatRequirements
	Metrics      *metrics.Metrics
	// NewAllocator defaults to the gbm allocator.
	NewAllocator func(fd int) (Allocator, error)
}

// Device is one opened GPU: the card, its gbm device and the EGL display
// created on top of it. Render contexts of all its CRTCs share one group.
type Device struct {
	card    Card
	alloc   Allocator
	display *egl.Display
	group   *egl.ShareGroup
	metrics *metrics.Metrics

	mu      sync.Mutex
	windows map[uint32]*CrtcWindow
	paused  bool
	closed  bool
}

// NewDevice builds the device on an open card. The card's fd stays owned by
// the caller, which closes it after Close.
func NewDevice(card Card, cfg DeviceConfig) (*Device, error) {
	newAlloc := cfg.NewAllocator
	if newAlloc == nil {
		newAlloc = NewAllocator
	}
	alloc, err := newAlloc(card.Fd())
	if err != nil {
		return nil, xerrors.Errorf("gbm: %w", err)
	}
	dpy, err := egl.OpenDisplay(cfg.Driver, alloc.Ptr())
	if err != nil {
		alloc.Close()
		return nil, xerrors.Errorf("egl display: %w", err)
	}
	return &Device{
		card:    card,
		alloc:   alloc,
		display: dpy,
		group:   egl.NewShareGroup(cfg.Driver, cfg.Requirements),
		metrics: cfg.Metrics,
		windows: make(map[uint32]*CrtcWindow),
	}, nil
}

func (d *Device) Fd() int {
	return d.card.Fd()
}

func (d *Device) Resources() (*drm.Resources, error) {
	return d.card.Resources()
}

func (d *Device) Connector(id uint32) (*drm.Connector, error) {
	return d.card.Connector(id)
}

func (d *Device) Encoder(id uint32) (*drm.Encoder, error) {
	return d.card.Encoder(id)
}

func (d *Device) ShareGroup() *egl.ShareGroup {
	return d.group
}

// CrtcTarget is the render target of one CRTC.
type CrtcTarget struct {
	*output.SurfaceTarget
	window *CrtcWindow
}

func (t *CrtcTarget) Window() *CrtcWindow {
	return t.window
}

// TargetFactory returns the factory the render thread of the output on crtc
// calls to build its target. The window is unregistered when the target is
// destroyed.
func (d *Device) TargetFactory(name string, crtc, connector uint32, mode drm.ModeInfo) output.TargetFactory {
	return func() (output.Target, error) {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return nil, xerrors.Errorf("%s: device closed", name)
		}
		if _, ok := d.windows[crtc]; ok {
			d.mu.Unlock()
			return nil, xerrors.Errorf("%s: crtc %d already has a window", name, crtc)
		}
		d.mu.Unlock()

		win, err := NewCrtcWindow(d.card, d.alloc, crtc, connector, mode)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.windows[crtc] = win
		if d.paused {
			win.Pause()
		}
		d.mu.Unlock()

		st, err := output.NewSurfaceTarget(output.SurfaceTargetConfig{
			Name:    name,
			Group:   d.group,
			Display: d.display.Handle(),
			Native:  win,
			Size:    win.Size,
			Metrics: d.metrics,
			Cleanup: func() { d.releaseWindow(crtc, win) },
		})
		if err != nil {
			d.releaseWindow(crtc, win)
			return nil, err
		}
		return &CrtcTarget{SurfaceTarget: st, window: win}, nil
	}
}

func (d *Device) releaseWindow(crtc uint32, win *CrtcWindow) {
	win.Destroy()
	d.mu.Lock()
	if d.windows[crtc] == win {
		delete(d.windows, crtc)
	}
	d.mu.Unlock()
}

func (d *Device) window(crtc uint32) *CrtcWindow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.windows[crtc]
}

// Windows reports how many CRTCs currently have a window.
func (d *Device) Windows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// DispatchEvents reads the pending kernel events and completes the page
// flips they report. It returns the CRTCs whose flip completed.
func (d *Device) DispatchEvents() ([]uint32, error) {
	events, err := d.card.ReadEvents()
	if err != nil {
		return nil, err
	}
	var crtcs []uint32
	for _, ev := range events {
		if !ev.FlipComplete {
			continue
		}
		crtc := ev.CrtcID
		if crtc == 0 {
			crtc = uint32(ev.UserData)
		}
		win := d.window(crtc)
		if win == nil {
			logger.Debugf("flip on crtc %d without window", crtc)
			continue
		}
		win.FlipComplete()
		crtcs = append(crtcs, crtc)
	}
	return crtcs, nil
}

func (d *Device) eachWindow(fn func(w *CrtcWindow)) {
	d.mu.Lock()
	windows := make([]*CrtcWindow, 0, len(d.windows))
	for _, w := range d.windows {
		windows = append(windows, w)
	}
	d.mu.Unlock()
	for _, w := range windows {
		fn(w)
	}
}

// Pause gives up DRM master. Until Activate every CRTC drops its frames, so
// outputs keep rendering while another session owns the card.
func (d *Device) Pause() error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	d.eachWindow(func(w *CrtcWindow) { w.Pause() })
	err := d.card.DropMaster()
	if err != nil {
		return xerrors.Errorf("drop master: %w", err)
	}
	return nil
}

// Activate takes DRM master back. The next frame of every CRTC sets its
// mode again.
func (d *Device) Activate() error {
	err := d.card.SetMaster()
	if err != nil {
		return xerrors.Errorf("set master: %w", err)
	}
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	d.eachWindow(func(w *CrtcWindow) { w.Resume() })
	return nil
}

func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Close releases the device but not the card. Outputs must have been closed
// before, their windows are destroyed here otherwise.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.eachWindow(func(w *CrtcWindow) {
		logger.Warningf("crtc %d still has a window at close", w.Crtc())
		d.releaseWindow(w.Crtc(), w)
	})
	d.group.Destroy()
	d.display.Terminate()
	d.alloc.Close()
	return nil
}
