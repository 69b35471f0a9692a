// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package kms

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/egl"
)

const flipTimeout = 100 * time.Millisecond

// ModeSetter is the part of a card a CRTC window drives.
type ModeSetter interface {
	AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error)
	RmFB(id uint32) error
	SetCrtc(crtcID, fbID uint32, x, y uint32, connectors []uint32, mode *drm.ModeInfo) error
	PageFlip(crtcID, fbID uint32, flags uint32, userData uint64) error
}

type scanoutBuffer struct {
	buf  Buffer
	fbID uint32
}

// CrtcWindow is the native window of a CRTC: a gbm surface whose front
// buffers are scanned out through mode setting and page flips.
type CrtcWindow struct {
	card      ModeSetter
	alloc     Allocator
	crtc      uint32
	connector uint32

	mu        sync.Mutex
	mode      drm.ModeInfo
	surface   BufferSurface
	modeSet   bool
	resized   bool
	paused    bool
	current   *scanoutBuffer
	pending   *scanoutBuffer
	flipDone  chan struct{}
	destroyed bool
}

var _ egl.NativeWindow = (*CrtcWindow)(nil)

func NewCrtcWindow(card ModeSetter, alloc Allocator, crtc, connector uint32, mode drm.ModeInfo) (*CrtcWindow, error) {
	w := &CrtcWindow{
		card:      card,
		alloc:     alloc,
		crtc:      crtc,
		connector: connector,
		mode:      mode,
		flipDone:  make(chan struct{}, 1),
	}
	err := w.allocate()
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (w *CrtcWindow) allocate() error {
	width, height := w.mode.Size()
	s, err := w.alloc.CreateSurface(uint32(width), uint32(height), FormatXRGB8888, UseScanout|UseRendering)
	if err != nil {
		return xerrors.Errorf("crtc %d: %w", w.crtc, err)
	}
	w.surface = s
	return nil
}

func (w *CrtcWindow) Ptr() uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.surface == nil {
		return 0
	}
	return w.surface.Ptr()
}

func (w *CrtcWindow) Crtc() uint32 {
	return w.crtc
}

func (w *CrtcWindow) Size() (uint32, uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	width, height := w.mode.Size()
	return uint32(width), uint32(height)
}

// SetMode switches to a new mode at the next present.
func (w *CrtcWindow) SetMode(mode drm.ModeInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if mode.Hdisplay == w.mode.Hdisplay && mode.Vdisplay == w.mode.Vdisplay && mode.Vrefresh == w.mode.Vrefresh {
		return
	}
	w.mode = mode
	w.resized = true
	w.modeSet = false
}

// SwapBuffers scans out the buffer EGL just rendered. The first frame sets
// the mode; later ones queue a page flip and wait for the previous one.
// Without DRM master the frame is dropped.
func (w *CrtcWindow) SwapBuffers() error {
	if err := w.waitFlip(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.surface == nil {
		return xerrors.Errorf("crtc %d: no buffer surface", w.crtc)
	}
	buf, err := w.surface.LockFrontBuffer()
	if err != nil {
		return xerrors.Errorf("crtc %d: %w", w.crtc, err)
	}
	if w.paused {
		buf.Release()
		return nil
	}
	bw, bh := buf.Size()
	fbID, err := w.card.AddFB(bw, bh, 24, 32, buf.Stride(), buf.Handle())
	if err != nil {
		buf.Release()
		return xerrors.Errorf("crtc %d: %w", w.crtc, err)
	}
	next := &scanoutBuffer{buf: buf, fbID: fbID}

	if !w.modeSet {
		mode := w.mode
		err = w.card.SetCrtc(w.crtc, fbID, 0, 0, []uint32{w.connector}, &mode)
		if err != nil {
			w.releaseBuffer(next)
			return w.dropIfRevoked(err)
		}
		logger.Debugf("crtc %d: mode set %s", w.crtc, mode.String())
		w.modeSet = true
		w.releaseBuffer(w.current)
		w.current = next
		return nil
	}

	err = w.card.PageFlip(w.crtc, fbID, drm.PageFlipEvent, uint64(w.crtc))
	if err != nil {
		w.releaseBuffer(next)
		return w.dropIfRevoked(err)
	}
	w.pending = next
	return nil
}

func (w *CrtcWindow) waitFlip() error {
	w.mu.Lock()
	pending := w.pending != nil
	w.mu.Unlock()
	if !pending {
		return nil
	}
	timer := time.NewTimer(flipTimeout)
	defer timer.Stop()
	select {
	case <-w.flipDone:
		return nil
	case <-timer.C:
		// The event may have been lost across a VT switch. Drop the
		// pending buffer and set the mode again.
		logger.Warningf("crtc %d: page flip timed out", w.crtc)
		w.mu.Lock()
		w.releaseBuffer(w.pending)
		w.pending = nil
		w.modeSet = false
		w.mu.Unlock()
		return nil
	}
}

// FlipComplete is called from the event loop when the kernel reports the
// queued page flip done. The previous scanout buffer is released.
func (w *CrtcWindow) FlipComplete() {
	w.mu.Lock()
	if w.pending == nil {
		w.mu.Unlock()
		return
	}
	w.releaseBuffer(w.current)
	w.current = w.pending
	w.pending = nil
	w.mu.Unlock()

	select {
	case w.flipDone <- struct{}{}:
	default:
	}
}

// dropIfRevoked turns a mode setting failure caused by lost DRM master into
// a dropped frame. Master may be revoked before Pause reaches the window.
func (w *CrtcWindow) dropIfRevoked(err error) error {
	if xerrors.Is(err, unix.EACCES) || xerrors.Is(err, unix.EPERM) {
		logger.Debugf("crtc %d: frame dropped: %v", w.crtc, err)
		w.modeSet = false
		return nil
	}
	return err
}

// Pause makes SwapBuffers drop frames until Resume. Pending flips are
// forgotten.
func (w *CrtcWindow) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	w.reset()
}

// Resume sets the mode again on the next frame.
func (w *CrtcWindow) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.reset()
}

func (w *CrtcWindow) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

func (w *CrtcWindow) reset() {
	w.modeSet = false
	if w.pending != nil {
		w.releaseBuffer(w.pending)
		w.pending = nil
	}
}

func (w *CrtcWindow) releaseBuffer(b *scanoutBuffer) {
	if b == nil {
		return
	}
	err := w.card.RmFB(b.fbID)
	if err != nil {
		logger.Debug(err)
	}
	b.buf.Release()
}

func (w *CrtcWindow) NeedsRecreation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resized || w.surface == nil
}

// Recreate reallocates the buffer surface at the current mode size.
func (w *CrtcWindow) Recreate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return xerrors.Errorf("crtc %d: window destroyed", w.crtc)
	}
	w.dropBuffers()
	if w.surface != nil {
		w.surface.Destroy()
		w.surface = nil
	}
	err := w.allocate()
	if err != nil {
		return err
	}
	w.resized = false
	w.modeSet = false
	return nil
}

func (w *CrtcWindow) dropBuffers() {
	w.releaseBuffer(w.pending)
	w.pending = nil
	w.releaseBuffer(w.current)
	w.current = nil
}

// Destroy disables the CRTC and frees every buffer.
func (w *CrtcWindow) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.destroyed = true
	if w.modeSet {
		err := w.card.SetCrtc(w.crtc, 0, 0, 0, nil, nil)
		if err != nil {
			logger.Warning(err)
		}
	}
	w.dropBuffers()
	if w.surface != nil {
		w.surface.Destroy()
		w.surface = nil
	}
}
