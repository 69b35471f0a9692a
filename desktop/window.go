// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package desktop

import (
	"encoding/binary"
	"os"
	"sync"

	x "github.com/linuxdeepin/go-x11-client"
	"github.com/linuxdeepin/go-x11-client/util/wm/ewmh"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
)

// Window is a top-level X window used as an EGL native window. The X server
// resizes the drawable itself, so the surface never needs recreation.
type Window struct {
	xid         x.Window
	atomDelete  x.Atom
	onKey       func(code uint32, pressed bool)
	onResize    func(w, h uint32)
	onClose     func()
	mu          sync.Mutex
	width       uint32
	height      uint32
	closeOnce   sync.Once
	closeNotify bool
}

var _ egl.NativeWindow = (*Window)(nil)

func createWindow(conn *x.Conn, cfg Config) (*Window, error) {
	xid, err := conn.AllocID()
	if err != nil {
		return nil, err
	}
	wid := x.Window(xid)

	screen := conn.GetDefaultScreen()
	err = x.CreateWindowChecked(conn, screen.RootDepth, wid, screen.Root,
		0, 0, uint16(cfg.Width), uint16(cfg.Height), 0,
		x.WindowClassInputOutput, screen.RootVisual,
		x.CWBackPixel|x.CWEventMask, []uint32{
			screen.BlackPixel,
			x.EventMaskKeyPress | x.EventMaskKeyRelease | x.EventMaskStructureNotify |
				x.EventMaskFocusChange,
		}).Check(conn)
	if err != nil {
		return nil, xerrors.Errorf("create window: %w", err)
	}

	w := &Window{
		xid:      wid,
		onKey:    cfg.OnKey,
		onResize: cfg.OnResize,
		onClose:  cfg.OnClose,
		width:    uint32(cfg.Width),
		height:   uint32(cfg.Height),
	}

	err = w.setProperties(conn, cfg.Title)
	if err != nil {
		x.DestroyWindow(conn, wid)
		return nil, err
	}

	err = x.MapWindowChecked(conn, wid).Check(conn)
	if err != nil {
		x.DestroyWindow(conn, wid)
		return nil, xerrors.Errorf("map window: %w", err)
	}
	logger.Debugf("window 0x%x %dx%d", uint32(wid), cfg.Width, cfg.Height)
	return w, nil
}

func (w *Window) setProperties(conn *x.Conn, title string) error {
	err := ewmh.SetWMNameChecked(conn, w.xid, title).Check(conn)
	if err != nil {
		return xerrors.Errorf("set title: %w", err)
	}
	err = ewmh.SetWMPidChecked(conn, w.xid, uint32(os.Getpid())).Check(conn)
	if err != nil {
		return xerrors.Errorf("set pid: %w", err)
	}

	atomProtocols, err := conn.GetAtom("WM_PROTOCOLS")
	if err != nil {
		return err
	}
	w.atomDelete, err = conn.GetAtom("WM_DELETE_WINDOW")
	if err != nil {
		return err
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(w.atomDelete))
	return x.ChangePropertyChecked(conn, x.PropModeReplace, w.xid,
		atomProtocols, x.AtomAtom, 32, data).Check(conn)
}

func (w *Window) XID() x.Window {
	return w.xid
}

func (w *Window) Ptr() uintptr {
	return uintptr(w.xid)
}

func (w *Window) SwapBuffers() error {
	return nil
}

func (w *Window) NeedsRecreation() bool {
	return false
}

func (w *Window) Recreate() error {
	return nil
}

// Size is the last size reported by the X server.
func (w *Window) Size() (uint32, uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

func (w *Window) handleEvent(ev x.GenericEvent) {
	switch ev.GetEventCode() {
	case x.KeyPressEventCode:
		event, err := x.NewKeyPressEvent(ev)
		if err != nil || event.Event != w.xid {
			return
		}
		w.key(uint32(event.Detail), true)

	case x.KeyReleaseEventCode:
		event, err := x.NewKeyReleaseEvent(ev)
		if err != nil || event.Event != w.xid {
			return
		}
		w.key(uint32(event.Detail), false)

	case x.ConfigureNotifyEventCode:
		event, err := x.NewConfigureNotifyEvent(ev)
		if err != nil || event.Window != w.xid {
			return
		}
		w.resize(uint32(event.Width), uint32(event.Height))

	case x.ClientMessageEventCode:
		event, err := x.NewClientMessageEvent(ev)
		if err != nil || event.Window != w.xid || event.Format != 32 {
			return
		}
		data := event.Data.GetData32()
		if len(data) > 0 && x.Atom(data[0]) == w.atomDelete {
			w.close()
		}

	case x.DestroyNotifyEventCode:
		event, err := x.NewDestroyNotifyEvent(ev)
		if err != nil || event.Window != w.xid {
			return
		}
		w.close()
	}
}

func (w *Window) key(keycode uint32, pressed bool) {
	// X keycodes are evdev codes plus 8
	if keycode < 8 || w.onKey == nil {
		return
	}
	w.onKey(keycode-8, pressed)
}

func (w *Window) resize(width, height uint32) {
	w.mu.Lock()
	changed := width != w.width || height != w.height
	w.width, w.height = width, height
	w.mu.Unlock()
	if !changed {
		return
	}
	logger.Debugf("window 0x%x resized to %dx%d", uint32(w.xid), width, height)
	if w.onResize != nil {
		w.onResize(width, height)
	}
}

func (w *Window) close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closeNotify = true
		w.mu.Unlock()
		logger.Info("window closed")
		if w.onClose != nil {
			w.onClose()
		}
	})
}

// Closed reports whether the window was closed by the user or the server.
func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeNotify
}
