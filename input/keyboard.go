// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package input turns raw key codes into key events for render clients.
package input

import (
	"fmt"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("dde-output-mux/input")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// evdev key codes
const (
	KeyLeftCtrl   = 29
	KeyLeftShift  = 42
	KeyRightShift = 54
	KeyLeftAlt    = 56
	KeyCapsLock   = 58
	KeyF1         = 59
	KeyF10        = 68
	KeyNumLock    = 69
	KeyScrollLock = 70
	KeyF11        = 87
	KeyF12        = 88
	KeyRightCtrl  = 97
	KeyRightAlt   = 100
	KeyLeftMeta   = 125
	KeyRightMeta  = 126
)

// X11 key codes are evdev codes shifted by this.
const X11KeycodeOffset = 8

type Modifiers uint32

const (
	ModShift Modifiers = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
	ModCapsLock
	ModNumLock
)

func (m Modifiers) Has(mod Modifiers) bool {
	return m&mod == mod
}

func (m Modifiers) String() string {
	names := []string{"shift", "ctrl", "alt", "meta", "caps", "num"}
	var s string
	for i, name := range names {
		if m&(1<<uint(i)) == 0 {
			continue
		}
		if s != "" {
			s += "+"
		}
		s += name
	}
	if s == "" {
		return "none"
	}
	return s
}

type KeyEvent struct {
	// Code is the evdev key code.
	Code      uint32
	Pressed   bool
	Repeat    bool
	Modifiers Modifiers
}

// ScanCode is Code in the X11 numbering.
func (ev KeyEvent) ScanCode() uint32 {
	return ev.Code + X11KeycodeOffset
}

func (ev KeyEvent) String() string {
	state := "up"
	if ev.Pressed {
		state = "down"
		if ev.Repeat {
			state = "repeat"
		}
	}
	return fmt.Sprintf("key %d %s [%v]", ev.Code, state, ev.Modifiers)
}

// KeySink consumes decoded key events. Render clients that implement it get
// events on their render thread.
type KeySink interface {
	KeyEvent(ev KeyEvent)
}

// VTSwitcher is the part of the session layer the keyboard needs.
type VTSwitcher interface {
	ChangeVT(vt int) error
}

type Options struct {
	RepeatDelay time.Duration
	RepeatRate  time.Duration
	// VTSwitch enables Ctrl+Alt+F<n>.
	VTSwitch bool
}

func DefaultOptions() Options {
	return Options{
		RepeatDelay: 1000 * time.Millisecond,
		RepeatRate:  50 * time.Millisecond,
		VTSwitch:    true,
	}
}

// Keyboard tracks modifier state, repeats held keys and handles VT switch
// chords. It may be used from any goroutine.
type Keyboard struct {
	opts    Options
	vt      VTSwitcher
	sink    KeySink
	mu      sync.Mutex
	pressed map[uint32]bool
	locks   Modifiers
	// swallowed keys are released without reaching the sink
	swallowed map[uint32]bool
	repeat    *repeatState
}

type repeatState struct {
	code  uint32
	timer *time.Timer
}

// NewKeyboard returns a keyboard delivering to sink. vt may be nil.
func NewKeyboard(opts Options, vt VTSwitcher, sink KeySink) *Keyboard {
	return &Keyboard{
		opts:      opts,
		vt:        vt,
		sink:      sink,
		pressed:   make(map[uint32]bool),
		swallowed: make(map[uint32]bool),
	}
}

// SetOptions applies new repeat settings. A running repeat is stopped.
func (k *Keyboard) SetOptions(opts Options) {
	k.mu.Lock()
	k.opts = opts
	k.stopRepeatLocked()
	k.mu.Unlock()
}

func isModifier(code uint32) bool {
	switch code {
	case KeyLeftCtrl, KeyRightCtrl, KeyLeftAlt, KeyRightAlt, KeyLeftShift, KeyRightShift,
		KeyLeftMeta, KeyRightMeta, KeyCapsLock, KeyNumLock, KeyScrollLock:
		return true
	}
	return false
}

// vtForKey maps F1..F12 to 1..12.
func vtForKey(code uint32) int {
	switch {
	case code >= KeyF1 && code <= KeyF10:
		return int(code-KeyF1) + 1
	case code == KeyF11:
		return 11
	case code == KeyF12:
		return 12
	}
	return 0
}

func (k *Keyboard) modifiersLocked() Modifiers {
	m := k.locks
	if k.pressed[KeyLeftShift] || k.pressed[KeyRightShift] {
		m |= ModShift
	}
	if k.pressed[KeyLeftCtrl] || k.pressed[KeyRightCtrl] {
		m |= ModCtrl
	}
	if k.pressed[KeyLeftAlt] || k.pressed[KeyRightAlt] {
		m |= ModAlt
	}
	if k.pressed[KeyLeftMeta] || k.pressed[KeyRightMeta] {
		m |= ModMeta
	}
	return m
}

// Modifiers is the current modifier state.
func (k *Keyboard) Modifiers() Modifiers {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.modifiersLocked()
}

// Key feeds one raw key transition.
func (k *Keyboard) Key(code uint32, pressed bool) {
	k.mu.Lock()
	if pressed {
		if k.pressed[code] {
			// autorepeat from the source; the keyboard repeats on its own
			k.mu.Unlock()
			return
		}
		k.pressed[code] = true
		switch code {
		case KeyCapsLock:
			k.locks ^= ModCapsLock
		case KeyNumLock:
			k.locks ^= ModNumLock
		}
	} else {
		if !k.pressed[code] {
			k.mu.Unlock()
			return
		}
		delete(k.pressed, code)
	}
	mods := k.modifiersLocked()

	if !pressed && k.swallowed[code] {
		delete(k.swallowed, code)
		k.mu.Unlock()
		return
	}

	if pressed && k.opts.VTSwitch && mods.Has(ModCtrl|ModAlt) {
		if vt := vtForKey(code); vt > 0 {
			k.swallowed[code] = true
			k.stopRepeatLocked()
			k.mu.Unlock()
			k.switchVT(vt)
			return
		}
	}

	if pressed {
		if isModifier(code) {
			k.stopRepeatLocked()
		} else {
			k.startRepeatLocked(code)
		}
	} else if k.repeat != nil && k.repeat.code == code {
		k.stopRepeatLocked()
	}
	k.deliverLocked(KeyEvent{Code: code, Pressed: pressed, Modifiers: mods})
	k.mu.Unlock()
}

func (k *Keyboard) switchVT(vt int) {
	logger.Infof("vt switch: %d", vt)
	if k.vt == nil {
		return
	}
	err := k.vt.ChangeVT(vt)
	if err != nil {
		logger.Warning(err)
	}
}

// deliverLocked keeps events ordered. The sink must not call back into the
// keyboard.
func (k *Keyboard) deliverLocked(ev KeyEvent) {
	logger.Debug(ev)
	if k.sink != nil {
		k.sink.KeyEvent(ev)
	}
}

func (k *Keyboard) startRepeatLocked(code uint32) {
	k.stopRepeatLocked()
	if k.opts.RepeatDelay <= 0 || k.opts.RepeatRate <= 0 {
		return
	}
	r := &repeatState{code: code}
	r.timer = time.AfterFunc(k.opts.RepeatDelay, func() { k.fire(r) })
	k.repeat = r
}

func (k *Keyboard) fire(r *repeatState) {
	k.mu.Lock()
	if k.repeat != r {
		k.mu.Unlock()
		return
	}
	r.timer.Reset(k.opts.RepeatRate)
	k.deliverLocked(KeyEvent{Code: r.code, Pressed: true, Repeat: true, Modifiers: k.modifiersLocked()})
	k.mu.Unlock()
}

func (k *Keyboard) stopRepeatLocked() {
	if k.repeat == nil {
		return
	}
	k.repeat.timer.Stop()
	k.repeat = nil
}

// Stop cancels any repeat and forgets held keys, e.g. when the session is
// paused and releases will never arrive.
func (k *Keyboard) Stop() {
	k.mu.Lock()
	k.stopRepeatLocked()
	k.pressed = make(map[uint32]bool)
	k.swallowed = make(map[uint32]bool)
	k.mu.Unlock()
}
