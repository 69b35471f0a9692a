// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package desktop

import (
	"encoding/binary"
	"testing"

	x "github.com/linuxdeepin/go-x11-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testXID    x.Window = 0x2a00001
	testDelete x.Atom   = 300
)

type keyRecord struct {
	code    uint32
	pressed bool
}

type windowRecorder struct {
	keys   []keyRecord
	sizes  [][2]uint32
	closes int
}

func newTestWindow(r *windowRecorder) *Window {
	return &Window{
		xid:        testXID,
		atomDelete: testDelete,
		onKey:      func(code uint32, pressed bool) { r.keys = append(r.keys, keyRecord{code, pressed}) },
		onResize:   func(w, h uint32) { r.sizes = append(r.sizes, [2]uint32{w, h}) },
		onClose:    func() { r.closes++ },
		width:      853,
		height:     533,
	}
}

func rawEvent(code uint8) []byte {
	b := make([]byte, 32)
	b[0] = code
	return b
}

func keyEvent(code uint8, keycode uint8, win x.Window) x.GenericEvent {
	b := rawEvent(code)
	b[1] = keycode
	binary.LittleEndian.PutUint32(b[12:], uint32(win))
	return x.GenericEvent(b)
}

func configureEvent(win x.Window, w, h uint16) x.GenericEvent {
	b := rawEvent(x.ConfigureNotifyEventCode)
	binary.LittleEndian.PutUint32(b[4:], uint32(win))
	binary.LittleEndian.PutUint32(b[8:], uint32(win))
	binary.LittleEndian.PutUint16(b[20:], w)
	binary.LittleEndian.PutUint16(b[22:], h)
	return x.GenericEvent(b)
}

func deleteEvent(win x.Window, atom x.Atom) x.GenericEvent {
	b := rawEvent(x.ClientMessageEventCode)
	b[1] = 32
	binary.LittleEndian.PutUint32(b[4:], uint32(win))
	binary.LittleEndian.PutUint32(b[12:], uint32(atom))
	return x.GenericEvent(b)
}

func TestNativeWindow(t *testing.T) {
	w := newTestWindow(&windowRecorder{})
	assert.Equal(t, uintptr(testXID), w.Ptr())
	assert.Equal(t, testXID, w.XID())
	assert.NoError(t, w.SwapBuffers())
	assert.False(t, w.NeedsRecreation())
	assert.NoError(t, w.Recreate())
	width, height := w.Size()
	assert.Equal(t, uint32(853), width)
	assert.Equal(t, uint32(533), height)
}

func TestKeyEvents(t *testing.T) {
	r := &windowRecorder{}
	w := newTestWindow(r)

	// keycode 38 is evdev 30 (A)
	w.handleEvent(keyEvent(x.KeyPressEventCode, 38, testXID))
	w.handleEvent(keyEvent(x.KeyReleaseEventCode, 38, testXID))
	w.handleEvent(keyEvent(x.KeyPressEventCode, 38, testXID+1))
	w.handleEvent(keyEvent(x.KeyPressEventCode, 3, testXID))

	assert.Equal(t, []keyRecord{{30, true}, {30, false}}, r.keys)
}

func TestConfigureEvents(t *testing.T) {
	r := &windowRecorder{}
	w := newTestWindow(r)

	w.handleEvent(configureEvent(testXID, 853, 533))
	w.handleEvent(configureEvent(testXID, 1280, 800))
	w.handleEvent(configureEvent(testXID+1, 10, 10))

	require.Len(t, r.sizes, 1)
	assert.Equal(t, [2]uint32{1280, 800}, r.sizes[0])
	width, height := w.Size()
	assert.Equal(t, uint32(1280), width)
	assert.Equal(t, uint32(800), height)
}

func TestDeleteWindow(t *testing.T) {
	r := &windowRecorder{}
	w := newTestWindow(r)

	w.handleEvent(deleteEvent(testXID, testDelete+1))
	assert.False(t, w.Closed())

	w.handleEvent(deleteEvent(testXID, testDelete))
	w.handleEvent(deleteEvent(testXID, testDelete))
	assert.True(t, w.Closed())
	assert.Equal(t, 1, r.closes)
}
