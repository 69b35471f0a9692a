// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	pause bool
	dev   *DeviceID
	fd    int
}

type recorder struct {
	name   string
	events *[]string
	got    []event
}

func (r *recorder) Pause(dev *DeviceID) {
	*r.events = append(*r.events, r.name)
	r.got = append(r.got, event{pause: true, dev: dev})
}

func (r *recorder) Activate(dev *DeviceID, fd int) {
	*r.events = append(*r.events, r.name)
	r.got = append(r.got, event{dev: dev, fd: fd})
}

func TestNotifier(t *testing.T) {
	var order []string
	n := NewNotifier()
	a := &recorder{name: "a", events: &order}
	b := &recorder{name: "b", events: &order}
	idA := n.Register(a)
	idB := n.Register(b)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, n.Len())

	n.Pause(nil)
	assert.Equal(t, []string{"a", "b"}, order)

	n.Unregister(idA)
	n.Unregister(idA)
	assert.Equal(t, 1, n.Len())

	n.Activate(&DeviceID{Major: 226, Minor: 0}, 9)
	assert.Len(t, a.got, 1)
	require.Len(t, b.got, 2)
	assert.Equal(t, &DeviceID{Major: 226, Minor: 0}, b.got[1].dev)
	assert.Equal(t, 9, b.got[1].fd)
}

func TestDeviceIDFromPath(t *testing.T) {
	id, err := DeviceIDFromPath("/dev/null")
	require.NoError(t, err)
	assert.Equal(t, DeviceID{Major: 1, Minor: 3}, id)

	_, err = DeviceIDFromPath("/")
	assert.Error(t, err)
	_, err = DeviceIDFromPath("/nonexistent/card0")
	assert.Error(t, err)
}

func TestEscapePathElement(t *testing.T) {
	assert.Equal(t, "_32", escapePathElement("2"))
	assert.Equal(t, "c1", escapePathElement("c1"))
	assert.Equal(t, "_", escapePathElement(""))
	assert.Equal(t, "a_2db", escapePathElement("a-b"))
}

type fakeObject struct {
	dbus.BusObject
	path  dbus.ObjectPath
	calls []string
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.calls = append(o.calls, method)
	return &dbus.Call{Method: method, Args: args}
}

func (o *fakeObject) Path() dbus.ObjectPath {
	return o.path
}

func newTestLogind() (*Logind, *fakeObject, *recorder) {
	obj := &fakeObject{path: "/org/freedesktop/login1/session/_32"}
	l := &Logind{
		session:  obj,
		notifier: NewNotifier(),
		devices:  make(map[int]DeviceID),
	}
	var order []string
	rec := &recorder{name: "r", events: &order}
	l.notifier.Register(rec)
	return l, obj, rec
}

func TestLogindPauseDevice(t *testing.T) {
	l, obj, rec := newTestLogind()

	l.handleSignal(&dbus.Signal{
		Path: obj.path,
		Name: login1SessionIFC + ".PauseDevice",
		Body: []interface{}{uint32(226), uint32(1), "pause"},
	})
	require.Len(t, rec.got, 1)
	assert.True(t, rec.got[0].pause)
	assert.Equal(t, &DeviceID{Major: 226, Minor: 1}, rec.got[0].dev)
	assert.Equal(t, []string{login1SessionIFC + ".PauseDeviceComplete"}, obj.calls)

	l.handleSignal(&dbus.Signal{
		Path: obj.path,
		Name: login1SessionIFC + ".PauseDevice",
		Body: []interface{}{uint32(226), uint32(1), "gone"},
	})
	assert.Len(t, rec.got, 2)
	assert.Len(t, obj.calls, 1)
}

func TestLogindResumeDevice(t *testing.T) {
	l, obj, rec := newTestLogind()
	l.devices[5] = DeviceID{Major: 226, Minor: 0}

	l.handleSignal(&dbus.Signal{
		Path: obj.path,
		Name: login1SessionIFC + ".ResumeDevice",
		Body: []interface{}{uint32(226), uint32(0), dbus.UnixFD(11)},
	})
	require.Len(t, rec.got, 1)
	assert.False(t, rec.got[0].pause)
	assert.Equal(t, 11, rec.got[0].fd)
	assert.Equal(t, map[int]DeviceID{11: {Major: 226, Minor: 0}}, l.devices)
}

func TestLogindActiveChanged(t *testing.T) {
	l, obj, rec := newTestLogind()
	l.active = true

	l.handleSignal(&dbus.Signal{
		Path: obj.path,
		Name: dbusPropsIFC + ".PropertiesChanged",
		Body: []interface{}{login1SessionIFC, map[string]dbus.Variant{"Active": dbus.MakeVariant(false)}, []string{}},
	})
	assert.False(t, l.IsActive())
	require.Len(t, rec.got, 1)
	assert.True(t, rec.got[0].pause)
	assert.Nil(t, rec.got[0].dev)

	l.handleSignal(&dbus.Signal{
		Path: "/org/freedesktop/login1/session/other",
		Name: dbusPropsIFC + ".PropertiesChanged",
		Body: []interface{}{login1SessionIFC, map[string]dbus.Variant{"Active": dbus.MakeVariant(true)}, []string{}},
	})
	assert.False(t, l.IsActive())
}

func TestDirect(t *testing.T) {
	d := NewDirect("seat0")
	assert.Equal(t, "seat0", d.Seat())
	assert.True(t, d.IsActive())
	assert.Error(t, d.ChangeVT(0))

	fd, err := d.Open("/dev/null", 0)
	require.NoError(t, err)
	assert.NoError(t, d.Close(fd))
}
