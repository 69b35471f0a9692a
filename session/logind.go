// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	login1Dest       = "org.freedesktop.login1"
	login1Path       = "/org/freedesktop/login1"
	login1SelfPath   = "/org/freedesktop/login1/session/self"
	login1ManagerIFC = login1Dest + ".Manager"
	login1SessionIFC = login1Dest + ".Session"
	login1SeatIFC    = login1Dest + ".Seat"
	dbusPropsIFC     = "org.freedesktop.DBus.Properties"
)

var _ Session = (*Logind)(nil)

// Logind takes devices through systemd-logind, which also revokes them when
// the session goes inactive.
type Logind struct {
	conn     *dbus.Conn
	session  dbus.BusObject
	seatObj  dbus.BusObject
	seat     string
	notifier *Notifier
	// post runs fn on the goroutine that owns the observers.
	post func(fn func())

	mu      sync.Mutex
	active  bool
	devices map[int]DeviceID

	signalCh chan *dbus.Signal
	quit     chan struct{}
}

// NewLogind attaches to the caller's logind session and takes control of it.
// post is used to deliver observer callbacks, typically loop.Loop.Idle.
func NewLogind(post func(fn func())) (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, xerrors.Errorf("connect system bus: %w", err)
	}

	path, err := sessionPath(conn)
	if err != nil {
		return nil, err
	}
	logger.Debug("logind session:", path)

	l := &Logind{
		conn:     conn,
		session:  conn.Object(login1Dest, path),
		notifier: NewNotifier(),
		post:     post,
		devices:  make(map[int]DeviceID),
		signalCh: make(chan *dbus.Signal, 16),
		quit:     make(chan struct{}),
	}

	var seat struct {
		ID   string
		Path dbus.ObjectPath
	}
	err = l.getProperty("Seat", &seat)
	if err != nil {
		return nil, err
	}
	l.seat = seat.ID
	l.seatObj = conn.Object(login1Dest, seat.Path)

	err = l.getProperty("Active", &l.active)
	if err != nil {
		return nil, err
	}

	err = l.session.Call(login1SessionIFC+".TakeControl", 0, false).Err
	if err != nil {
		return nil, xerrors.Errorf("TakeControl: %w", err)
	}

	err = l.listen()
	if err != nil {
		l.session.Call(login1SessionIFC+".ReleaseControl", 0)
		return nil, err
	}
	logger.Infof("logind session on %s, active %v", l.seat, l.active)
	return l, nil
}

func sessionPath(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath
	err := conn.Object(login1Dest, login1Path).Call(login1ManagerIFC+".GetSessionByPID", 0,
		uint32(os.Getpid())).Store(&path)
	if err == nil {
		return path, nil
	}
	logger.Debug("GetSessionByPID failed, using session/self:", err)

	obj := conn.Object(login1Dest, login1SelfPath)
	var id dbus.Variant
	err = obj.Call(dbusPropsIFC+".Get", 0, login1SessionIFC, "Id").Store(&id)
	if err != nil {
		return "", xerrors.Errorf("no logind session for pid %d: %w", os.Getpid(), err)
	}
	return dbus.ObjectPath(login1Path + "/session/" + escapePathElement(fmt.Sprint(id.Value()))), nil
}

// escapePathElement follows sd_bus_path_encode.
func escapePathElement(s string) string {
	if s == "" {
		return "_"
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (c >= '0' && c <= '9' && i > 0)
		if alnum {
			out = append(out, c)
			continue
		}
		out = append(out, fmt.Sprintf("_%02x", c)...)
	}
	return string(out)
}

func (l *Logind) getProperty(name string, v interface{}) error {
	var variant dbus.Variant
	err := l.session.Call(dbusPropsIFC+".Get", 0, login1SessionIFC, name).Store(&variant)
	if err != nil {
		return xerrors.Errorf("get session property %s: %w", name, err)
	}
	err = variant.Store(v)
	if err != nil {
		return xerrors.Errorf("session property %s: %w", name, err)
	}
	return nil
}

func (l *Logind) listen() error {
	path := l.session.Path()
	for _, member := range []string{"PauseDevice", "ResumeDevice"} {
		err := l.conn.BusObject().AddMatchSignal(login1SessionIFC, member,
			dbus.WithMatchObjectPath(path), dbus.WithMatchSender(login1Dest)).Err
		if err != nil {
			return xerrors.Errorf("match %s: %w", member, err)
		}
	}
	err := l.conn.BusObject().AddMatchSignal(dbusPropsIFC, "PropertiesChanged",
		dbus.WithMatchObjectPath(path), dbus.WithMatchSender(login1Dest)).Err
	if err != nil {
		return xerrors.Errorf("match PropertiesChanged: %w", err)
	}

	l.conn.Signal(l.signalCh)
	go func() {
		for {
			select {
			case sig, ok := <-l.signalCh:
				if !ok {
					return
				}
				l.handleSignal(sig)
			case <-l.quit:
				return
			}
		}
	}()
	return nil
}

func (l *Logind) dispatch(fn func()) {
	if l.post == nil {
		fn()
		return
	}
	l.post(fn)
}

func (l *Logind) handleSignal(sig *dbus.Signal) {
	if sig.Path != l.session.Path() {
		return
	}
	switch sig.Name {
	case login1SessionIFC + ".PauseDevice":
		var major, minor uint32
		var typ string
		err := dbus.Store(sig.Body, &major, &minor, &typ)
		if err != nil {
			logger.Warning("bad PauseDevice signal:", err)
			return
		}
		logger.Debugf("pause device %d:%d (%s)", major, minor, typ)
		dev := &DeviceID{Major: major, Minor: minor}
		l.dispatch(func() {
			l.notifier.Pause(dev)
		})
		if typ == "pause" {
			err = l.session.Call(login1SessionIFC+".PauseDeviceComplete", 0, major, minor).Err
			if err != nil {
				logger.Warning("PauseDeviceComplete:", err)
			}
		}

	case login1SessionIFC + ".ResumeDevice":
		var major, minor uint32
		var fd dbus.UnixFD
		err := dbus.Store(sig.Body, &major, &minor, &fd)
		if err != nil {
			logger.Warning("bad ResumeDevice signal:", err)
			return
		}
		logger.Debugf("resume device %d:%d fd %d", major, minor, fd)
		dev := &DeviceID{Major: major, Minor: minor}
		l.mu.Lock()
		for old, id := range l.devices {
			if id == *dev {
				delete(l.devices, old)
			}
		}
		l.devices[int(fd)] = *dev
		l.mu.Unlock()
		l.dispatch(func() {
			l.notifier.Activate(dev, int(fd))
		})

	case dbusPropsIFC + ".PropertiesChanged":
		var iface string
		var changed map[string]dbus.Variant
		var invalidated []string
		err := dbus.Store(sig.Body, &iface, &changed, &invalidated)
		if err != nil || iface != login1SessionIFC {
			return
		}
		v, ok := changed["Active"]
		if !ok {
			return
		}
		active, _ := v.Value().(bool)
		l.mu.Lock()
		l.active = active
		l.mu.Unlock()
		logger.Info("session active:", active)
		l.dispatch(func() {
			if active {
				l.notifier.Activate(nil, -1)
			} else {
				l.notifier.Pause(nil)
			}
		})
	}
}

func (l *Logind) Open(path string, flags int) (int, error) {
	dev, err := DeviceIDFromPath(path)
	if err != nil {
		return -1, err
	}

	var fd dbus.UnixFD
	var inactive bool
	err = l.session.Call(login1SessionIFC+".TakeDevice", 0, dev.Major, dev.Minor).Store(&fd, &inactive)
	if err != nil {
		return -1, xerrors.Errorf("TakeDevice %s: %w", path, err)
	}
	if inactive {
		logger.Debugf("%s taken while paused", path)
	}

	// logind hands out a blocking fd, apply the caller's status flags.
	if flags&unix.O_NONBLOCK != 0 {
		err = unix.SetNonblock(int(fd), true)
		if err != nil {
			logger.Warning("set nonblock:", err)
		}
	}

	l.mu.Lock()
	l.devices[int(fd)] = dev
	l.mu.Unlock()
	return int(fd), nil
}

func (l *Logind) Close(fd int) error {
	l.mu.Lock()
	dev, ok := l.devices[fd]
	delete(l.devices, fd)
	l.mu.Unlock()

	if ok {
		err := l.session.Call(login1SessionIFC+".ReleaseDevice", 0, dev.Major, dev.Minor).Err
		if err != nil {
			logger.Warningf("ReleaseDevice %d:%d: %v", dev.Major, dev.Minor, err)
		}
	}
	return unix.Close(fd)
}

func (l *Logind) ChangeVT(vt int) error {
	err := l.seatObj.Call(login1SeatIFC+".SwitchTo", 0, uint32(vt)).Err
	if err != nil {
		return xerrors.Errorf("SwitchTo %d: %w", vt, err)
	}
	return nil
}

func (l *Logind) IsActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Logind) Seat() string {
	return l.seat
}

func (l *Logind) Notifier() *Notifier {
	return l.notifier
}

// Release gives control of the session back to logind.
func (l *Logind) Release() {
	select {
	case <-l.quit:
		return
	default:
	}
	close(l.quit)
	l.conn.RemoveSignal(l.signalCh)
	err := l.session.Call(login1SessionIFC+".ReleaseControl", 0).Err
	if err != nil {
		logger.Warning("ReleaseControl:", err)
	}
}
