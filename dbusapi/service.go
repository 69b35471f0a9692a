// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package dbusapi exports the output state on the session bus.
package dbusapi

import (
	"fmt"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/linuxdeepin/go-lib/dbusutil"
	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/discovery"
	"github.com/linuxdeepin/dde-output-mux/output"
)

var logger = log.NewLogger("dde-output-mux/dbusapi")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const (
	dbusServiceName = "com.deepin.daemon.OutputMux"
	dbusPath        = "/com/deepin/daemon/OutputMux"
	dbusInterface   = dbusServiceName
)

const reactorTimeout = 2 * time.Second

var (
	errNoOutput = xerrors.New("no such output")
	errTimeout  = xerrors.New("daemon did not answer in time")
)

type Config struct {
	Registry *output.Registry
	// Post runs fn on the reactor goroutine.
	Post func(fn func())
	// Rescan and Bindings are called through Post. Either may be nil.
	Rescan   func()
	Bindings func() []discovery.Binding
}

// Manager is the exported object.
type Manager struct {
	cfg     Config
	service *dbusutil.Service

	methods *struct {
		ListOutputs        func() `out:"names"`
		GetFramebufferSize func() `in:"name" out:"width,height"`
		ListBindings       func() `out:"bindings"`
		Rescan             func()
	}
}

func NewManager(cfg Config) *Manager {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Manager{cfg: cfg}
}

func (m *Manager) GetInterfaceName() string {
	return dbusInterface
}

// Start exports m on the session bus and takes the service name.
func Start(m *Manager) (*dbusutil.Service, error) {
	service, err := dbusutil.NewSessionService()
	if err != nil {
		return nil, err
	}
	err = service.Export(dbusPath, m)
	if err != nil {
		return nil, err
	}
	err = service.RequestName(dbusServiceName)
	if err != nil {
		return nil, err
	}
	m.service = service
	logger.Info("exported", dbusServiceName)
	return service, nil
}

func (m *Manager) ListOutputs() ([]string, *dbus.Error) {
	return m.listOutputs(), nil
}

func (m *Manager) listOutputs() []string {
	names := []string{}
	if m.cfg.Registry == nil {
		return names
	}
	m.cfg.Registry.Each(func(h output.Handle, o *output.Output) {
		names = append(names, o.Name())
	})
	sort.Strings(names)
	return names
}

func (m *Manager) GetFramebufferSize(name string) (uint32, uint32, *dbus.Error) {
	w, h, err := m.framebufferSize(name)
	return w, h, dbusutil.ToError(err)
}

func (m *Manager) framebufferSize(name string) (uint32, uint32, error) {
	if m.cfg.Registry == nil {
		return 0, 0, xerrors.Errorf("%s: %w", name, errNoOutput)
	}
	o, ok := m.cfg.Registry.Find(name)
	if !ok {
		return 0, 0, xerrors.Errorf("%s: %w", name, errNoOutput)
	}
	w, h := o.Size()
	return w, h, nil
}

// ListBindings describes each binding as "<device> connector <id> crtc <id> <output>".
func (m *Manager) ListBindings() ([]string, *dbus.Error) {
	result, err := m.listBindings()
	return result, dbusutil.ToError(err)
}

func (m *Manager) listBindings() ([]string, error) {
	result := []string{}
	if m.cfg.Bindings == nil {
		return result, nil
	}
	var bindings []discovery.Binding
	err := m.onReactor(func() { bindings = m.cfg.Bindings() })
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		result = append(result, fmt.Sprintf("%s connector %d crtc %d %s",
			b.Device, b.Connector, b.Crtc, b.Output.Name()))
	}
	return result, nil
}

func (m *Manager) Rescan() *dbus.Error {
	if m.cfg.Rescan == nil {
		return nil
	}
	logger.Debug("rescan requested over D-Bus")
	m.cfg.Post(m.cfg.Rescan)
	return nil
}

// onReactor runs fn through Post and waits for it.
func (m *Manager) onReactor(fn func()) error {
	done := make(chan struct{})
	m.cfg.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-time.After(reactorTimeout):
		return errTimeout
	}
}

// Stop withdraws the object exported by Start.
func Stop(m *Manager) {
	if m.service == nil {
		return
	}
	err := m.service.StopExport(m)
	if err != nil {
		logger.Warning(err)
	}
	m.service = nil
}
