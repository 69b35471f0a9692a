// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"runtime"

	"github.com/linuxdeepin/go-lib/dbusutil"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/client"
	"github.com/linuxdeepin/dde-output-mux/config"
	"github.com/linuxdeepin/dde-output-mux/dbusapi"
	"github.com/linuxdeepin/dde-output-mux/desktop"
	"github.com/linuxdeepin/dde-output-mux/discovery"
	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/egl"
	"github.com/linuxdeepin/dde-output-mux/input"
	"github.com/linuxdeepin/dde-output-mux/kms"
	"github.com/linuxdeepin/dde-output-mux/loop"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
	"github.com/linuxdeepin/dde-output-mux/session"
	"github.com/linuxdeepin/dde-output-mux/udev"
	"github.com/linuxdeepin/dde-output-mux/video_card"
	"github.com/linuxdeepin/dde-output-mux/watchdog"
)

const (
	inputDir          = "/dev/input"
	desktopOutputName = "desktop"
)

var (
	_ discovery.Device   = (*kms.Device)(nil)
	_ discovery.Listener = (*daemon)(nil)
)

// daemon owns everything main starts. Apart from construction and shutdown,
// its fields are only touched on the loop goroutine.
type daemon struct {
	cfg      *config.Config
	cfgPath  string
	metrics  *metrics.Metrics
	driver   egl.Driver
	loop     *loop.Loop
	registry *output.Registry
	pool     *output.Pool
	policy   *config.Policy
	keyboard *input.Keyboard
	batcher  *rescanBatcher

	manager  *dbusapi.Manager
	service  *dbusutil.Service
	watchdog *watchdog.Watchdog
	watcher  *config.Watcher

	// drm backend
	session   session.Session
	discovery *discovery.Manager
	evdev     *input.Evdev
	netlink   *udev.NetlinkWatcher
	fsWatcher *udev.FsWatcher

	// x11 backend
	desktop *desktop.Backend
	out     *output.Output
}

func newDaemon(cfg *config.Config, cfgPath string, m *metrics.Metrics) (*daemon, error) {
	l, err := loop.New()
	if err != nil {
		return nil, err
	}
	d := &daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		metrics:  m,
		loop:     l,
		registry: output.NewRegistry(),
		pool:     output.NewPool(runtime.NumCPU()),
	}
	d.batcher = newRescanBatcher(rescanDelay, func([]string) {
		l.Idle(d.rescan)
	})
	return d, nil
}

func keyboardOptions(cfg *config.Config) input.Options {
	return input.Options{
		RepeatDelay: cfg.Keyboard.RepeatDelay,
		RepeatRate:  cfg.Keyboard.RepeatRate,
		VTSwitch:    cfg.Keyboard.VTSwitch && cfg.General.Backend == config.BackendDRM,
	}
}

func (d *daemon) newPolicy(cfg *config.Config, primary string) *config.Policy {
	p := config.NewPolicy(cfg, primary)
	p.Pool = d.pool
	p.Metrics = d.metrics
	return p
}

func (d *daemon) start() error {
	var err error
	d.driver, err = egl.Open()
	if err != nil {
		return xerrors.Errorf("egl: %w", err)
	}

	switch d.cfg.General.Backend {
	case config.BackendDRM:
		err = d.startDRM()
	case config.BackendX11:
		err = d.startX11()
	default:
		err = xerrors.Errorf("unknown backend %q", d.cfg.General.Backend)
	}
	if err != nil {
		return err
	}

	d.manager = dbusapi.NewManager(dbusapi.Config{
		Registry: d.registry,
		Post:     d.loop.Idle,
		Rescan:   func() { d.batcher.Request("dbus") },
		Bindings: d.bindings,
	})
	d.service, err = dbusapi.Start(d.manager)
	if err != nil {
		logger.Warning("failed to export dbus service:", err)
	}

	d.watchdog = watchdog.Start(watchdog.Options{
		Registry: d.registry,
		Rescan:   func() { d.batcher.Request("watchdog") },
	})

	d.watcher, err = config.NewWatcher(d.cfgPath, d.reload, d.loop.Idle)
	if err != nil {
		logger.Warning("config reload disabled:", err)
	}
	return nil
}

// openSession prefers logind and falls back to opening nodes directly.
func openSession(seat string, post func(fn func())) session.Session {
	l, err := session.NewLogind(post)
	if err == nil {
		return l
	}
	logger.Warning("logind unavailable, opening devices directly:", err)
	return session.NewDirect(seat)
}

func (d *daemon) startDRM() error {
	d.session = openSession(d.cfg.General.Seat, d.loop.Idle)
	d.keyboard = input.NewKeyboard(keyboardOptions(d.cfg), d.session,
		input.Router{Registry: d.registry})
	d.session.Notifier().Register(input.SessionObserver{Keyboard: d.keyboard})

	var primaryPath string
	primary, _, err := video_card.Detect(video_card.DefaultSysRoot, video_card.DefaultDevRoot)
	if err != nil {
		logger.Warning("gpu detection:", err)
	} else {
		primaryPath = primary.Path
	}
	d.policy = d.newPolicy(d.cfg, primaryPath)
	if virt, err := video_card.Virtualization(); err == nil && virt != "" {
		logger.Info("running under", virt)
	}

	d.discovery, err = discovery.NewManager(discovery.Config{
		Session:       d.session,
		Reactor:       d.loop,
		Policy:        d.policy,
		Listener:      d,
		OpenDevice:    d.openDevice,
		ClientFactory: client.Factory(0),
		Registry:      d.registry,
		Metrics:       d.metrics,
	})
	if err != nil {
		return err
	}

	err = d.watchDevices()
	if err != nil {
		return err
	}

	d.evdev = input.NewEvdev(d.session, d.loop, d.keyboard)
	if d.evdev.AddAll(inputDir) == 0 {
		logger.Warning("no keyboard input available")
	}
	return nil
}

func (d *daemon) openDevice(fd int, path string) (discovery.Device, error) {
	dev, err := kms.NewDevice(drm.NewCard(fd, path), kms.DeviceConfig{
		Driver:       d.driver,
		Requirements: d.cfg.PixelFormat,
		Metrics:      d.metrics,
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// watchDevices prefers kernel uevents and falls back to watching /dev/dri.
func (d *daemon) watchDevices() error {
	nw, err := udev.NewNetlinkWatcher(d.discovery)
	if err == nil {
		_, err = d.loop.Insert(nw.Fd(), nw.Dispatch)
		if err == nil {
			d.netlink = nw
			return nw.Enumerate(video_card.DefaultSysRoot, video_card.DefaultDevRoot)
		}
		nw.Close()
	}
	logger.Warning("uevents unavailable, watching", video_card.DefaultDevRoot, err)

	d.fsWatcher, err = udev.NewFsWatcher(video_card.DefaultDevRoot, d.discovery, d.loop.Idle)
	if err != nil {
		return err
	}
	return d.fsWatcher.Enumerate()
}

// NoOutputs ends the daemon once the last GPU is gone.
func (d *daemon) NoOutputs() {
	logger.Info("no gpu left")
	d.loop.Stop()
}

func (d *daemon) startX11() error {
	d.keyboard = input.NewKeyboard(keyboardOptions(d.cfg), nil, input.Router{Registry: d.registry})
	d.policy = d.newPolicy(d.cfg, "")

	var err error
	w := d.cfg.Window
	d.desktop, err = desktop.Open(desktop.Config{
		Width:        w.Width,
		Height:       w.Height,
		Title:        w.Title,
		Driver:       d.driver,
		Requirements: d.cfg.PixelFormat,
		Metrics:      d.metrics,
		OnKey:        d.keyboard.Key,
		OnResize: func(w, h uint32) {
			d.loop.Idle(func() {
				if d.out != nil {
					d.out.Resize(w, h)
				}
			})
		},
		OnClose: d.loop.Stop,
	})
	if err != nil {
		return err
	}

	opts := d.policy.Options(desktopOutputName)
	opts.OnExit = func(o *output.Output, err error) {
		logger.Infof("%s exited: %v", o.Name(), err)
		d.loop.Stop()
	}
	d.out, err = output.New(d.desktop.TargetFactory(desktopOutputName), client.Factory(0), opts)
	if err != nil {
		return err
	}
	d.registry.Register(d.out)
	return nil
}

func (d *daemon) rescan() {
	if d.discovery != nil {
		d.discovery.Rescan()
	}
}

func (d *daemon) bindings() []discovery.Binding {
	if d.discovery == nil {
		return nil
	}
	return d.discovery.Bindings()
}

// reload applies a changed config file. The backend and window settings
// only take effect on restart.
func (d *daemon) reload(cfg *config.Config) {
	cfg.General.Backend = d.cfg.General.Backend
	d.cfg = cfg
	if d.keyboard != nil {
		d.keyboard.SetOptions(keyboardOptions(cfg))
	}
	if d.policy == nil {
		return
	}
	d.policy = d.newPolicy(cfg, d.policy.Primary)
	if d.discovery != nil {
		d.discovery.SetPolicy(d.policy)
		d.batcher.Request("config")
	}
	logger.Info("config reloaded")
}

func (d *daemon) run(ctx context.Context) error {
	logger.Infof("running with %s backend", d.cfg.General.Backend)
	return d.loop.Run(ctx)
}

// shutdown stops the producers first, then tears outputs down before the
// session and the loop they depend on.
func (d *daemon) shutdown() {
	d.batcher.Stop()
	if d.watchdog != nil {
		d.watchdog.Stop()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.manager != nil {
		dbusapi.Stop(d.manager)
	}
	if d.evdev != nil {
		d.evdev.Close()
	}
	if d.netlink != nil {
		d.netlink.Close()
	}
	if d.fsWatcher != nil {
		d.fsWatcher.Close()
	}
	if d.discovery != nil {
		d.discovery.Cleanup()
	}
	if d.out != nil {
		err := d.out.Close()
		if err != nil {
			logger.Warning(err)
		}
		d.registry.Sweep()
	}
	if d.desktop != nil {
		d.desktop.Close()
	}
	if d.keyboard != nil {
		d.keyboard.Stop()
	}
	if l, ok := d.session.(*session.Logind); ok {
		l.Release()
	}
	d.pool.Close()
	err := d.loop.Close()
	if err != nil {
		logger.Warning(err)
	}
}
