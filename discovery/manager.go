// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"sort"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/loop"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
	"github.com/linuxdeepin/dde-output-mux/session"
	"github.com/linuxdeepin/dde-output-mux/udev"
)

// OpenFlags are the flags GPU nodes are opened with.
const OpenFlags = unix.O_RDWR | unix.O_CLOEXEC | unix.O_NOCTTY | unix.O_NONBLOCK

type Config struct {
	Session    session.Session
	Reactor    Reactor
	Policy     Policy
	Listener   Listener
	OpenDevice DeviceFactory
	// NewOutput defaults to output.New with ClientFactory.
	NewOutput     OutputFactory
	ClientFactory output.ClientFactory
	// Registry receives every spawned output. Optional.
	Registry *output.Registry
	Metrics  *metrics.Metrics
}

type binding struct {
	connector uint32
	crtc      uint32
	name      string
	output    *output.Output
	handle    output.Handle
}

type device struct {
	id       uint64
	path     string
	fd       int
	dev      Device
	devID    session.DeviceID
	state    State
	observer session.ObserverID
	source   *loop.Source
	bindings map[uint32]*binding
}

// Manager tracks GPU devices and binds their CRTCs to outputs. Every method
// must be called on the reactor goroutine.
type Manager struct {
	cfg     Config
	devices map[uint64]*device
	// drained is set once NoOutputs was reported, until a device opens.
	drained bool
}

var _ udev.Handler = (*Manager)(nil)

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Session == nil || cfg.Reactor == nil || cfg.OpenDevice == nil {
		return nil, xerrors.New("discovery: session, reactor and device factory are required")
	}
	if cfg.Policy == nil {
		cfg.Policy = AcceptAll{}
	}
	if cfg.NewOutput == nil {
		clientFactory := cfg.ClientFactory
		if clientFactory == nil {
			return nil, xerrors.New("discovery: no client factory")
		}
		cfg.NewOutput = func(factory output.TargetFactory, opts output.Options) (*output.Output, error) {
			return output.New(factory, clientFactory, opts)
		}
	}
	return &Manager{
		cfg:     cfg,
		devices: make(map[uint64]*device),
	}, nil
}

// SetPolicy replaces the policy. It affects later scans only.
func (m *Manager) SetPolicy(p Policy) {
	if p == nil {
		p = AcceptAll{}
	}
	m.cfg.Policy = p
}

func (m *Manager) DeviceAdded(id uint64, path string) {
	if _, ok := m.devices[id]; ok {
		logger.Debugf("device %d (%s) already tracked", id, path)
		return
	}
	if !m.cfg.Policy.ShouldUseGPU(path) {
		logger.Infof("skip gpu %s", path)
		return
	}

	d := &device{
		id:       id,
		path:     path,
		fd:       -1,
		devID:    session.DeviceID{Major: unix.Major(id), Minor: unix.Minor(id)},
		bindings: make(map[uint32]*binding),
	}
	m.devices[id] = d

	err := m.open(d)
	if err != nil {
		logger.Warningf("failed to open gpu %s: %v", path, err)
		return
	}
	m.scan(d)
}

func (m *Manager) open(d *device) error {
	fd, err := m.cfg.Session.Open(d.path, OpenFlags)
	if err != nil {
		return err
	}
	dev, err := m.cfg.OpenDevice(fd, d.path)
	if err != nil {
		m.closeFd(d.path, fd)
		return err
	}
	source, err := m.cfg.Reactor.Insert(fd, func() { m.dispatch(d) })
	if err != nil {
		dev.Close()
		m.closeFd(d.path, fd)
		return err
	}

	d.fd = fd
	d.dev = dev
	d.source = source
	d.observer = m.cfg.Session.Notifier().Register(&deviceObserver{m: m, d: d})
	d.state = Opened
	m.drained = false
	logger.Infof("opened gpu %s", d.path)
	return nil
}

func (m *Manager) closeFd(path string, fd int) {
	err := m.cfg.Session.Close(fd)
	if err != nil {
		logger.Warningf("close %s: %v", path, err)
	}
}

func (m *Manager) dispatch(d *device) {
	crtcs, err := d.dev.DispatchEvents()
	if err != nil {
		if !xerrors.Is(err, unix.EAGAIN) {
			logger.Warningf("%s: read events: %v", d.path, err)
		}
		return
	}
	for _, crtc := range crtcs {
		b := d.bindings[crtc]
		if b == nil {
			continue
		}
		m.cfg.Metrics.RecordVblank(b.name)
		b.output.Wake()
	}
}

// scan binds every connected, unbound connector to the first free CRTC the
// policy accepts.
func (m *Manager) scan(d *device) {
	res, err := d.dev.Resources()
	if err != nil {
		logger.Warningf("%s: resources: %v", d.path, err)
		return
	}
	logger.Debug("resources:", spew.Sdump(res))

	claimed := make(map[uint32]bool, len(d.bindings))
	bound := make(map[uint32]bool, len(d.bindings))
	for crtc, b := range d.bindings {
		claimed[crtc] = true
		bound[b.connector] = true
	}

	for _, connID := range res.Connectors {
		if bound[connID] {
			continue
		}
		conn, err := d.dev.Connector(connID)
		if err != nil {
			logger.Warningf("%s: connector %d: %v", d.path, connID, err)
			continue
		}
		if conn.Connection != drm.Connected {
			continue
		}
		mode, ok := conn.PreferredMode()
		if !ok {
			logger.Warningf("%s: %s has no mode", d.path, conn.Name())
			continue
		}
		m.bindConnector(d, res, conn, *mode, claimed)
	}

	if len(d.bindings) > 0 {
		d.state = Active
	} else {
		d.state = Scanned
	}
}

func (m *Manager) bindConnector(d *device, res *drm.Resources, conn *drm.Connector, mode drm.ModeInfo,
	claimed map[uint32]bool) {
	firstFit(d.dev, d.path, res, conn, mode, claimed, func(c *Candidate) bool {
		opts, ok := m.cfg.Policy.ConfigureOutput(c)
		if !ok {
			logger.Debugf("policy declined %s", c)
			return false
		}
		err := m.spawn(d, c, opts)
		if err != nil {
			logger.Warningf("%s: %v", c, err)
			return false
		}
		return true
	})
}

func (m *Manager) spawn(d *device, c *Candidate, opts output.Options) error {
	if opts.Name == "" {
		opts.Name = c.Connector.Name()
	}
	if opts.Metrics == nil {
		opts.Metrics = m.cfg.Metrics
	}
	onExit := opts.OnExit
	id, crtc := d.id, c.Crtc
	opts.OnExit = func(o *output.Output, err error) {
		if onExit != nil {
			onExit(o, err)
		}
		m.cfg.Reactor.Idle(func() { m.outputExited(id, crtc, o) })
	}

	o, err := m.cfg.NewOutput(d.dev.TargetFactory(opts.Name, c.Crtc, c.Connector.ID, c.Mode), opts)
	if err != nil {
		return xerrors.Errorf("spawn output: %w", err)
	}
	b := &binding{
		connector: c.Connector.ID,
		crtc:      c.Crtc,
		name:      opts.Name,
		output:    o,
	}
	if m.cfg.Registry != nil {
		b.handle = m.cfg.Registry.Register(o)
	}
	d.bindings[c.Crtc] = b
	logger.Infof("bound %s", c)
	return nil
}

func (m *Manager) outputExited(id uint64, crtc uint32, o *output.Output) {
	d := m.devices[id]
	if d == nil {
		return
	}
	b := d.bindings[crtc]
	if b == nil || b.output != o {
		return
	}
	logger.Warningf("output %s on crtc %d exited: %v", b.name, crtc, o.Err())
	m.forget(d, b)
}

func (m *Manager) forget(d *device, b *binding) {
	delete(d.bindings, b.crtc)
	if m.cfg.Registry != nil {
		m.cfg.Registry.Remove(b.handle)
	}
	if len(d.bindings) == 0 && d.state == Active {
		d.state = Scanned
	}
}

// unbind closes the output and reports whether its render thread is gone.
func (m *Manager) unbind(d *device, b *binding) bool {
	m.forget(d, b)
	err := b.output.Close()
	if err != nil {
		logger.Warningf("close output %s: %v", b.name, err)
	}
	return !b.output.Alive()
}

func (m *Manager) DeviceChanged(id uint64) {
	d := m.devices[id]
	if d == nil || d.dev == nil {
		return
	}
	if d.state == Revoked {
		logger.Debugf("%s changed while revoked", d.path)
		return
	}
	m.rescan(d)
}

// rescan drops bindings whose connector went away and binds new ones.
func (m *Manager) rescan(d *device) {
	res, err := d.dev.Resources()
	if err != nil {
		logger.Warningf("%s: resources: %v", d.path, err)
		return
	}
	present := make(map[uint32]bool, len(res.Connectors))
	for _, id := range res.Connectors {
		present[id] = true
	}

	for _, b := range m.sortedBindings(d) {
		if present[b.connector] {
			conn, err := d.dev.Connector(b.connector)
			if err == nil && conn.Connection == drm.Connected {
				continue
			}
		}
		logger.Infof("%s disconnected from crtc %d", b.name, b.crtc)
		m.unbind(d, b)
	}
	m.scan(d)
}

func (m *Manager) sortedBindings(d *device) []*binding {
	bindings := make([]*binding, 0, len(d.bindings))
	for _, b := range d.bindings {
		bindings = append(bindings, b)
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].crtc < bindings[j].crtc })
	return bindings
}

func (m *Manager) DeviceRemoved(id uint64) {
	d := m.devices[id]
	if d == nil {
		return
	}
	m.teardown(d)
	delete(m.devices, id)
	logger.Infof("removed gpu %s", d.path)
	if m.drained || m.anyOpen() {
		return
	}
	m.drained = true
	if m.cfg.Listener != nil {
		m.cfg.Listener.NoOutputs()
	}
}

// anyOpen reports whether a tracked device can still drive outputs. Devices
// that failed to open do not count.
func (m *Manager) anyOpen() bool {
	for _, d := range m.devices {
		if d.dev != nil {
			return true
		}
	}
	return false
}

// teardown unbinds every output and closes the device. A render thread that
// outlived its close timeout may still be presenting, so the device is then
// kept until all such threads exit.
func (m *Manager) teardown(d *device) {
	var running []*output.Output
	for _, b := range m.sortedBindings(d) {
		if !m.unbind(d, b) {
			running = append(running, b.output)
		}
	}
	if d.dev == nil {
		return
	}
	m.cfg.Session.Notifier().Unregister(d.observer)
	d.source.Remove()
	path, dev, fd := d.path, d.dev, d.fd
	d.dev = nil
	d.source = nil
	d.fd = -1
	d.state = Unopened

	if len(running) == 0 {
		m.release(path, dev, fd)
		return
	}
	logger.Warningf("gpu %s: %d outputs still running, closing it once they exit", path, len(running))
	go func() {
		for _, o := range running {
			<-o.Done()
		}
		m.cfg.Reactor.Idle(func() { m.release(path, dev, fd) })
	}()
}

func (m *Manager) release(path string, dev Device, fd int) {
	err := dev.Close()
	if err != nil {
		logger.Warningf("close gpu %s: %v", path, err)
	}
	m.closeFd(path, fd)
}

// Cleanup tears down every device. Calling it again is a no-op.
func (m *Manager) Cleanup() {
	ids := make([]uint64, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.teardown(m.devices[id])
		delete(m.devices, id)
	}
}

// Rescan re-runs the scan of every usable device.
func (m *Manager) Rescan() {
	for _, id := range m.deviceIDs() {
		m.DeviceChanged(id)
	}
}

func (m *Manager) deviceIDs() []uint64 {
	ids := make([]uint64, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DeviceState reports the state of a tracked device.
func (m *Manager) DeviceState(id uint64) (State, bool) {
	d := m.devices[id]
	if d == nil {
		return Unopened, false
	}
	return d.state, true
}

// Binding describes one CRTC bound to an output.
type Binding struct {
	Device    string
	Connector uint32
	Crtc      uint32
	Output    *output.Output
}

// Bindings lists the bindings of every device, ordered by device and CRTC.
func (m *Manager) Bindings() []Binding {
	var result []Binding
	for _, id := range m.deviceIDs() {
		d := m.devices[id]
		for _, b := range m.sortedBindings(d) {
			result = append(result, Binding{
				Device:    d.path,
				Connector: b.connector,
				Crtc:      b.crtc,
				Output:    b.output,
			})
		}
	}
	return result
}

type deviceObserver struct {
	m *Manager
	d *device
}

func (o *deviceObserver) matches(dev *session.DeviceID) bool {
	return dev == nil || *dev == o.d.devID
}

func (o *deviceObserver) Pause(dev *session.DeviceID) {
	d := o.d
	if !o.matches(dev) || d.dev == nil || d.state == Revoked {
		return
	}
	err := d.dev.Pause()
	if err != nil {
		logger.Warningf("pause %s: %v", d.path, err)
	}
	d.state = Revoked
	logger.Infof("gpu %s revoked", d.path)
}

func (o *deviceObserver) Activate(dev *session.DeviceID, fd int) {
	d := o.d
	if !o.matches(dev) || d.dev == nil {
		return
	}
	if fd >= 0 && fd != d.fd {
		// The session handed out a duplicate of the fd already held.
		unix.Close(fd)
	}
	if d.state != Revoked {
		return
	}
	err := d.dev.Activate()
	if err != nil {
		logger.Warningf("activate %s: %v", d.path, err)
		return
	}
	d.state = Scanned
	logger.Infof("gpu %s active again", d.path)
	o.m.rescan(d)
}
