// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/loop"
	"github.com/linuxdeepin/dde-output-mux/output"
	"github.com/linuxdeepin/dde-output-mux/session"
)

const cardPath = "/dev/dri/card0"

const cardID uint64 = 226 << 8

type fakeSession struct {
	notifier *session.Notifier
	writers  map[int]int
	closed   []int
	openErr  error
	// failPath fails to open with EACCES.
	failPath string
}

func newFakeSession() *fakeSession {
	return &fakeSession{notifier: session.NewNotifier(), writers: make(map[int]int)}
}

func (s *fakeSession) Open(path string, flags int) (int, error) {
	if s.openErr != nil {
		return -1, s.openErr
	}
	if path == s.failPath {
		return -1, unix.EACCES
	}
	if flags&unix.O_NONBLOCK == 0 || flags&unix.O_RDWR == 0 {
		return -1, xerrors.New("bad flags")
	}
	var p [2]int
	err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return -1, err
	}
	s.writers[p[0]] = p[1]
	return p[0], nil
}

func (s *fakeSession) Close(fd int) error {
	s.closed = append(s.closed, fd)
	unix.Close(s.writers[fd])
	delete(s.writers, fd)
	return unix.Close(fd)
}

func (s *fakeSession) ChangeVT(int) error          { return nil }
func (s *fakeSession) IsActive() bool              { return true }
func (s *fakeSession) Seat() string                { return "seat0" }
func (s *fakeSession) Notifier() *session.Notifier { return s.notifier }

type fakeTarget struct {
	w, h uint32
}

func (t *fakeTarget) Present() error                    { return nil }
func (t *fakeTarget) Acquire() error                    { return nil }
func (t *fakeTarget) FramebufferSize() (uint32, uint32) { return t.w, t.h }
func (t *fakeTarget) AcquireResource() error            { return nil }
func (t *fakeTarget) Release() error                    { return nil }
func (t *fakeTarget) ResolveProc(string) uintptr        { return 0 }
func (t *fakeTarget) Destroy()                          {}

type fakeClient struct{}

func (fakeClient) Run() error                                   { return nil }
func (fakeClient) SendWindowMetrics(output.WindowMetrics) error { return nil }
func (fakeClient) ExecutePlatformTasks() time.Duration          { return -1 }
func (fakeClient) Shutdown()                                    {}

// stuckClient never returns from its first tick until released.
type stuckClient struct {
	fakeClient
	release chan struct{}
}

func (c stuckClient) ExecutePlatformTasks() time.Duration {
	<-c.release
	return -1
}

type fakeDevice struct {
	mu         sync.Mutex
	fd         int
	res        drm.Resources
	connectors map[uint32]*drm.Connector
	encoders   map[uint32]*drm.Encoder
	flips      []uint32
	dispatches int
	closes     int
	paused     bool
}

func (d *fakeDevice) Fd() int { return d.fd }

func (d *fakeDevice) Resources() (*drm.Resources, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.res
	return &res, nil
}

func (d *fakeDevice) Connector(id uint32) (*drm.Connector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.connectors[id]
	if !ok {
		return nil, xerrors.Errorf("no connector %d", id)
	}
	cc := *c
	return &cc, nil
}

func (d *fakeDevice) Encoder(id uint32) (*drm.Encoder, error) {
	e, ok := d.encoders[id]
	if !ok {
		return nil, xerrors.Errorf("no encoder %d", id)
	}
	return e, nil
}

func (d *fakeDevice) TargetFactory(name string, crtc, connector uint32, mode drm.ModeInfo) output.TargetFactory {
	return func() (output.Target, error) {
		return &fakeTarget{w: uint32(mode.Hdisplay), h: uint32(mode.Vdisplay)}, nil
	}
}

func (d *fakeDevice) DispatchEvents() ([]uint32, error) {
	var buf [16]byte
	unix.Read(d.fd, buf[:])
	d.dispatches++
	flips := d.flips
	d.flips = nil
	return flips, nil
}

func (d *fakeDevice) Pause() error    { d.paused = true; return nil }
func (d *fakeDevice) Activate() error { d.paused = false; return nil }
func (d *fakeDevice) Close() error    { d.closes++; return nil }

func (d *fakeDevice) setConnection(id uint32, c drm.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectors[id].Connection = c
}

func mode1080() []drm.ModeInfo {
	return []drm.ModeInfo{{Hdisplay: 1920, Vdisplay: 1080, Vrefresh: 60, Type: drm.ModeTypePreferred}}
}

// Two CRTCs (30, 31), one encoder (40) able to drive both, connector A (50,
// connected) and B (51, disconnected).
func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		res: drm.Resources{
			Crtcs:      []uint32{30, 31},
			Encoders:   []uint32{40},
			Connectors: []uint32{50, 51},
		},
		connectors: map[uint32]*drm.Connector{
			50: {ID: 50, Type: 11, TypeID: 1, Connection: drm.Connected, Encoders: []uint32{40}, Modes: mode1080()},
			51: {ID: 51, Type: 11, TypeID: 2, Connection: drm.Disconnected, Encoders: []uint32{40}, Modes: mode1080()},
		},
		encoders: map[uint32]*drm.Encoder{
			40: {ID: 40, PossibleCrtcs: 0x3},
		},
	}
}

type funcPolicy struct {
	useGPU       func(path string) bool
	decline      func(c *Candidate) bool
	closeTimeout time.Duration
	seen         []uint32
}

func (p *funcPolicy) ShouldUseGPU(path string) bool {
	if p.useGPU == nil {
		return true
	}
	return p.useGPU(path)
}

func (p *funcPolicy) ConfigureOutput(c *Candidate) (output.Options, bool) {
	p.seen = append(p.seen, c.Crtc)
	if p.decline != nil && p.decline(c) {
		return output.Options{}, false
	}
	opts := output.DefaultOptions()
	opts.Name = c.Connector.Name()
	opts.ParkTimeout = 5 * time.Millisecond
	if p.closeTimeout > 0 {
		opts.CloseTimeout = p.closeTimeout
	}
	return opts, true
}

type countingListener struct {
	n int
}

func (l *countingListener) NoOutputs() {
	l.n++
}

type harness struct {
	t        *testing.T
	loop     *loop.Loop
	session  *fakeSession
	dev      *fakeDevice
	policy   *funcPolicy
	listener *countingListener
	registry *output.Registry
	m        *Manager
	openErr  error
	client   output.Client
}

func newHarness(t *testing.T) *harness {
	l, err := loop.New()
	require.NoError(t, err)
	h := &harness{
		t:        t,
		loop:     l,
		session:  newFakeSession(),
		dev:      newFakeDevice(),
		policy:   &funcPolicy{},
		listener: &countingListener{},
		registry: output.NewRegistry(),
		client:   fakeClient{},
	}
	h.m, err = NewManager(Config{
		Session:  h.session,
		Reactor:  l,
		Policy:   h.policy,
		Listener: h.listener,
		OpenDevice: func(fd int, path string) (Device, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			h.dev.fd = fd
			return h.dev, nil
		},
		ClientFactory: func(output.Host) (output.Client, error) { return h.client, nil },
		Registry:      h.registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.m.Cleanup()
		l.Close()
	})
	return h
}

func (h *harness) crtcs() []uint32 {
	var crtcs []uint32
	for _, b := range h.m.Bindings() {
		crtcs = append(crtcs, b.Crtc)
	}
	return crtcs
}

func (h *harness) state() State {
	s, ok := h.m.DeviceState(cardID)
	require.True(h.t, ok)
	return s
}

func TestGreedyFirstFit(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)

	bindings := h.m.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, uint32(30), bindings[0].Crtc)
	assert.Equal(t, uint32(50), bindings[0].Connector)
	assert.Equal(t, "HDMI-A-1", bindings[0].Output.Name())
	assert.Equal(t, Active, h.state())
	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.loop.Len())

	w, ht := bindings[0].Output.Size()
	assert.Equal(t, uint32(1920), w)
	assert.Equal(t, uint32(1080), ht)
}

func TestNoConnectedConnector(t *testing.T) {
	h := newHarness(t)
	h.dev.connectors[50].Connection = drm.Disconnected
	h.m.DeviceAdded(cardID, cardPath)

	assert.Empty(t, h.m.Bindings())
	assert.Equal(t, Scanned, h.state())
	assert.Empty(t, h.policy.seen)
}

func TestPolicyDeclineTriesNextCrtc(t *testing.T) {
	h := newHarness(t)
	h.policy.decline = func(c *Candidate) bool { return c.Crtc == 30 }
	h.m.DeviceAdded(cardID, cardPath)

	assert.Equal(t, []uint32{31}, h.crtcs())
	assert.Equal(t, []uint32{30, 31}, h.policy.seen)
}

func TestPolicyDeclinesAll(t *testing.T) {
	h := newHarness(t)
	h.policy.decline = func(*Candidate) bool { return true }
	h.m.DeviceAdded(cardID, cardPath)
	assert.Empty(t, h.m.Bindings())
	assert.Equal(t, Scanned, h.state())
}

func TestCrtcBindingInjective(t *testing.T) {
	h := newHarness(t)
	h.dev.res.Connectors = []uint32{50, 51, 52}
	h.dev.connectors[51].Connection = drm.Connected
	h.dev.connectors[52] = &drm.Connector{ID: 52, Type: 10, TypeID: 1, Connection: drm.Connected,
		Encoders: []uint32{0, 40}, Modes: mode1080()}
	h.m.DeviceAdded(cardID, cardPath)

	bindings := h.m.Bindings()
	require.Len(t, bindings, 2)
	seen := make(map[uint32]bool)
	for _, b := range bindings {
		assert.False(t, seen[b.Crtc], "crtc %d bound twice", b.Crtc)
		seen[b.Crtc] = true
	}
	assert.Equal(t, uint32(50), bindings[0].Connector)
	assert.Equal(t, uint32(51), bindings[1].Connector)
}

func TestDeviceRemoved(t *testing.T) {
	h := newHarness(t)
	h.dev.connectors[51].Connection = drm.Connected
	h.m.DeviceAdded(cardID, cardPath)
	bindings := h.m.Bindings()
	require.Len(t, bindings, 2)
	fd := h.dev.fd

	h.m.DeviceRemoved(cardID)
	for _, b := range bindings {
		assert.False(t, b.Output.Alive())
	}
	assert.Zero(t, h.loop.Len())
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.session.notifier.Len())
	assert.Equal(t, 1, h.dev.closes)
	assert.Equal(t, []int{fd}, h.session.closed)
	assert.Equal(t, 1, h.listener.n)
	_, ok := h.m.DeviceState(cardID)
	assert.False(t, ok)

	h.m.DeviceRemoved(cardID)
	h.m.Cleanup()
	assert.Equal(t, 1, h.dev.closes)
	assert.Len(t, h.session.closed, 1)
	assert.Equal(t, 1, h.listener.n)
}

func TestCleanupIdempotent(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)
	h.m.Cleanup()
	h.m.Cleanup()
	assert.Equal(t, 1, h.dev.closes)
	assert.Zero(t, h.loop.Len())
	assert.Zero(t, h.session.notifier.Len())
}

func TestDeviceChanged(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)
	first := h.m.Bindings()
	require.Len(t, first, 1)

	h.dev.setConnection(51, drm.Connected)
	h.m.DeviceChanged(cardID)
	bindings := h.m.Bindings()
	require.Len(t, bindings, 2)
	assert.Same(t, first[0].Output, bindings[0].Output)
	assert.Equal(t, uint32(31), bindings[1].Crtc)

	h.dev.setConnection(50, drm.Disconnected)
	h.m.DeviceChanged(cardID)
	bindings = h.m.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, uint32(51), bindings[0].Connector)
	assert.False(t, first[0].Output.Alive())
	assert.Equal(t, 1, h.registry.Len())

	// The freed CRTC is claimable again.
	h.dev.setConnection(50, drm.Connected)
	h.m.DeviceChanged(cardID)
	assert.Equal(t, []uint32{30, 31}, h.crtcs())

	h.m.DeviceChanged(12345)
}

func TestOpenFailureLeavesUnopened(t *testing.T) {
	h := newHarness(t)
	h.session.openErr = xerrors.New("permission denied")
	h.m.DeviceAdded(cardID, cardPath)
	assert.Equal(t, Unopened, h.state())
	assert.Empty(t, h.m.Bindings())

	h.m.DeviceChanged(cardID)
	assert.Empty(t, h.m.Bindings())
	h.m.DeviceRemoved(cardID)
	assert.Equal(t, 1, h.listener.n)
}

func TestDeviceInitFailureClosesFd(t *testing.T) {
	h := newHarness(t)
	h.openErr = xerrors.New("no gbm")
	h.m.DeviceAdded(cardID, cardPath)
	assert.Equal(t, Unopened, h.state())
	assert.Len(t, h.session.closed, 1)
	assert.Zero(t, h.loop.Len())
	assert.Zero(t, h.session.notifier.Len())
}

func TestShouldUseGPU(t *testing.T) {
	h := newHarness(t)
	h.policy.useGPU = func(path string) bool { return path != cardPath }
	h.m.DeviceAdded(cardID, cardPath)
	_, ok := h.m.DeviceState(cardID)
	assert.False(t, ok)
	assert.Zero(t, h.loop.Len())
}

func TestSessionPauseActivate(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)

	other := session.DeviceID{Major: 13, Minor: 64}
	h.session.notifier.Pause(&other)
	assert.Equal(t, Active, h.state())

	h.session.notifier.Pause(&session.DeviceID{Major: 226, Minor: 0})
	assert.Equal(t, Revoked, h.state())
	assert.True(t, h.dev.paused)

	h.dev.setConnection(51, drm.Connected)
	h.m.DeviceChanged(cardID)
	assert.Len(t, h.m.Bindings(), 1)

	h.session.notifier.Activate(nil, -1)
	assert.False(t, h.dev.paused)
	assert.Equal(t, Active, h.state())
	assert.Equal(t, []uint32{30, 31}, h.crtcs())
}

func TestOutputExitFreesCrtc(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)
	bindings := h.m.Bindings()
	require.Len(t, bindings, 1)

	bindings[0].Output.Post(func(output.Client) { panic("client died") })
	deadline := time.Now().Add(2 * time.Second)
	for len(h.m.Bindings()) > 0 && time.Now().Before(deadline) {
		require.NoError(t, h.loop.Dispatch(10*time.Millisecond))
	}
	require.Empty(t, h.m.Bindings())
	assert.True(t, xerrors.Is(bindings[0].Output.Err(), output.ErrPanic))
	assert.Zero(t, h.registry.Len())
	assert.Equal(t, Scanned, h.state())

	h.m.Rescan()
	assert.Equal(t, []uint32{30}, h.crtcs())
}

func TestVblankDispatch(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)
	h.dev.flips = []uint32{30, 99}

	w := h.session.writers[h.dev.fd]
	_, err := unix.Write(w, []byte{1})
	require.NoError(t, err)
	require.NoError(t, h.loop.Dispatch(time.Second))
	assert.Equal(t, 1, h.dev.dispatches)
	assert.Empty(t, h.dev.flips)
}

func TestNoOutputsWithUnopenedDeviceLeft(t *testing.T) {
	h := newHarness(t)
	const secondID, secondPath = cardID + 1, "/dev/dri/card1"
	h.session.failPath = secondPath
	h.m.DeviceAdded(cardID, cardPath)
	h.m.DeviceAdded(secondID, secondPath)
	s, ok := h.m.DeviceState(secondID)
	require.True(t, ok)
	assert.Equal(t, Unopened, s)

	h.m.DeviceRemoved(cardID)
	assert.Equal(t, 1, h.listener.n)

	h.m.DeviceRemoved(secondID)
	assert.Equal(t, 1, h.listener.n)
}

func TestNoOutputsReportedAgainAfterReopen(t *testing.T) {
	h := newHarness(t)
	h.m.DeviceAdded(cardID, cardPath)
	h.m.DeviceRemoved(cardID)
	assert.Equal(t, 1, h.listener.n)

	h.m.DeviceAdded(cardID, cardPath)
	h.m.DeviceRemoved(cardID)
	assert.Equal(t, 2, h.listener.n)
}

func TestTeardownWaitsForStuckOutput(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.client = stuckClient{release: release}
	h.policy.closeTimeout = 20 * time.Millisecond
	h.m.DeviceAdded(cardID, cardPath)
	bindings := h.m.Bindings()
	require.Len(t, bindings, 1)
	fd := h.dev.fd

	h.m.DeviceRemoved(cardID)
	assert.True(t, bindings[0].Output.Alive())
	assert.Zero(t, h.dev.closes)
	assert.Empty(t, h.session.closed)
	assert.Zero(t, h.loop.Len())
	assert.Zero(t, h.registry.Len())
	assert.Equal(t, 1, h.listener.n)

	close(release)
	<-bindings[0].Output.Done()
	deadline := time.Now().Add(2 * time.Second)
	for h.dev.closes == 0 && time.Now().Before(deadline) {
		require.NoError(t, h.loop.Dispatch(10*time.Millisecond))
	}
	assert.Equal(t, 1, h.dev.closes)
	assert.Equal(t, []int{fd}, h.session.closed)
}
