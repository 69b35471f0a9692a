// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package drm issues the kernel mode-setting ioctls on a /dev/dri/card*
// node. It knows nothing about buffers beyond framebuffer ids and gem handles.
package drm

import (
	"os"
	"unsafe"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("dde-output-mux/drm")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const (
	ioctlVersion      = 0xC0406400
	ioctlSetMaster    = 0x641E
	ioctlDropMaster   = 0x641F
	ioctlGetResources = 0xC04064A0
	ioctlGetCrtc      = 0xC06864A1
	ioctlSetCrtc      = 0xC06864A2
	ioctlGetEncoder   = 0xC01464A6
	ioctlGetConnector = 0xC05064A7
	ioctlAddFB        = 0xC01C64AE
	ioctlRmFB         = 0xC00464AF
	ioctlPageFlip     = 0xC01864B0
)

// PageFlipEvent asks the kernel to queue a completion event on the fd.
const PageFlipEvent = 0x01

// Card is an open DRM device node.
type Card struct {
	fd   int
	path string
	file *os.File
}

// OpenCard opens path read-write. Most callers get the fd from a session
// instead and use NewCard.
func OpenCard(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	return &Card{fd: int(f.Fd()), path: path, file: f}, nil
}

// NewCard wraps an fd the caller owns. Close on such a card is a no-op.
func NewCard(fd int, path string) *Card {
	return &Card{fd: fd, path: path}
}

func (c *Card) Fd() int {
	return c.fd
}

func (c *Card) Path() string {
	return c.path
}

func (c *Card) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

type versionArg struct {
	major, minor, patch int32
	_                   int32
	nameLen             uint64
	name                uint64
	dateLen             uint64
	date                uint64
	descLen             uint64
	desc                uint64
}

// DriverName returns the kernel driver bound to the card, e.g. "i915".
func (c *Card) DriverName() (string, error) {
	var arg versionArg
	err := ioctl(c.fd, ioctlVersion, unsafe.Pointer(&arg))
	if err != nil {
		return "", xerrors.Errorf("DRM_IOCTL_VERSION: %w", err)
	}
	if arg.nameLen == 0 {
		return "", nil
	}
	name := make([]byte, arg.nameLen)
	arg.name = uint64(uintptr(unsafe.Pointer(&name[0])))
	arg.dateLen, arg.descLen = 0, 0
	err = ioctl(c.fd, ioctlVersion, unsafe.Pointer(&arg))
	if err != nil {
		return "", xerrors.Errorf("DRM_IOCTL_VERSION: %w", err)
	}
	return string(name[:arg.nameLen]), nil
}

func (c *Card) SetMaster() error {
	return ioctl(c.fd, ioctlSetMaster, nil)
}

func (c *Card) DropMaster() error {
	return ioctl(c.fd, ioctlDropMaster, nil)
}

type cardResArg struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFBs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type Resources struct {
	FBs        []uint32
	Crtcs      []uint32
	Connectors []uint32
	Encoders   []uint32

	MinWidth, MaxWidth   uint32
	MinHeight, MaxHeight uint32
}

func idSlice(n uint32) ([]uint32, uint64) {
	if n == 0 {
		return nil, 0
	}
	s := make([]uint32, n)
	return s, uint64(uintptr(unsafe.Pointer(&s[0])))
}

// Resources lists the mode-setting objects of the card. The counts can
// change between the two ioctls on hotplug, in which case it retries.
func (c *Card) Resources() (*Resources, error) {
	for {
		var arg cardResArg
		err := ioctl(c.fd, ioctlGetResources, unsafe.Pointer(&arg))
		if err != nil {
			return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETRESOURCES: %w", err)
		}
		counts := arg

		var res Resources
		res.FBs, arg.fbIDPtr = idSlice(arg.countFBs)
		res.Crtcs, arg.crtcIDPtr = idSlice(arg.countCrtcs)
		res.Connectors, arg.connectorIDPtr = idSlice(arg.countConnectors)
		res.Encoders, arg.encoderIDPtr = idSlice(arg.countEncoders)

		err = ioctl(c.fd, ioctlGetResources, unsafe.Pointer(&arg))
		if err != nil {
			return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETRESOURCES: %w", err)
		}
		if arg.countFBs > counts.countFBs || arg.countCrtcs > counts.countCrtcs ||
			arg.countConnectors > counts.countConnectors || arg.countEncoders > counts.countEncoders {
			logger.Debug("resource counts changed during query, retrying")
			continue
		}

		res.FBs = res.FBs[:arg.countFBs]
		res.Crtcs = res.Crtcs[:arg.countCrtcs]
		res.Connectors = res.Connectors[:arg.countConnectors]
		res.Encoders = res.Encoders[:arg.countEncoders]
		res.MinWidth, res.MaxWidth = arg.minWidth, arg.maxWidth
		res.MinHeight, res.MaxHeight = arg.minHeight, arg.maxHeight
		return &res, nil
	}
}

type getConnectorArg struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	_               uint32
}

// Connector queries one connector including its mode list and the encoders
// it can be driven by.
func (c *Card) Connector(id uint32) (*Connector, error) {
	for {
		arg := getConnectorArg{connectorID: id}
		err := ioctl(c.fd, ioctlGetConnector, unsafe.Pointer(&arg))
		if err != nil {
			return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETCONNECTOR %d: %w", id, err)
		}
		countModes, countEncoders := arg.countModes, arg.countEncoders

		var modes []ModeInfo
		if countModes > 0 {
			modes = make([]ModeInfo, countModes)
			arg.modesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
		}
		var encoders []uint32
		encoders, arg.encodersPtr = idSlice(countEncoders)
		arg.countProps = 0

		err = ioctl(c.fd, ioctlGetConnector, unsafe.Pointer(&arg))
		if err != nil {
			return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETCONNECTOR %d: %w", id, err)
		}
		if arg.countModes > countModes || arg.countEncoders > countEncoders {
			continue
		}

		return &Connector{
			ID:         id,
			EncoderID:  arg.encoderID,
			Type:       ConnectorType(arg.connectorType),
			TypeID:     arg.connectorTypeID,
			Connection: Connection(arg.connection),
			MmWidth:    arg.mmWidth,
			MmHeight:   arg.mmHeight,
			Subpixel:   arg.subpixel,
			Modes:      modes[:arg.countModes],
			Encoders:   encoders[:arg.countEncoders],
		}, nil
	}
}

type getEncoderArg struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

func (c *Card) Encoder(id uint32) (*Encoder, error) {
	arg := getEncoderArg{encoderID: id}
	err := ioctl(c.fd, ioctlGetEncoder, unsafe.Pointer(&arg))
	if err != nil {
		return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETENCODER %d: %w", id, err)
	}
	return &Encoder{
		ID:             id,
		Type:           arg.encoderType,
		CrtcID:         arg.crtcID,
		PossibleCrtcs:  arg.possibleCrtcs,
		PossibleClones: arg.possibleClones,
	}, nil
}

type crtcArg struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x, y             uint32
	gammaSize        uint32
	modeValid        uint32
	mode             ModeInfo
}

type Crtc struct {
	ID        uint32
	FbID      uint32
	X, Y      uint32
	GammaSize uint32
	// Mode is nil when the CRTC is not driving anything.
	Mode *ModeInfo
}

func (c *Card) Crtc(id uint32) (*Crtc, error) {
	arg := crtcArg{crtcID: id}
	err := ioctl(c.fd, ioctlGetCrtc, unsafe.Pointer(&arg))
	if err != nil {
		return nil, xerrors.Errorf("DRM_IOCTL_MODE_GETCRTC %d: %w", id, err)
	}
	crtc := &Crtc{ID: id, FbID: arg.fbID, X: arg.x, Y: arg.y, GammaSize: arg.gammaSize}
	if arg.modeValid != 0 {
		mode := arg.mode
		crtc.Mode = &mode
	}
	return crtc, nil
}

// SetCrtc programs crtc to scan out fb on the given connectors with mode.
// A zero fb with a nil mode disables the CRTC.
func (c *Card) SetCrtc(crtcID, fbID uint32, x, y uint32, connectors []uint32, mode *ModeInfo) error {
	arg := crtcArg{crtcID: crtcID, fbID: fbID, x: x, y: y}
	if len(connectors) > 0 {
		arg.setConnectorsPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
		arg.countConnectors = uint32(len(connectors))
	}
	if mode != nil {
		arg.mode = *mode
		arg.modeValid = 1
	}
	err := ioctl(c.fd, ioctlSetCrtc, unsafe.Pointer(&arg))
	if err != nil {
		return xerrors.Errorf("DRM_IOCTL_MODE_SETCRTC %d: %w", crtcID, err)
	}
	return nil
}

type fbCmdArg struct {
	fbID   uint32
	width  uint32
	height uint32
	pitch  uint32
	bpp    uint32
	depth  uint32
	handle uint32
}

// AddFB wraps a gem buffer into a framebuffer id.
func (c *Card) AddFB(width, height uint32, depth, bpp uint8, pitch, handle uint32) (uint32, error) {
	arg := fbCmdArg{
		width:  width,
		height: height,
		pitch:  pitch,
		bpp:    uint32(bpp),
		depth:  uint32(depth),
		handle: handle,
	}
	err := ioctl(c.fd, ioctlAddFB, unsafe.Pointer(&arg))
	if err != nil {
		return 0, xerrors.Errorf("DRM_IOCTL_MODE_ADDFB: %w", err)
	}
	return arg.fbID, nil
}

func (c *Card) RmFB(id uint32) error {
	err := ioctl(c.fd, ioctlRmFB, unsafe.Pointer(&id))
	if err != nil {
		return xerrors.Errorf("DRM_IOCTL_MODE_RMFB %d: %w", id, err)
	}
	return nil
}

type pageFlipArg struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	_        uint32
	userData uint64
}

// PageFlip queues fb for the next vblank of crtc. userData comes back in the
// completion event.
func (c *Card) PageFlip(crtcID, fbID uint32, flags uint32, userData uint64) error {
	arg := pageFlipArg{crtcID: crtcID, fbID: fbID, flags: flags, userData: userData}
	err := ioctl(c.fd, ioctlPageFlip, unsafe.Pointer(&arg))
	if err != nil {
		return xerrors.Errorf("DRM_IOCTL_MODE_PAGE_FLIP %d: %w", crtcID, err)
	}
	return nil
}
