// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package drm

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	eventVblank       = 0x01
	eventFlipComplete = 0x02

	eventHeaderSize = 8
	vblankEventSize = 32
)

// VblankEvent is a decoded drm_event_vblank.
type VblankEvent struct {
	FlipComplete bool
	UserData     uint64
	Sequence     uint32
	CrtcID       uint32
	Time         time.Duration
}

// ParseEvents decodes the records in buf. Unknown types are skipped, a
// truncated tail is an error.
func ParseEvents(buf []byte) ([]VblankEvent, error) {
	var events []VblankEvent
	for len(buf) > 0 {
		if len(buf) < eventHeaderSize {
			return events, xerrors.Errorf("truncated drm event header (%d bytes)", len(buf))
		}
		typ := binary.LittleEndian.Uint32(buf[0:4])
		length := int(binary.LittleEndian.Uint32(buf[4:8]))
		if length < eventHeaderSize || length > len(buf) {
			return events, xerrors.Errorf("bad drm event length %d", length)
		}
		rec := buf[:length]
		buf = buf[length:]

		if typ != eventVblank && typ != eventFlipComplete {
			logger.Debugf("skip drm event type %d", typ)
			continue
		}
		if length < vblankEventSize {
			return events, xerrors.Errorf("short vblank event (%d bytes)", length)
		}
		sec := binary.LittleEndian.Uint32(rec[16:20])
		usec := binary.LittleEndian.Uint32(rec[20:24])
		events = append(events, VblankEvent{
			FlipComplete: typ == eventFlipComplete,
			UserData:     binary.LittleEndian.Uint64(rec[8:16]),
			Sequence:     binary.LittleEndian.Uint32(rec[24:28]),
			CrtcID:       binary.LittleEndian.Uint32(rec[28:32]),
			Time:         time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
		})
	}
	return events, nil
}

// ReadEvents drains pending events from the card fd. A non-blocking fd with
// nothing queued returns no events and no error.
func (c *Card) ReadEvents() ([]VblankEvent, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		return nil, xerrors.Errorf("read drm events: %w", err)
	}
	return ParseEvents(buf[:n])
}
