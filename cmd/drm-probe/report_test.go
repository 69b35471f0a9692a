// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/linuxdeepin/dde-output-mux/drm"
)

type fakeCard struct {
	res        *drm.Resources
	connectors map[uint32]*drm.Connector
	encoders   map[uint32]*drm.Encoder
}

func (c *fakeCard) Resources() (*drm.Resources, error) {
	if c.res == nil {
		return nil, xerrors.New("permission denied")
	}
	return c.res, nil
}

func (c *fakeCard) Connector(id uint32) (*drm.Connector, error) {
	conn, ok := c.connectors[id]
	if !ok {
		return nil, xerrors.Errorf("no connector %d", id)
	}
	return conn, nil
}

func (c *fakeCard) Encoder(id uint32) (*drm.Encoder, error) {
	enc, ok := c.encoders[id]
	if !ok {
		return nil, xerrors.Errorf("no encoder %d", id)
	}
	return enc, nil
}

func newFakeCard() *fakeCard {
	modes := []drm.ModeInfo{{Hdisplay: 2560, Vdisplay: 1440, Vrefresh: 60, Type: drm.ModeTypePreferred}}
	return &fakeCard{
		res: &drm.Resources{
			Crtcs:      []uint32{30, 31},
			Encoders:   []uint32{40, 41},
			Connectors: []uint32{50, 51, 52},
		},
		connectors: map[uint32]*drm.Connector{
			50: {ID: 50, Type: 14, TypeID: 1, Connection: drm.Connected, Encoders: []uint32{40}, Modes: modes},
			51: {ID: 51, Type: 11, TypeID: 1, Connection: drm.Connected, Encoders: []uint32{40, 41}, Modes: modes},
			52: {ID: 52, Type: 10, TypeID: 1, Connection: drm.Disconnected, Encoders: []uint32{41}},
		},
		encoders: map[uint32]*drm.Encoder{
			40: {ID: 40, PossibleCrtcs: 0x1},
			41: {ID: 41, PossibleCrtcs: 0x3},
		},
	}
}

func TestProbeCard(t *testing.T) {
	r := &CardReport{Path: "/dev/dri/card0", Used: true}
	probeCard(r, newFakeCard(), nil)

	assert.Empty(t, r.Error)
	assert.Equal(t, []uint32{30, 31}, r.Crtcs)
	require.Len(t, r.Encoders, 2)
	assert.Equal(t, []uint32{30}, r.Encoders[0].Crtcs)
	assert.Equal(t, []uint32{30, 31}, r.Encoders[1].Crtcs)
	require.Len(t, r.Connectors, 3)
	assert.Equal(t, "eDP-1", r.Connectors[0].Name)
	assert.Equal(t, "2560x1440@60", r.Connectors[0].Preferred)
	assert.Empty(t, r.Connectors[2].Preferred)

	// eDP-1 takes crtc 30, so HDMI-A-1 falls through to encoder 41
	assert.Equal(t, []AssignmentReport{
		{Connector: "eDP-1", Encoder: 40, Crtc: 30, Mode: "2560x1440@60"},
		{Connector: "HDMI-A-1", Encoder: 41, Crtc: 31, Mode: "2560x1440@60"},
	}, r.Assignment)

	data, err := yaml.Marshal(&Report{Cards: []*CardReport{r}})
	require.NoError(t, err)
	var back Report
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, r.Assignment, back.Cards[0].Assignment)
}

func TestProbeUnusedCard(t *testing.T) {
	r := &CardReport{Path: "/dev/dri/card1"}
	probeCard(r, newFakeCard(), nil)
	assert.Len(t, r.Connectors, 3)
	assert.Empty(t, r.Assignment)
}

func TestProbeError(t *testing.T) {
	c := newFakeCard()
	c.res = nil
	r := &CardReport{Path: "/dev/dri/card0", Used: true}
	probeCard(r, c, nil)
	assert.Equal(t, "permission denied", r.Error)
	assert.Empty(t, r.Connectors)
}
