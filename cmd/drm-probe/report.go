// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"github.com/linuxdeepin/dde-output-mux/discovery"
	"github.com/linuxdeepin/dde-output-mux/drm"
)

type Report struct {
	Virtualization string        `yaml:"virtualization,omitempty"`
	Cards          []*CardReport `yaml:"cards"`
}

type CardReport struct {
	Path       string             `yaml:"path"`
	Driver     string             `yaml:"driver,omitempty"`
	BootVGA    bool               `yaml:"boot_vga"`
	Used       bool               `yaml:"used"`
	Error      string             `yaml:"error,omitempty"`
	Crtcs      []uint32           `yaml:"crtcs,flow"`
	Encoders   []EncoderReport    `yaml:"encoders,omitempty"`
	Connectors []ConnectorReport  `yaml:"connectors,omitempty"`
	Assignment []AssignmentReport `yaml:"assignment,omitempty"`
}

type EncoderReport struct {
	ID     uint32   `yaml:"id"`
	CrtcID uint32   `yaml:"crtc,omitempty"`
	Crtcs  []uint32 `yaml:"possible_crtcs,flow"`
}

type ConnectorReport struct {
	ID        uint32   `yaml:"id"`
	Name      string   `yaml:"name"`
	State     string   `yaml:"state"`
	Encoders  []uint32 `yaml:"encoders,flow"`
	Preferred string   `yaml:"preferred,omitempty"`
	Modes     int      `yaml:"modes"`
	MmWidth   uint32   `yaml:"mm_width,omitempty"`
	MmHeight  uint32   `yaml:"mm_height,omitempty"`
}

type AssignmentReport struct {
	Connector string `yaml:"connector"`
	Encoder   uint32 `yaml:"encoder"`
	Crtc      uint32 `yaml:"crtc"`
	Mode      string `yaml:"mode"`
}

// probeCard fills r from q. Errors are recorded in the report.
func probeCard(r *CardReport, q discovery.Querier, policy discovery.Policy) {
	res, err := q.Resources()
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Crtcs = res.Crtcs

	for _, id := range res.Encoders {
		enc, err := q.Encoder(id)
		if err != nil {
			logger.Warningf("%s: encoder %d: %v", r.Path, id, err)
			continue
		}
		er := EncoderReport{ID: enc.ID, CrtcID: enc.CrtcID}
		for i, crtc := range res.Crtcs {
			if enc.CanDrive(i) {
				er.Crtcs = append(er.Crtcs, crtc)
			}
		}
		r.Encoders = append(r.Encoders, er)
	}

	for _, id := range res.Connectors {
		conn, err := q.Connector(id)
		if err != nil {
			logger.Warningf("%s: connector %d: %v", r.Path, id, err)
			continue
		}
		cr := ConnectorReport{
			ID:       conn.ID,
			Name:     conn.Name(),
			State:    conn.Connection.String(),
			Encoders: conn.Encoders,
			Modes:    len(conn.Modes),
			MmWidth:  conn.MmWidth,
			MmHeight: conn.MmHeight,
		}
		if mode, ok := conn.PreferredMode(); ok {
			cr.Preferred = mode.String()
		}
		r.Connectors = append(r.Connectors, cr)
	}

	if !r.Used {
		return
	}
	plan, err := discovery.Plan(q, r.Path, policy)
	if err != nil {
		r.Error = err.Error()
		return
	}
	for _, c := range plan {
		r.Assignment = append(r.Assignment, AssignmentReport{
			Connector: c.Connector.Name(),
			Encoder:   c.Encoder.ID,
			Crtc:      c.Crtc,
			Mode:      c.Mode.String(),
		})
	}
}

var _ discovery.Querier = (*drm.Card)(nil)
