// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/drm"
)

// Querier reads a card's mode-setting topology.
type Querier interface {
	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.Connector, error)
	Encoder(id uint32) (*drm.Encoder, error)
}

// firstFit offers each free CRTC the connector's encoders can drive to
// accept, in driver order, until accept returns true. The accepted CRTC is
// marked claimed.
func firstFit(q Querier, path string, res *drm.Resources, conn *drm.Connector, mode drm.ModeInfo,
	claimed map[uint32]bool, accept func(c *Candidate) bool) bool {
	for _, encID := range conn.Encoders {
		if encID == 0 {
			continue
		}
		enc, err := q.Encoder(encID)
		if err != nil {
			logger.Warningf("%s: encoder %d: %v", path, encID, err)
			continue
		}
		for i, crtc := range res.Crtcs {
			if claimed[crtc] || !enc.CanDrive(i) {
				continue
			}
			c := &Candidate{
				DevicePath: path,
				Connector:  conn,
				Encoder:    enc,
				Crtc:       crtc,
				CrtcIndex:  i,
				Mode:       mode,
			}
			if accept(c) {
				claimed[crtc] = true
				return true
			}
		}
	}
	return false
}

// Plan runs the greedy assignment against q without spawning anything and
// returns the candidates the policy accepted. A nil policy accepts all.
func Plan(q Querier, path string, policy Policy) ([]*Candidate, error) {
	if policy == nil {
		policy = AcceptAll{}
	}
	res, err := q.Resources()
	if err != nil {
		return nil, xerrors.Errorf("%s: resources: %w", path, err)
	}
	claimed := make(map[uint32]bool)
	var result []*Candidate
	for _, connID := range res.Connectors {
		conn, err := q.Connector(connID)
		if err != nil {
			logger.Warningf("%s: connector %d: %v", path, connID, err)
			continue
		}
		if conn.Connection != drm.Connected {
			continue
		}
		mode, ok := conn.PreferredMode()
		if !ok {
			continue
		}
		firstFit(q, path, res, conn, *mode, claimed, func(c *Candidate) bool {
			_, ok := policy.ConfigureOutput(c)
			if ok {
				result = append(result, c)
			}
			return ok
		})
	}
	return result, nil
}
