// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"path/filepath"

	"github.com/linuxdeepin/dde-output-mux/discovery"
	"github.com/linuxdeepin/dde-output-mux/metrics"
	"github.com/linuxdeepin/dde-output-mux/output"
)

// Policy is the discovery policy built from a config.
type Policy struct {
	cfg *Config
	// Primary is the card picked by GPU detection, empty if unknown.
	Primary string
	Pool    *output.Pool
	Metrics *metrics.Metrics
}

var _ discovery.Policy = (*Policy)(nil)

func NewPolicy(cfg *Config, primary string) *Policy {
	return &Policy{cfg: cfg, Primary: primary}
}

// ShouldUseGPU accepts only the forced card when one is configured, else
// only the primary card when PreferBootVGA is set and it is known.
func (p *Policy) ShouldUseGPU(path string) bool {
	path = filepath.Clean(path)
	if p.cfg.GPU.Path != "" {
		return path == filepath.Clean(p.cfg.GPU.Path)
	}
	if p.cfg.GPU.PreferBootVGA && p.Primary != "" {
		return path == filepath.Clean(p.Primary)
	}
	return true
}

func (p *Policy) ConfigureOutput(c *discovery.Candidate) (output.Options, bool) {
	name := c.Connector.Name()
	if p.cfg.ConnectorDisabled(name) {
		logger.Debugf("connector %s disabled", name)
		return output.Options{}, false
	}
	return p.Options(name), true
}

// Options are the output options for an output called name.
func (p *Policy) Options(name string) output.Options {
	g := p.cfg.General
	return output.Options{
		Name:           name,
		StartupTimeout: g.StartupTimeout,
		ParkTimeout:    g.ParkTimeout,
		CloseTimeout:   g.CloseTimeout,
		PixelRatioBase: float64(p.cfg.Output.PixelRatioBase),
		Pool:           p.Pool,
		Metrics:        p.Metrics,
	}
}
