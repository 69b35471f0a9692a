// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/linuxdeepin/go-lib/keyfile"
	"github.com/linuxdeepin/go-lib/log"
	"github.com/linuxdeepin/go-lib/xdg/basedir"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/egl"
)

var logger = log.NewLogger("dde-output-mux/config")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const (
	sectionGeneral     = "General"
	sectionGPU         = "GPU"
	sectionOutput      = "Output"
	sectionPixelFormat = "PixelFormat"
	sectionKeyboard    = "Keyboard"
	sectionWindow      = "Window"
)

const (
	BackendDRM = "drm"
	BackendX11 = "x11"
)

type General struct {
	Backend        string
	Seat           string
	StartupTimeout time.Duration
	ParkTimeout    time.Duration
	CloseTimeout   time.Duration
}

type GPU struct {
	// Path forces a card, e.g. /dev/dri/card1.
	Path          string
	PreferBootVGA bool
}

type Output struct {
	DisabledConnectors []string
	PixelRatioBase     int
	AssetsPath         string
	ICUDataPath        string
	Args               []string
}

type Keyboard struct {
	RepeatDelay time.Duration
	RepeatRate  time.Duration
	VTSwitch    bool
}

type Window struct {
	Width  int
	Height int
	Title  string
}

type Config struct {
	General     General
	GPU         GPU
	Output      Output
	PixelFormat egl.PixelFormatRequirements
	Keyboard    Keyboard
	Window      Window
}

func Default() *Config {
	return &Config{
		General: General{
			Backend:        BackendDRM,
			Seat:           "seat0",
			StartupTimeout: 5 * time.Second,
			ParkTimeout:    16 * time.Millisecond,
			CloseTimeout:   2 * time.Second,
		},
		GPU: GPU{
			PreferBootVGA: true,
		},
		Output: Output{
			PixelRatioBase: 1080,
		},
		PixelFormat: egl.DefaultPixelFormatRequirements(),
		Keyboard: Keyboard{
			RepeatDelay: 1000 * time.Millisecond,
			RepeatRate:  50 * time.Millisecond,
			VTSwitch:    true,
		},
		Window: Window{
			Width:  853,
			Height: 533,
			Title:  "Output Mux",
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/deepin/dde-output-mux/outputs.conf.
func DefaultPath() string {
	return filepath.Join(basedir.GetUserConfigDir(), "deepin", "dde-output-mux", "outputs.conf")
}

// Load reads filename on top of the defaults. A missing file is not an error.
func Load(filename string) (*Config, error) {
	kf := keyfile.NewKeyFile()
	err := kf.LoadFromFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("%s not found, using defaults", filename)
			return Default(), nil
		}
		return nil, xerrors.Errorf("load %s: %w", filename, err)
	}
	cfg := fromKeyFile(kf)
	logger.Debug("config:", spew.Sdump(cfg))
	return cfg, nil
}

// Parse reads a config from keyfile data.
func Parse(data []byte) (*Config, error) {
	kf := keyfile.NewKeyFile()
	err := kf.LoadFromData(data)
	if err != nil {
		return nil, xerrors.Errorf("parse config: %w", err)
	}
	return fromKeyFile(kf), nil
}

type reader struct {
	kf *keyfile.KeyFile
}

func (r reader) str(section, key string, def string) string {
	v, err := r.kf.GetString(section, key)
	if err != nil {
		return def
	}
	return strings.TrimSpace(v)
}

func (r reader) integer(section, key string, def int) int {
	v, err := r.kf.GetInt(section, key)
	if err != nil {
		return def
	}
	return v
}

func (r reader) boolean(section, key string, def bool) bool {
	v, err := r.kf.GetBool(section, key)
	if err != nil {
		return def
	}
	return v
}

func (r reader) millis(section, key string, def time.Duration) time.Duration {
	v, err := r.kf.GetInt(section, key)
	if err != nil || v < 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func (r reader) list(section, key string) []string {
	v, err := r.kf.GetStringList(section, key)
	if err != nil {
		return nil
	}
	var result []string
	for _, s := range v {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func (r reader) tristate(section, key string, def egl.Tristate) egl.Tristate {
	v, err := r.kf.GetBool(section, key)
	if err != nil {
		return def
	}
	if v {
		return egl.Yes
	}
	return egl.No
}

func fromKeyFile(kf *keyfile.KeyFile) *Config {
	cfg := Default()
	r := reader{kf: kf}

	g := &cfg.General
	g.Backend = strings.ToLower(r.str(sectionGeneral, "Backend", g.Backend))
	if g.Backend != BackendDRM && g.Backend != BackendX11 {
		logger.Warningf("unknown backend %q, using %s", g.Backend, BackendDRM)
		g.Backend = BackendDRM
	}
	g.Seat = r.str(sectionGeneral, "Seat", g.Seat)
	g.StartupTimeout = r.millis(sectionGeneral, "StartupTimeout", g.StartupTimeout)
	g.ParkTimeout = r.millis(sectionGeneral, "ParkTimeout", g.ParkTimeout)
	g.CloseTimeout = r.millis(sectionGeneral, "CloseTimeout", g.CloseTimeout)

	cfg.GPU.Path = r.str(sectionGPU, "Path", "")
	cfg.GPU.PreferBootVGA = r.boolean(sectionGPU, "PreferBootVGA", cfg.GPU.PreferBootVGA)

	o := &cfg.Output
	o.DisabledConnectors = r.list(sectionOutput, "DisabledConnectors")
	o.PixelRatioBase = r.integer(sectionOutput, "PixelRatioBase", o.PixelRatioBase)
	if o.PixelRatioBase <= 0 {
		o.PixelRatioBase = Default().Output.PixelRatioBase
	}
	o.AssetsPath = r.str(sectionOutput, "AssetsPath", "")
	o.ICUDataPath = r.str(sectionOutput, "ICUDataPath", "")
	o.Args = r.list(sectionOutput, "Args")

	pf := &cfg.PixelFormat
	pf.ColorBits = r.integer(sectionPixelFormat, "ColorBits", pf.ColorBits)
	pf.AlphaBits = r.integer(sectionPixelFormat, "AlphaBits", pf.AlphaBits)
	pf.DepthBits = r.integer(sectionPixelFormat, "DepthBits", pf.DepthBits)
	pf.StencilBits = r.integer(sectionPixelFormat, "StencilBits", pf.StencilBits)
	pf.Multisampling = r.integer(sectionPixelFormat, "Multisampling", pf.Multisampling)
	pf.HardwareAccelerated = r.tristate(sectionPixelFormat, "HardwareAccelerated", pf.HardwareAccelerated)
	pf.DoubleBuffer = r.tristate(sectionPixelFormat, "DoubleBuffer", pf.DoubleBuffer)

	k := &cfg.Keyboard
	k.RepeatDelay = r.millis(sectionKeyboard, "RepeatDelay", k.RepeatDelay)
	k.RepeatRate = r.millis(sectionKeyboard, "RepeatRate", k.RepeatRate)
	k.VTSwitch = r.boolean(sectionKeyboard, "VTSwitch", k.VTSwitch)

	w := &cfg.Window
	w.Width = r.integer(sectionWindow, "Width", w.Width)
	w.Height = r.integer(sectionWindow, "Height", w.Height)
	w.Title = r.str(sectionWindow, "Title", w.Title)
	return cfg
}

// ConnectorDisabled reports whether name is listed in DisabledConnectors.
func (c *Config) ConnectorDisabled(name string) bool {
	for _, n := range c.Output.DisabledConnectors {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
