// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// drm-probe prints the connector, encoder and CRTC topology of every card and
// the outputs the daemon would bind, as YAML.
package main

import (
	"flag"
	"os"

	"github.com/linuxdeepin/go-lib/log"
	"gopkg.in/yaml.v3"

	"github.com/linuxdeepin/dde-output-mux/config"
	"github.com/linuxdeepin/dde-output-mux/drm"
	"github.com/linuxdeepin/dde-output-mux/video_card"
)

var logger = log.NewLogger("dde-output-mux/drm-probe")

var (
	debug      = flag.Bool("d", false, "debug")
	configFile = flag.String("config", config.DefaultPath(), "config file")
	cardPath   = flag.String("card", "", "probe only this card")
)

func main() {
	flag.Parse()
	if *debug {
		logger.SetLogLevel(log.LevelDebug)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Warning(err)
		cfg = config.Default()
	}

	infos, err := video_card.GetCardInfos(video_card.DefaultSysRoot, video_card.DefaultDevRoot)
	if err != nil {
		logger.Warning("failed to list cards:", err)
	}
	var primary string
	if p := infos.Primary(); p != nil {
		primary = p.Path
	}
	policy := config.NewPolicy(cfg, primary)

	var report Report
	report.Virtualization, err = video_card.Virtualization()
	if err != nil {
		logger.Debug(err)
	}
	for _, info := range infos {
		if *cardPath != "" && info.Path != *cardPath {
			continue
		}
		r := &CardReport{
			Path:    info.Path,
			Driver:  info.Driver,
			BootVGA: info.BootVGA,
			Used:    policy.ShouldUseGPU(info.Path),
		}
		report.Cards = append(report.Cards, r)

		card, err := drm.OpenCard(info.Path)
		if err != nil {
			r.Error = err.Error()
			continue
		}
		probeCard(r, card, policy)
		card.Close()
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	err = enc.Encode(&report)
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		logger.Fatal(err)
	}
	if len(report.Cards) == 0 {
		os.Exit(1)
	}
}
