// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package video_card

import (
	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("dde-output-mux/video_card")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

const (
	DefaultSysRoot = "/sys/class/drm"
	DefaultDevRoot = "/dev/dri"
)

var errNoCard = xerrors.New("no graphics card found")

// Detect finds the primary card and records the card set, logging when it
// differs from the one seen at the last start.
func Detect(sysRoot, devRoot string) (*CardInfo, CardInfos, error) {
	return detect(sysRoot, devRoot, cardInfosPath)
}

func detect(sysRoot, devRoot, cachePath string) (*CardInfo, CardInfos, error) {
	infos, err := GetCardInfos(sysRoot, devRoot)
	if err != nil {
		return nil, nil, err
	}
	for _, info := range infos {
		logger.Debugf("%s: %s:%s driver %q boot_vga %v", info.Name, info.VendorID, info.DevID,
			info.Driver, info.BootVGA)
	}
	if isCardChange(infos, cachePath) {
		logger.Info("graphics cards changed since last start")
	}
	primary := infos.Primary()
	if primary == nil {
		return nil, infos, errNoCard
	}
	logger.Infof("primary gpu %s (%s:%s)", primary.Path, primary.VendorID, primary.DevID)
	return primary, infos, nil
}
