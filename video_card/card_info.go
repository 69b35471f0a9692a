// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package video_card

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/linuxdeepin/go-lib/xdg/basedir"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-output-mux/udev"
)

// CardInfo the display/graphics card id
type CardInfo struct {
	Name     string
	Path     string `json:"-"`
	VendorID string
	DevID    string
	Driver   string
	BootVGA  bool
}

// CardInfos the card id list
type CardInfos []*CardInfo

var cardInfosPath = filepath.Join(basedir.GetUserConfigDir(), "deepin/dde-output-mux/cards.json")

// GetCardInfos reads the PCI identity of every card under sysRoot.
func GetCardInfos(sysRoot, devRoot string) (CardInfos, error) {
	cards, err := udev.EnumerateCards(sysRoot, devRoot)
	if err != nil {
		return nil, err
	}

	var infos CardInfos
	for _, card := range cards {
		devDir := filepath.Join(card.SysPath, "device")
		info := &CardInfo{
			Name:     card.Name,
			Path:     card.DevPath,
			VendorID: readHexID(filepath.Join(devDir, "vendor")),
			DevID:    readHexID(filepath.Join(devDir, "device")),
			BootVGA:  readAttr(filepath.Join(devDir, "boot_vga")) == "1",
		}
		driver, err := os.Readlink(filepath.Join(devDir, "driver"))
		if err == nil {
			info.Driver = filepath.Base(driver)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func readAttr(filename string) string {
	content, err := ioutil.ReadFile(filename)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

// readHexID turns "0x8086" into "8086".
func readHexID(filename string) string {
	return strings.TrimPrefix(strings.ToLower(readAttr(filename)), "0x")
}

// Primary is the card the firmware booted with, else the first one.
func (infos CardInfos) Primary() *CardInfo {
	for _, info := range infos {
		if info.BootVGA {
			return info
		}
	}
	if len(infos) > 0 {
		return infos[0]
	}
	return nil
}

func loadCardInfosFromFile(filename string) (CardInfos, error) {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cardInfos CardInfos
	err = json.Unmarshal(contents, &cardInfos)
	if err != nil {
		return nil, xerrors.Errorf("parse %s: %w", filename, err)
	}
	return cardInfos, nil
}

func doSaveCardInfos(filename string, cardInfos CardInfos) error {
	err := os.MkdirAll(filepath.Dir(filename), 0755)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cardInfos)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, data, 0644)
}

func isCardChange(actual CardInfos, filename string) (change bool) {
	cacheCardInfos, err := loadCardInfosFromFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warning("failed to load card info from config file:", err)
		}
		change = true
	} else if !reflect.DeepEqual(withoutPaths(actual), cacheCardInfos) {
		change = true
	}

	if change {
		err = doSaveCardInfos(filename, actual)
		if err != nil {
			logger.Warning("failed to save card infos:", err)
		}
	}
	return change
}

// withoutPaths drops the fields that are not cached.
func withoutPaths(infos CardInfos) CardInfos {
	result := make(CardInfos, 0, len(infos))
	for _, info := range infos {
		c := *info
		c.Path = ""
		result = append(result, &c)
	}
	return result
}
