// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udev watches for DRM card nodes coming and going and forwards the
// events to a Handler.
package udev

import (
	"io/ioutil"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var logger = log.NewLogger("dde-output-mux/udev")

func SetLogLevel(level log.Priority) {
	logger.SetLogLevel(level)
}

// Handler receives device events. Ids are dev_t numbers.
type Handler interface {
	DeviceAdded(id uint64, path string)
	DeviceChanged(id uint64)
	DeviceRemoved(id uint64)
}

var cardNameRegexp = regexp.MustCompile(`^card[0-9]+$`)

// IsCardName reports whether name is a primary DRM node like "card0"
// rather than a connector like "card0-HDMI-A-1".
func IsCardName(name string) bool {
	return cardNameRegexp.MatchString(name)
}

// CardInfo is a card found in sysfs.
type CardInfo struct {
	ID      uint64
	Name    string
	DevPath string
	SysPath string
}

// EnumerateCards lists the card nodes under sysRoot (normally
// /sys/class/drm) ordered by card number.
func EnumerateCards(sysRoot, devRoot string) ([]CardInfo, error) {
	entries, err := ioutil.ReadDir(sysRoot)
	if err != nil {
		return nil, xerrors.Errorf("read %s: %w", sysRoot, err)
	}

	var cards []CardInfo
	for _, entry := range entries {
		name := entry.Name()
		if !IsCardName(name) {
			continue
		}
		sysPath := filepath.Join(sysRoot, name)
		content, err := ioutil.ReadFile(filepath.Join(sysPath, "dev"))
		if err != nil {
			logger.Debug("skip card without dev file:", name)
			continue
		}
		major, minor, err := parseDevNumber(strings.TrimSpace(string(content)))
		if err != nil {
			logger.Warningf("bad dev number for %s: %v", name, err)
			continue
		}
		cards = append(cards, CardInfo{
			ID:      unix.Mkdev(major, minor),
			Name:    name,
			DevPath: filepath.Join(devRoot, name),
			SysPath: sysPath,
		})
	}

	sort.Slice(cards, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(cards[i].Name, "card"))
		b, _ := strconv.Atoi(strings.TrimPrefix(cards[j].Name, "card"))
		return a < b
	})
	return cards, nil
}

func parseDevNumber(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, xerrors.Errorf("invalid dev number %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(major), uint32(minor), nil
}
