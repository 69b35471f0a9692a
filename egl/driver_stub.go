// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux && egl)

package egl

import (
	"golang.org/x/xerrors"
)

// Open fails unless the binary was built with the egl tag.
func Open() (Driver, error) {
	return nil, xerrors.Errorf("built without the egl tag: %w", ErrNotSupported)
}
