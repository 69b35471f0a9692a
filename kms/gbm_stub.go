// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !(linux && gbm)

package kms

import (
	"golang.org/x/xerrors"
)

var ErrNoGBM = xerrors.New("kms: built without the gbm tag")

func NewAllocator(fd int) (Allocator, error) {
	return nil, ErrNoGBM
}
