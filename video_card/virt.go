// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package video_card

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const detectVirtTimeout = 2 * time.Second

var detectVirtCmd = []string{"systemd-detect-virt", "-v"}

// Virtualization returns the hypervisor name reported by systemd-detect-virt,
// or "" on bare metal. Virtual GPUs usually expose a single CRTC.
func Virtualization() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), detectVirtTimeout)
	defer cancel()
	return runDetectVirt(ctx, detectVirtCmd[0], detectVirtCmd[1:]...)
}

func runDetectVirt(ctx context.Context, name string, arg ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, arg...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if ctx.Err() != nil {
		return "", xerrors.Errorf("%s: %w", name, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		// exits 1 and prints "none" when not virtualized
		if xerrors.As(err, &exitErr) && out == "none" {
			return "", nil
		}
		return "", xerrors.Errorf("%s: %w", name, err)
	}
	if out == "none" {
		out = ""
	}
	return out, nil
}
