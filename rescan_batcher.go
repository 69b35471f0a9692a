// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"sort"
	"sync"
	"time"
)

const rescanDelay = 200 * time.Millisecond

// rescanBatcher merges rescan requests that arrive within delay of the first
// one. do gets the distinct reasons and runs on a timer goroutine.
type rescanBatcher struct {
	mu      sync.Mutex
	reasons map[string]bool
	timer   *time.Timer
	stopped bool
	delay   time.Duration
	do      func(reasons []string)
}

func newRescanBatcher(delay time.Duration, do func(reasons []string)) *rescanBatcher {
	return &rescanBatcher{
		reasons: make(map[string]bool),
		delay:   delay,
		do:      do,
	}
}

func (b *rescanBatcher) Request(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.reasons[reason] = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.fire)
	}
}

func (b *rescanBatcher) fire() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	reasons := make([]string, 0, len(b.reasons))
	for reason := range b.reasons {
		reasons = append(reasons, reason)
	}
	b.reasons = make(map[string]bool)
	b.timer = nil
	b.mu.Unlock()

	sort.Strings(reasons)
	logger.Debug("rescan requested by", reasons)
	b.do(reasons)
}

// Stop drops pending requests.
func (b *rescanBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
