// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watchdog

import (
	"sync"
	"time"
)

const (
	defaultInterval = 10 * time.Second
	// slack allowed between two rounds that still count as consecutive
	roundSlack = 2 * time.Second
)

// task repairs one aspect of the output set when its check fails.
type task struct {
	name   string
	check  func() bool
	repair func() error

	mu      sync.Mutex
	enabled bool
	gaveUp  bool
	// repairs done on consecutive rounds
	streak     int
	lastRepair time.Time
	lastErr    error
}

func newTask(name string, check func() bool, repair func() error) *task {
	if check == nil || repair == nil {
		return nil
	}
	return &task{
		name:       name,
		check:      check,
		repair:     repair,
		enabled:    true,
		lastRepair: time.Now(),
	}
}

// NeedsRepair is false for disabled tasks and tasks that gave up.
func (t *task) NeedsRepair() bool {
	t.mu.Lock()
	active := t.enabled && !t.gaveUp
	t.mu.Unlock()
	return active && !t.check()
}

// Run repairs when needed. maxStreak repairs on consecutive rounds make the
// task give up after the last one; 0 never gives up.
func (t *task) Run(interval time.Duration, maxStreak int) error {
	if !t.NeedsRepair() {
		t.mu.Lock()
		t.streak = 0
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	now := time.Now()
	if now.Sub(t.lastRepair) < interval+roundSlack {
		t.streak++
	} else {
		t.streak = 0
	}
	t.lastRepair = now
	if maxStreak > 0 && t.streak == maxStreak {
		t.gaveUp = true
		logger.Warningf("%s: giving up after %d repairs in a row", t.name, t.streak)
	}
	t.mu.Unlock()

	err := t.repair()
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return err
}

func (t *task) GaveUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaveUp
}

func (t *task) Streak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streak
}

func (t *task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Enable turns the task on or off. Enabling resets the streak.
func (t *task) Enable(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enabled && !t.enabled {
		t.gaveUp = false
		t.streak = 0
	}
	t.enabled = enabled
}
