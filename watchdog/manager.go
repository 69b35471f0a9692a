// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watchdog

import (
	"sync"
	"time"
)

type Manager struct {
	interval  time.Duration
	maxStreak int

	mu    sync.Mutex
	quit  chan struct{}
	done  chan struct{}
	tasks []*task
}

func newManager(interval time.Duration, maxStreak int) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Manager{
		interval:  interval,
		maxStreak: maxStreak,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *Manager) AddTask(t *task) {
	if t == nil {
		return
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()
}

func (m *Manager) GetTask(name string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if name == t.name {
			return t
		}
	}
	return nil
}

// EnableTask turns a task on or off. Enabling clears an earlier failure.
func (m *Manager) EnableTask(name string, enabled bool) bool {
	t := m.GetTask(name)
	if t == nil {
		return false
	}
	t.Enable(enabled)
	return true
}

func (m *Manager) hasActiveTask() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if !t.GaveUp() {
			return true
		}
	}
	return false
}

func (m *Manager) runTasks() {
	m.mu.Lock()
	tasks := append([]*task(nil), m.tasks...)
	m.mu.Unlock()
	for _, t := range tasks {
		err := t.Run(m.interval, m.maxStreak)
		if err != nil {
			logger.Warningf("%s: repair failed: %v", t.name, err)
		}
	}
}

func (m *Manager) StartLoop() {
	defer close(m.done)
	m.mu.Lock()
	quit := m.quit
	m.mu.Unlock()
	if quit == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if !m.hasActiveTask() {
				logger.Debug("All tasks have given up")
				return
			}
			m.runTasks()
		}
	}
}

// QuitLoop stops the loop and waits for it. It must not be called from a
// t.
func (m *Manager) QuitLoop() {
	m.mu.Lock()
	if m.quit == nil {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.quit = nil
	m.mu.Unlock()
	<-m.done
}
