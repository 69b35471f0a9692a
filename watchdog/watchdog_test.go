// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package watchdog

import (
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	C "gopkg.in/check.v1"

	"github.com/linuxdeepin/dde-output-mux/output"
)

type watchdogSuite struct{}

func Test(t *testing.T) { C.TestingT(t) }

func init() {
	C.Suite(&watchdogSuite{})
}

type nopTarget struct{}

func (nopTarget) Present() error                    { return nil }
func (nopTarget) Acquire() error                    { return nil }
func (nopTarget) FramebufferSize() (uint32, uint32) { return 640, 480 }
func (nopTarget) AcquireResource() error            { return nil }
func (nopTarget) Release() error                    { return nil }
func (nopTarget) ResolveProc(string) uintptr        { return 0 }
func (nopTarget) Destroy()                          {}

type nopClient struct{}

func (nopClient) Run() error                                   { return nil }
func (nopClient) SendWindowMetrics(output.WindowMetrics) error { return nil }
func (nopClient) ExecutePlatformTasks() time.Duration          { return -1 }
func (nopClient) Shutdown()                                    {}

func newOutput(c *C.C, name string) *output.Output {
	opts := output.DefaultOptions()
	opts.Name = name
	o, err := output.New(func() (output.Target, error) { return nopTarget{}, nil },
		func(output.Host) (output.Client, error) { return nopClient{}, nil }, opts)
	c.Assert(err, C.IsNil)
	return o
}

func (*watchdogSuite) TestTaskCreate(c *C.C) {
	c.Check(newTask("test1", nil, nil), C.IsNil)
	c.Check(newTask("test1", func() bool { return true }, func() error { return nil }), C.NotNil)
}

func (*watchdogSuite) TestTaskState(c *C.C) {
	healthy := false
	task := newTask("test1", func() bool { return healthy }, func() error { return nil })
	task.Enable(false)
	c.Check(task.NeedsRepair(), C.Equals, false)
	task.Enable(true)
	c.Check(task.NeedsRepair(), C.Equals, true)
	task.gaveUp = true
	c.Check(task.NeedsRepair(), C.Equals, false)
	task.gaveUp = false
	healthy = true
	c.Check(task.NeedsRepair(), C.Equals, false)
}

func (*watchdogSuite) TestTaskGivesUp(c *C.C) {
	repaired := 0
	task := newTask("flaky", func() bool { return false }, func() error {
		repaired++
		return nil
	})
	for i := 0; i < 5; i++ {
		c.Assert(task.Run(time.Second, 3), C.IsNil)
	}
	c.Check(task.GaveUp(), C.Equals, true)
	c.Check(repaired, C.Equals, 3)

	task.Enable(false)
	task.Enable(true)
	c.Check(task.GaveUp(), C.Equals, false)
	c.Check(task.Streak(), C.Equals, 0)
}

func (*watchdogSuite) TestManager(c *C.C) {
	task1 := newTask("test1", func() bool { return false }, func() error { return nil })
	task2 := newTask("test2", func() bool { return false }, func() error { return nil })
	m := newManager(time.Second, 10)
	m.AddTask(task1)
	m.AddTask(nil)
	task1.gaveUp = true
	c.Check(m.hasActiveTask(), C.Equals, false)
	m.AddTask(task2)
	c.Check(m.hasActiveTask(), C.Equals, true)
	c.Check(m.GetTask("test2"), C.Equals, task2)
	c.Check(m.GetTask("test3"), C.IsNil)
	c.Check(m.EnableTask("test3", true), C.Equals, false)
}

func (*watchdogSuite) TestSweepAndRescan(c *C.C) {
	r := output.NewRegistry()
	var rescans int32
	w := newWatchdog(Options{
		Interval: time.Second,
		Registry: r,
		Rescan:   func() { atomic.AddInt32(&rescans, 1) },
	})

	w.m.runTasks()
	c.Check(atomic.LoadInt32(&rescans), C.Equals, int32(1))

	live := newOutput(c, "eDP-1")
	defer live.Close()
	dead := newOutput(c, "HDMI-A-1")
	r.Register(live)
	r.Register(dead)
	c.Assert(dead.Close(), C.IsNil)
	c.Check(r.Dead(), C.Equals, 1)

	w.m.runTasks()
	c.Check(r.Dead(), C.Equals, 0)
	c.Check(r.Len(), C.Equals, 1)
	c.Check(atomic.LoadInt32(&rescans), C.Equals, int32(1))
}

func (*watchdogSuite) TestLoop(c *C.C) {
	r := output.NewRegistry()
	rescanned := make(chan struct{}, 10)
	w := Start(Options{
		Interval: 10 * time.Millisecond,
		Registry: r,
		Rescan:   func() { rescanned <- struct{}{} },
	})
	select {
	case <-rescanned:
	case <-time.After(2 * time.Second):
		c.Fatal("no rescan")
	}
	c.Check(w.EnableTask(OutputsTaskName, false), C.Equals, true)
	w.Stop()
	w.Stop()
}

func (*watchdogSuite) TestMaxStreakEnv(c *C.C) {
	c.Check(maxStreak(), C.Equals, 10)
	os.Setenv(envMaxStreak, "0")
	defer os.Unsetenv(envMaxStreak)
	c.Check(maxStreak(), C.Equals, 0)
}

func (*watchdogSuite) TestRepairError(c *C.C) {
	errRepair := errors.New("no gpu")
	task := newTask("broken", func() bool { return false }, func() error { return errRepair })
	c.Check(task.Run(time.Second, 0), C.Equals, errRepair)
	c.Check(task.LastError(), C.Equals, errRepair)
	c.Check(task.GaveUp(), C.Equals, false)
}
