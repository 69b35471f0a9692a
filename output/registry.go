// SPDX-FileCopyrightText: 2023 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package output

import (
	"fmt"
	"sync"
)

// Handle names a registry slot. A handle outlives its output: once the slot
// is reused the generation no longer matches and lookups fail.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.gen)
}

// IsZero reports the handle that never refers to anything.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

type slot struct {
	gen    uint32
	output *Output
}

// Registry tracks live outputs without keeping dead ones reachable after a
// Sweep. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(o *Output) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[index]
	s.gen++
	s.output = o
	return Handle{index: index, gen: s.gen}
}

func (r *Registry) lookup(h Handle) *slot {
	if h.IsZero() || int(h.index) >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.index]
	if s.gen != h.gen || s.output == nil {
		return nil
	}
	return s
}

// Get returns the output for h, or false if it was removed or swept.
func (r *Registry) Get(h Handle) (*Output, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(h)
	if s == nil {
		return nil, false
	}
	return s.output, true
}

// Remove is a no-op for stale handles.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(h)
	if s == nil {
		return
	}
	r.release(h.index)
}

func (r *Registry) release(index uint32) {
	r.slots[index].output = nil
	r.free = append(r.free, index)
}

// Sweep drops outputs whose render thread has ended and returns how many
// were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.slots {
		o := r.slots[i].output
		if o != nil && !o.Alive() {
			logger.Debugf("sweep dead output %s", o.name)
			r.release(uint32(i))
			n++
		}
	}
	return n
}

// Each calls fn for every registered output that is still alive.
func (r *Registry) Each(fn func(h Handle, o *Output)) {
	type entry struct {
		h Handle
		o *Output
	}
	r.mu.Lock()
	var live []entry
	for i, s := range r.slots {
		if s.output != nil && s.output.Alive() {
			live = append(live, entry{Handle{index: uint32(i), gen: s.gen}, s.output})
		}
	}
	r.mu.Unlock()

	for _, e := range live {
		fn(e.h, e.o)
	}
}

// Find returns the first live output called name.
func (r *Registry) Find(name string) (*Output, bool) {
	var found *Output
	r.Each(func(_ Handle, o *Output) {
		if found == nil && o.name == name {
			found = o
		}
	})
	return found, found != nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.output != nil {
			n++
		}
	}
	return n
}

// Dead counts registered outputs whose render thread has ended.
func (r *Registry) Dead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.output != nil && !s.output.Alive() {
			n++
		}
	}
	return n
}
