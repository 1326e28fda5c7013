// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package epoll

import (
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/rawfile"
)

// slot binds a descriptor number to the instance currently using it. gen
// distinguishes successive instances that were handed the same number.
type slot struct {
	gen  uint64
	inst *Instance
}

// registry maps instance ids to live instances.
type registry struct {
	// mu protects slots and gen.
	mu    sync.Mutex
	slots map[int32]slot
	gen   uint64
}

var instances = registry{slots: make(map[int32]slot)}

// add publishes inst under inst.id, replacing any stale slot for the same
// number.
func (r *registry) add(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	inst.gen = r.gen
	r.slots[inst.id] = slot{gen: inst.gen, inst: inst}
}

// lookup returns the live instance with the given id, or nil.
func (r *registry) lookup(id int32) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[id].inst
}

// live reports whether inst still owns its slot.
func (r *registry) live(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[inst.id]
	return ok && s.gen == inst.gen
}

// remove drops inst's slot if inst still owns it.
func (r *registry) remove(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[inst.id]
	if !ok || s.gen != inst.gen {
		return false
	}
	delete(r.slots, inst.id)
	return true
}

// interest is one registered descriptor.
type interest struct {
	fd     int32
	events uint32
	data   uint64
}

func interestLess(a, b interest) bool {
	return a.fd < b.fd
}

// interestTable holds one instance's interests ordered by descriptor.
type interestTable struct {
	// mu protects tree.
	mu   sync.Mutex
	tree *btree.BTreeG[interest]
}

func newInterestTable() *interestTable {
	return &interestTable{tree: btree.NewG[interest](8, interestLess)}
}

func (t *interestTable) add(in interest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tree.Has(in) {
		return unix.EEXIST
	}
	t.tree.ReplaceOrInsert(in)
	return nil
}

func (t *interestTable) modify(in interest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tree.Has(in) {
		return unix.ENOENT
	}
	t.tree.ReplaceOrInsert(in)
	return nil
}

func (t *interestTable) remove(fd int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tree.Delete(interest{fd: fd}); !ok {
		return unix.ENOENT
	}
	return nil
}

func (t *interestTable) get(fd int32) (interest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Get(interest{fd: fd})
}

func (t *interestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// pollSet appends one PollFd per interest, in ascending descriptor order.
func (t *interestTable) pollSet(fds []unix.PollFd) []unix.PollFd {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollSetLocked(fds)
}

// Preconditions: t.mu is locked.
func (t *interestTable) pollSetLocked(fds []unix.PollFd) []unix.PollFd {
	t.tree.Ascend(func(in interest) bool {
		fds = append(fds, unix.PollFd{Fd: in.fd, Events: pollEvents(in.events)})
		return true
	})
	return fds
}

// collect polls every interest without blocking and fills events with the
// requested bits that are ready, in ascending descriptor order.
func (t *interestTable) collect(events []Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fds := t.pollSetLocked(make([]unix.PollFd, 0, t.tree.Len()))
	if len(fds) == 0 {
		return 0
	}
	if _, e := rawfile.PollNow(fds); e != 0 {
		return 0
	}

	n, i := 0, 0
	t.tree.Ascend(func(in interest) bool {
		ready := in.events & readyEvents(fds[i].Revents)
		i++
		if ready == 0 {
			return true
		}
		events[n] = Event{Events: ready, Fd: in.fd, Data: in.data}
		n++
		return n < len(events)
	})
	return n
}

// pollEvents converts requested event bits to poll(2) events. The error
// interest maps to POLLPRI, the select(2) exceptional condition; POLLERR,
// POLLHUP and POLLNVAL are always reported by the kernel.
func pollEvents(events uint32) int16 {
	var e int16
	if events&EventIn != 0 {
		e |= unix.POLLIN
	}
	if events&EventOut != 0 {
		e |= unix.POLLOUT
	}
	if events&EventErr != 0 {
		e |= unix.POLLPRI
	}
	return e
}

// readyEvents classifies poll(2) revents the way select(2) fills its read,
// write and exception sets.
func readyEvents(revents int16) uint32 {
	var e uint32
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLRDHUP) != 0 {
		e |= EventIn
	}
	if revents&unix.POLLOUT != 0 {
		e |= EventOut
	}
	if revents&(unix.POLLPRI|unix.POLLERR|unix.POLLNVAL) != 0 {
		e |= EventErr
	}
	return e
}

// requestedReady reports whether any entry of fds signals an event its
// interest asked for. Entries with only unrequested bits set report
// activity.
func requestedReady(fds []unix.PollFd) (ready, active bool) {
	for i := range fds {
		if fds[i].Revents == 0 {
			continue
		}
		active = true
		if readyEvents(fds[i].Revents)&requestedEvents(fds[i].Events) != 0 {
			return true, true
		}
	}
	return false, active
}

// requestedEvents is the inverse of pollEvents.
func requestedEvents(events int16) uint32 {
	var e uint32
	if events&unix.POLLIN != 0 {
		e |= EventIn
	}
	if events&unix.POLLOUT != 0 {
		e |= EventOut
	}
	if events&unix.POLLPRI != 0 {
		e |= EventErr
	}
	return e
}
