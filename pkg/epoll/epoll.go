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

// Package epoll emulates level-triggered epoll instances on top of poll(2).
//
// An instance is identified by the descriptor number of its own pollable
// descriptor. A worker goroutine per instance watches the registered
// descriptors and makes the instance descriptor readable whenever one of
// them is ready, so an instance can be nested in any other readiness
// primitive. Wait collects the ready descriptors directly.
//
// Only EventIn, EventOut and EventErr are supported. Edge-triggered and
// one-shot modes are rejected.
package epoll

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/walteh/qnxcompat/pkg/metrics"
)

// Event bits. The values match the Linux EPOLL* constants.
const (
	EventIn  uint32 = unix.EPOLLIN
	EventOut uint32 = unix.EPOLLOUT
	EventErr uint32 = unix.EPOLLERR

	supportedEvents = EventIn | EventOut | EventErr
)

// NoTimeout makes Wait block until a descriptor is ready.
const NoTimeout = -1

// Op is a control operation.
type Op int

// Control operations.
const (
	CtlAdd Op = unix.EPOLL_CTL_ADD
	CtlDel Op = unix.EPOLL_CTL_DEL
	CtlMod Op = unix.EPOLL_CTL_MOD
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case CtlAdd:
		return "add"
	case CtlDel:
		return "del"
	case CtlMod:
		return "mod"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Event is a registration request for Ctl and a readiness report from Wait.
// Data is opaque and echoed back unchanged.
type Event struct {
	Events uint32
	Fd     int32
	Data   uint64
}

// Options tune the instance worker.
type Options struct {
	// NotifyRate bounds how often the worker re-evaluates the interest set.
	NotifyRate rate.Limit

	// NotifyBurst is the limiter burst.
	NotifyBurst int

	// RearmInterval is how long the worker waits, after signaling, for a
	// Wait or Ctl call before it re-evaluates on its own. Zero waits for an
	// explicit re-arm.
	RearmInterval time.Duration
}

// DefaultOptions returns the built-in worker options.
func DefaultOptions() Options {
	return Options{
		NotifyRate:    1000,
		NotifyBurst:   32,
		RearmInterval: 50 * time.Millisecond,
	}
}

var defaults = struct {
	mu   sync.Mutex
	opts Options
}{opts: DefaultOptions()}

// SetDefaultOptions sets the options used by Create and Create1.
func SetDefaultOptions(opts Options) {
	defaults.mu.Lock()
	defaults.opts = opts
	defaults.mu.Unlock()
}

func defaultOptions() Options {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	return defaults.opts
}

// Create is the legacy constructor: size is only checked for positivity.
func Create(size int) (int, error) {
	if size <= 0 {
		return -1, unix.EINVAL
	}
	return Create1(0)
}

// Create1 creates an instance with the default options and returns its
// descriptor. flags may contain O_CLOEXEC and O_NONBLOCK. The instance lives
// until Destroy.
func Create1(flags int) (int, error) {
	inst, err := New(flags, defaultOptions())
	if err != nil {
		return -1, err
	}
	return inst.FD(), nil
}

// Ctl adds, modifies or removes the interest of instance epfd in fd.
func Ctl(epfd int, op Op, fd int, ev *Event) error {
	if !validID(epfd) || !validID(fd) {
		metrics.EpollCtl.WithLabelValues(op.String(), metrics.ResultError).Inc()
		return unix.EBADF
	}
	if epfd == fd {
		metrics.EpollCtl.WithLabelValues(op.String(), metrics.ResultError).Inc()
		return unix.EINVAL
	}
	inst := instances.lookup(int32(epfd))
	if inst == nil {
		metrics.EpollCtl.WithLabelValues(op.String(), metrics.ResultError).Inc()
		return unix.EINVAL
	}
	return inst.Ctl(op, fd, ev)
}

// Wait waits up to timeout seconds for descriptors registered with epfd.
func Wait(epfd int, events []Event, timeout int) (int, error) {
	return Pwait(epfd, events, timeout, nil)
}

// Pwait is Wait with sigmask installed while blocked.
func Pwait(epfd int, events []Event, timeout int, sigmask *unix.Sigset_t) (int, error) {
	if !validID(epfd) {
		return 0, unix.EBADF
	}
	inst := instances.lookup(int32(epfd))
	if inst == nil {
		return 0, unix.EINVAL
	}
	return inst.Pwait(events, timeout, sigmask)
}

// Destroy stops instance epfd and closes its descriptor.
func Destroy(epfd int) error {
	if !validID(epfd) {
		return unix.EBADF
	}
	inst := instances.lookup(int32(epfd))
	if inst == nil {
		return unix.EINVAL
	}
	return inst.Close()
}

func validID(id int) bool {
	return id >= 0 && id <= math.MaxInt32
}
