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
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/walteh/qnxcompat/pkg/eventfd"
	"github.com/walteh/qnxcompat/pkg/fd"
	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/metrics"
	"github.com/walteh/qnxcompat/pkg/notifyfd"
	"github.com/walteh/qnxcompat/pkg/rawfile"
)

const tokenSize = 8

// Instance is one emulated epoll instance.
type Instance struct {
	// id and gen are immutable once the instance is registered.
	id  int32
	gen uint64

	// r is the read end of the instance descriptor.
	r *fd.FD

	table *interestTable

	// ctl wakes the worker. It is written by Ctl, Wait and Close.
	ctl eventfd.Eventfd

	cancel context.CancelFunc

	// done is closed when the worker has exited and released the write end.
	done chan struct{}

	limiter *rate.Limiter
	rearm   time.Duration

	// gate keeps r and ctl open while Ctl or Wait use them. destroy takes
	// it exclusively and sets dead before closing either descriptor.
	gate sync.RWMutex
	dead bool

	closeOnce sync.Once
}

// New creates an instance with the given options. flags may contain
// O_CLOEXEC and O_NONBLOCK and apply to the instance descriptor.
func New(flags int, opts Options) (*Instance, error) {
	if flags&^notifyfd.Flags != 0 {
		return nil, unix.EINVAL
	}
	ctl, err := eventfd.Create()
	if err != nil {
		return nil, err
	}

	limit, burst := opts.NotifyRate, opts.NotifyBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		table:   newInterestTable(),
		ctl:     ctl,
		cancel:  cancel,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
		rearm:   opts.RearmInterval,
	}

	// The worker must not observe the instance before it is registered.
	started := make(chan struct{})
	r, err := notifyfd.Create(flags, func(w *notifyfd.Writer) {
		defer close(inst.done)
		defer w.Close()
		<-started
		inst.run(ctx, w)
	})
	if err != nil {
		cancel()
		ctl.Close()
		return nil, err
	}
	inst.r = r
	inst.id = int32(r.FD())
	instances.add(inst)
	close(started)

	metrics.EpollInstances.Inc()
	log.Debugf("epoll: created instance %d (gen=%d)", inst.id, inst.gen)
	return inst, nil
}

// FD returns the instance descriptor. It becomes readable whenever a
// registered descriptor is ready.
func (inst *Instance) FD() int {
	return int(inst.id)
}

// run is the worker loop. It exits when ctx is cancelled or the instance
// descriptor is closed.
func (inst *Instance) run(ctx context.Context, w *notifyfd.Writer) {
	if err := w.SetNonblock(); err != nil {
		log.Warningf("epoll: instance %d: worker cannot start: %v", inst.id, err)
		return
	}
	var token [tokenSize]byte
	binary.NativeEndian.PutUint64(token[:], 1)

	fds := make([]unix.PollFd, 0, 8)
	for {
		if err := inst.limiter.Wait(ctx); err != nil {
			break
		}
		fds = append(fds[:0], unix.PollFd{Fd: int32(inst.ctl.FD()), Events: unix.POLLIN})
		fds = inst.table.pollSet(fds)
		if _, e := rawfile.BlockingPoll(fds, nil); e != 0 && e != unix.EINTR {
			log.Warningf("epoll: instance %d: poll failed: %v", inst.id, e)
			break
		}
		if ctx.Err() != nil {
			break
		}
		if fds[0].Revents != 0 {
			inst.ctl.Drain()
		}

		ready, active := requestedReady(fds[1:])
		if ready {
			switch err := w.Write(token[:]); err {
			case nil:
				metrics.EpollWakeups.Inc()
			case notifyfd.ErrWouldBlock:
				// A token is already pending.
			case notifyfd.ErrPeerClosed:
				log.Debugf("epoll: instance %d: descriptor closed, worker exiting", inst.id)
				return
			default:
				log.Warningf("epoll: instance %d: cannot signal: %v", inst.id, err)
				return
			}
		}
		if active && !inst.park(ctx) {
			break
		}
	}
	log.Debugf("epoll: instance %d: worker stopped", inst.id)
}

// park blocks until the worker is re-armed by a control wake or the rearm
// interval elapses. It returns false if the worker should exit.
func (inst *Instance) park(ctx context.Context) bool {
	var ts *unix.Timespec
	if inst.rearm > 0 {
		t := unix.NsecToTimespec(inst.rearm.Nanoseconds())
		ts = &t
	}
	pfd := []unix.PollFd{{Fd: int32(inst.ctl.FD()), Events: unix.POLLIN}}
	if _, e := rawfile.BlockingPoll(pfd, ts); e != 0 && e != unix.EINTR {
		log.Warningf("epoll: instance %d: park failed: %v", inst.id, e)
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if pfd[0].Revents != 0 {
		inst.ctl.Drain()
	}
	return true
}

// enter pins r and ctl open. It returns false once the instance is being
// destroyed; otherwise the caller must call leave.
func (inst *Instance) enter() bool {
	inst.gate.RLock()
	if inst.dead {
		inst.gate.RUnlock()
		return false
	}
	return true
}

func (inst *Instance) leave() {
	inst.gate.RUnlock()
}

// wake re-arms the worker. Callers must hold the gate.
func (inst *Instance) wake() {
	if err := inst.ctl.Notify(); err != nil {
		log.Warningf("epoll: instance %d: cannot wake worker: %v", inst.id, err)
	}
}

// Ctl adds, modifies or removes the interest in fd.
func (inst *Instance) Ctl(op Op, fd int, ev *Event) (err error) {
	defer func() {
		metrics.EpollCtl.WithLabelValues(op.String(), metrics.Result(err)).Inc()
	}()
	if !validID(fd) {
		return unix.EBADF
	}
	if int32(fd) == inst.id || !inst.enter() {
		return unix.EINVAL
	}
	defer inst.leave()
	if !instances.live(inst) {
		return unix.EINVAL
	}

	switch op {
	case CtlAdd, CtlMod:
		if ev == nil || ev.Events&^supportedEvents != 0 {
			return unix.EINVAL
		}
		in := interest{fd: int32(fd), events: ev.Events, data: ev.Data}
		if op == CtlAdd {
			err = inst.table.add(in)
		} else {
			err = inst.table.modify(in)
		}
	case CtlDel:
		err = inst.table.remove(int32(fd))
	default:
		return unix.EINVAL
	}
	if err != nil {
		return err
	}
	log.Debugf("epoll: instance %d: %v fd %d", inst.id, op, fd)
	inst.wake()
	return nil
}

// Wait waits up to timeout seconds for a registered descriptor to become
// ready. A negative timeout blocks indefinitely.
func (inst *Instance) Wait(events []Event, timeout int) (int, error) {
	return inst.Pwait(events, timeout, nil)
}

// Pwait is Wait with sigmask installed while blocked. EINTR is returned to
// the caller.
func (inst *Instance) Pwait(events []Event, timeout int, sigmask *unix.Sigset_t) (int, error) {
	if len(events) == 0 || !instances.live(inst) {
		return 0, unix.EINVAL
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec((time.Duration(min(timeout, math.MaxInt32)) * time.Second).Nanoseconds())
		ts = &t
	}
	fds := inst.table.pollSet(nil)
	n, e := rawfile.BlockingPpoll(fds, ts, sigmask)
	if e != 0 {
		return 0, e
	}

	// Close may have run while blocked. Its descriptors are gone.
	if !inst.enter() {
		return 0, unix.EINVAL
	}
	defer inst.leave()

	// The snapshot only decides when to stop blocking. What is reported is
	// derived from the table as it is now.
	count := 0
	if n > 0 {
		count = inst.table.collect(events)
	}
	inst.consume()
	return count, nil
}

// consume discards pending tokens on the instance descriptor and re-arms
// the worker. The read end may be blocking, so it is polled before each
// read. Callers must hold the gate.
func (inst *Instance) consume() {
	rfd := inst.r.FD()
	var buf [tokenSize]byte
	for rawfile.Ready(rfd, unix.POLLIN)&unix.POLLIN != 0 {
		n, err := unix.Read(rfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			break
		}
	}
	inst.wake()
}

// Close destroys the instance: its id is retired, the worker is stopped and
// the instance descriptor is closed. Later calls return EINVAL.
func (inst *Instance) Close() error {
	err := error(unix.EINVAL)
	inst.closeOnce.Do(func() {
		err = inst.destroy()
	})
	return err
}

func (inst *Instance) destroy() error {
	instances.remove(inst)
	inst.cancel()

	// Wait for Ctl and Wait calls that already entered. Later ones fail.
	inst.gate.Lock()
	inst.dead = true
	inst.gate.Unlock()

	if err := inst.ctl.Notify(); err != nil {
		log.Warningf("epoll: instance %d: cannot stop worker: %v", inst.id, err)
	}
	<-inst.done

	err := inst.r.Close()
	if cerr := inst.ctl.Close(); err == nil {
		err = cerr
	}
	metrics.EpollInstances.Dec()
	log.Debugf("epoll: destroyed instance %d (gen=%d)", inst.id, inst.gen)
	return err
}
