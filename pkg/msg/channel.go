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

package msg

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/metrics"
	"github.com/walteh/qnxcompat/pkg/unet"
)

// message is a received request awaiting Reply.
type message struct {
	payload []byte
	pid     int

	// accepted is set once the message was handed to a receiver.
	accepted bool

	// sock is the connection the sender is blocked on.
	sock *unet.Socket
}

// Channel is the receiving side of one process.
type Channel struct {
	pid  int
	opts Options
	ss   *unet.ServerSocket

	// lock guards the rendezvous path when opts.Dir is set.
	lock *flock.Flock

	// mu protects pending, accepting and closed.
	mu      sync.Mutex
	pending *list.List
	closed  bool

	// accepting is set while one receiver accepts new connections. Other
	// receivers wait on changed, which is broadcast when a message is
	// queued, the accepting receiver leaves or the channel closes.
	accepting bool
	changed   *sync.Cond
}

// Listen creates a channel for pid and starts listening on its rendezvous
// address. Most programs use the process channel through Receive and Reply;
// Listen is for explicit lifetimes.
func Listen(pid int, opts Options) (*Channel, error) {
	opts = opts.normalize()
	addr := opts.address(pid)

	c := &Channel{
		pid:     pid,
		opts:    opts,
		pending: list.New(),
	}
	c.changed = sync.NewCond(&c.mu)
	if opts.Dir != "" {
		if err := c.claim(addr); err != nil {
			return nil, err
		}
	}

	ss, err := unet.BindAndListen(addr, true)
	if err != nil {
		c.release(addr)
		log.Debugf("msg: listening on %q failed: %v", addr, err)
		return nil, fmt.Errorf("msg: listen on %q: %w", addr, err)
	}
	c.ss = ss
	log.WithFields(map[string]any{"pid": pid, "fd": ss.FD()}).Debugf("msg: listening on %q", addr)
	return c, nil
}

// claim takes the lock file next to a filesystem rendezvous path and
// removes any socket left behind by a previous owner.
func (c *Channel) claim(addr string) error {
	lock := flock.New(addr + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("msg: lock %q: %w", lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("msg: %q is owned by a live process: %w", addr, unix.EADDRINUSE)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, fs.ErrNotExist) {
		lock.Unlock()
		return fmt.Errorf("msg: remove stale %q: %w", addr, err)
	}
	c.lock = lock
	return nil
}

func (c *Channel) release(addr string) {
	if c.lock == nil {
		return
	}
	os.Remove(addr)
	if err := c.lock.Unlock(); err != nil {
		log.Warningf("msg: unlock %q: %v", c.lock.Path(), err)
	}
	os.Remove(c.lock.Path())
}

// Pid returns the pid the channel is addressed by.
func (c *Channel) Pid() int {
	return c.pid
}

// Addr returns the rendezvous address.
func (c *Channel) Addr() string {
	return c.ss.Addr()
}

// Pending returns the number of messages awaiting Reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Receive returns a pending request and its sender.
//
// If pid is non-zero, the first pending message from pid is returned, even
// if it was returned before. If pid is zero, the first message not yet
// returned by any Receive is. When nothing matches, Receive accepts new
// connections until a matching request arrives, queuing the others.
//
// At most len(buf) bytes are copied; n is the number copied. The message
// stays pending until Reply.
func (c *Channel) Receive(pid int, buf []byte) (sender, n int, err error) {
	defer func() {
		metrics.Msg.WithLabelValues("receive", metrics.Result(err)).Inc()
	}()

	c.mu.Lock()
	for {
		if sender, n, ok := c.peekLocked(pid, buf); ok {
			c.mu.Unlock()
			return sender, n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, 0, &ExchangeError{Op: "receive", Err: ErrClosed}
		}
		if !c.accepting {
			break
		}
		c.changed.Wait()
	}
	c.accepting = true
	c.mu.Unlock()
	defer c.stopAccepting()

	for {
		sock, err := c.ss.Accept()
		if err != nil {
			return 0, 0, &ExchangeError{Op: "receive", Err: err}
		}
		m, err := c.retrieve(sock)
		if err != nil {
			sock.Close()
			return 0, 0, err
		}
		if sender, n, ok := c.insertAndPeek(m, pid, buf); ok {
			return sender, n, nil
		}
	}
}

// stopAccepting hands accepting to the next waiting receiver.
func (c *Channel) stopAccepting() {
	c.mu.Lock()
	c.accepting = false
	c.changed.Broadcast()
	c.mu.Unlock()
}

// retrieve reads the first request of a new connection.
func (c *Channel) retrieve(sock *unet.Socket) (*message, error) {
	cred, err := sock.GetPeerCred()
	if err != nil {
		return nil, &ExchangeError{Op: "receive", Err: err}
	}
	peer := int(cred.Pid)
	log.WithFields(map[string]any{"pid": c.pid, "peer": peer, "fd": sock.FD()}).Debugf("msg: accepted connection")

	buf := make([]byte, c.opts.MaxFrameSize)
	n, size, err := sock.ReadPacket(buf)
	if err != nil {
		// A zero-length read means the sender is gone.
		return nil, &ExchangeError{Op: "receive", Pid: peer, Err: err}
	}
	if size > n {
		log.Debugf("msg: truncated request from pid %d (%d of %d bytes)", peer, n, size)
	}
	log.Debugf("msg: received %d bytes from pid %d", n, peer)
	return &message{payload: buf[:n:n], pid: peer, sock: sock}, nil
}

// matches reports whether m should be served to a Receive for pid.
func (m *message) matches(pid int) bool {
	if pid != 0 {
		return m.pid == pid
	}
	return !m.accepted
}

// peekLocked copies the first message matching pid into buf and marks it
// accepted.
//
// Preconditions: c.mu is locked.
func (c *Channel) peekLocked(pid int, buf []byte) (sender, n int, ok bool) {
	for e := c.pending.Front(); e != nil; e = e.Next() {
		m := e.Value.(*message)
		if !m.matches(pid) {
			continue
		}
		m.accepted = true
		return m.pid, copy(buf, m.payload), true
	}
	return 0, 0, false
}

// insertAndPeek queues m and peeks for pid in one critical section.
func (c *Channel) insertAndPeek(m *message, pid int, buf []byte) (sender, n int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		m.sock.Close()
		return 0, 0, false
	}
	if c.opts.Order == OrderFIFO {
		c.pending.PushBack(m)
	} else {
		c.pending.PushFront(m)
	}
	metrics.MsgPending.Inc()
	c.changed.Broadcast()
	return c.peekLocked(pid, buf)
}

// take removes the first pending message from pid.
func (c *Channel) take(pid int) *message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.pending.Front(); e != nil; e = e.Next() {
		if m := e.Value.(*message); m.pid == pid {
			c.pending.Remove(e)
			metrics.MsgPending.Dec()
			return m
		}
	}
	return nil
}

// Reply sends rmsg to the first pending message from pid and releases its
// sender. The message is retired even if the write fails.
func (c *Channel) Reply(pid int, rmsg []byte) (err error) {
	defer func() {
		metrics.Msg.WithLabelValues("reply", metrics.Result(err)).Inc()
	}()

	m := c.take(pid)
	if m == nil {
		return ErrNoSender
	}
	defer m.sock.Close()

	if err := m.sock.WritePacket(rmsg); err != nil {
		log.Debugf("msg: reply to pid %d failed: %v", pid, err)
		return &ExchangeError{Op: "reply", Pid: pid, Err: err}
	}
	log.Debugf("msg: replied %d bytes to pid %d (fd=%d)", len(rmsg), pid, m.sock.FD())
	return nil
}

// Close stops listening, interrupts a Receive blocked in accept and drops
// every pending message; their senders see a failed exchange.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return unix.EBADF
	}
	c.closed = true
	for e := c.pending.Front(); e != nil; e = e.Next() {
		e.Value.(*message).sock.Close()
		metrics.MsgPending.Dec()
	}
	c.pending.Init()
	c.changed.Broadcast()
	c.mu.Unlock()

	err := c.ss.Close()
	c.release(c.ss.Addr())
	log.Debugf("msg: channel for pid %d closed", c.pid)
	return err
}
