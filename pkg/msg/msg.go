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

// Package msg implements synchronous Send/Receive/Reply message passing
// between processes addressed by pid.
//
// Every process owns one channel: a SOCK_SEQPACKET socket bound to an
// address derived from its pid. Send connects to the receiver, writes the
// request as one packet and blocks until the reply arrives on the same
// connection. Receive queues incoming requests as pending messages; a
// pending message stays queued, and its sender blocked, until Reply.
//
//	// server
//	sender, n, err := msg.Receive(0, buf)
//	...
//	err = msg.Reply(sender, answer)
//
//	// client
//	n, err := msg.Send(serverPid, request, answer)
package msg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/metrics"
	"github.com/walteh/qnxcompat/pkg/unet"
)

// DefaultPrefix is the default rendezvous name prefix.
const DefaultPrefix = "qnx4compat.msg"

// MaxFrameSize is the default limit on a received request. Longer requests
// are truncated.
const MaxFrameSize = 65536

var (
	// ErrInvalidExchange is matched, through errors.Is, by every transport
	// failure of an exchange.
	ErrInvalidExchange error = unix.EBADE

	// ErrNoSender is returned by Reply when no pending message from the
	// given pid exists.
	ErrNoSender error = unix.ESRCH

	// ErrClosed is wrapped by the ExchangeError a Receive returns once its
	// channel is closed.
	ErrClosed error = unix.EBADF
)

// ExchangeError describes a failed exchange. It matches ErrInvalidExchange
// and unwraps to the transport error.
type ExchangeError struct {
	Op  string
	Pid int
	Err error
}

// Error implements error.Error.
func (e *ExchangeError) Error() string {
	return fmt.Sprintf("msg: %s (pid %d): invalid exchange: %v", e.Op, e.Pid, e.Err)
}

// Unwrap returns the transport error.
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidExchange.
func (e *ExchangeError) Is(target error) bool {
	return target == ErrInvalidExchange
}

// Order selects which pending message Receive serves first.
type Order int

const (
	// OrderLIFO serves the most recently received message first.
	OrderLIFO Order = iota

	// OrderFIFO serves messages in arrival order.
	OrderFIFO
)

// String implements fmt.Stringer.
func (o Order) String() string {
	switch o {
	case OrderLIFO:
		return "lifo"
	case OrderFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder converts "lifo" or "fifo" to an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "lifo", "":
		return OrderLIFO, nil
	case "fifo":
		return OrderFIFO, nil
	}
	return OrderLIFO, fmt.Errorf("unknown message order %q", s)
}

// Options configure a channel and the addresses Send connects to.
type Options struct {
	// Prefix is the rendezvous name prefix.
	Prefix string

	// Dir, if set, places rendezvous sockets in this directory instead of
	// the abstract namespace.
	Dir string

	// MaxFrameSize limits received requests.
	MaxFrameSize int

	// Order is the pending message order.
	Order Order
}

// DefaultOptions returns the built-in options.
func DefaultOptions() Options {
	return Options{
		Prefix:       DefaultPrefix,
		MaxFrameSize: MaxFrameSize,
		Order:        OrderLIFO,
	}
}

func (o Options) normalize() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = MaxFrameSize
	}
	return o
}

// address returns the rendezvous address of pid.
func (o Options) address(pid int) string {
	name := fmt.Sprintf("%s.%d", o.Prefix, pid)
	if o.Dir == "" {
		return "@" + name
	}
	return filepath.Join(o.Dir, name)
}

var defaults = struct {
	mu   sync.Mutex
	opts Options
}{opts: DefaultOptions()}

// SetDefaultOptions sets the options used by the package-level functions.
// It does not affect an already created process channel.
func SetDefaultOptions(opts Options) {
	defaults.mu.Lock()
	defaults.opts = opts.normalize()
	defaults.mu.Unlock()
}

func defaultOptions() Options {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	return defaults.opts
}

// Send sends smsg to process pid and blocks until it replies. The reply is
// copied into rmsg, truncated to len(rmsg); the number of bytes copied is
// returned.
func Send(pid int, smsg, rmsg []byte) (int, error) {
	return SendWithOptions(pid, smsg, rmsg, defaultOptions())
}

// SendWithOptions is Send addressing pid according to opts.
func SendWithOptions(pid int, smsg, rmsg []byte, opts Options) (n int, err error) {
	defer func() {
		metrics.Msg.WithLabelValues("send", metrics.Result(err)).Inc()
	}()
	opts = opts.normalize()

	s, err := unet.Connect(opts.address(pid), true)
	if err != nil {
		log.Debugf("msg: connect to pid %d failed: %v", pid, err)
		return 0, &ExchangeError{Op: "send", Pid: pid, Err: err}
	}
	defer s.Close()
	log.Debugf("msg: connected to pid %d (fd=%d)", pid, s.FD())

	if err := s.WritePacket(smsg); err != nil {
		return 0, &ExchangeError{Op: "send", Pid: pid, Err: err}
	}
	log.Debugf("msg: sent %d bytes to pid %d", len(smsg), pid)

	n, size, err := s.ReadPacket(rmsg)
	if err != nil {
		// A zero-length read means the receiver closed without replying.
		return 0, &ExchangeError{Op: "send", Pid: pid, Err: err}
	}
	log.Debugf("msg: received %d of %d reply bytes from pid %d", n, size, pid)
	return n, nil
}

var process struct {
	mu sync.Mutex
	ch *Channel
}

// Default returns the process channel, creating it on first use. A failed
// creation is retried by the next call.
func Default() (*Channel, error) {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.ch != nil {
		return process.ch, nil
	}
	ch, err := Listen(os.Getpid(), defaultOptions())
	if err != nil {
		return nil, err
	}
	process.ch = ch
	return ch, nil
}

// Receive receives on the process channel. See Channel.Receive.
func Receive(pid int, buf []byte) (sender, n int, err error) {
	ch, err := Default()
	if err != nil {
		return 0, 0, err
	}
	return ch.Receive(pid, buf)
}

// Reply replies on the process channel. See Channel.Reply.
func Reply(pid int, rmsg []byte) error {
	ch, err := Default()
	if err != nil {
		return err
	}
	return ch.Reply(pid, rmsg)
}

