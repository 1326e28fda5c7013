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

// Package eventfd wraps a non-blocking pipe used as a wake-up signal. It
// behaves like an eventfd(2) counter in semaphore-free mode: Notify makes the
// read end readable, Drain consumes every pending notification.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/rawfile"
)

const sizeofUint64 = 8

// Eventfd represents a wake-up pipe. The read end is what callers poll.
type Eventfd struct {
	fd  int
	wfd int
}

// Create returns an initialized Eventfd. Both ends are non-blocking and
// close-on-exec.
func Create() (Eventfd, error) {
	r, w, err := rawfile.Pipe(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return Eventfd{-1, -1}, fmt.Errorf("failed to create wake pipe: %w", err)
	}
	return Eventfd{fd: r, wfd: w}, nil
}

// FD returns the pollable read end.
func (ev Eventfd) FD() int {
	return ev.fd
}

// Close closes both ends.
func (ev Eventfd) Close() error {
	err := unix.Close(ev.fd)
	if err2 := unix.Close(ev.wfd); err == nil {
		err = err2
	}
	return err
}

// Notify alerts whoever polls the read end. A full pipe already carries a
// pending notification, so EAGAIN is not an error.
func (ev Eventfd) Notify() error {
	return ev.Write(1)
}

// Write writes a specific value to the pipe.
func (ev Eventfd) Write(val uint64) error {
	var buf [sizeofUint64]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	if e := rawfile.NonBlockingWrite(ev.wfd, buf[:]); e != 0 && e != unix.EAGAIN {
		return e
	}
	return nil
}

// Drain consumes every pending notification without blocking and returns
// the sum of the values written.
func (ev Eventfd) Drain() (uint64, error) {
	var (
		buf   [sizeofUint64]byte
		total uint64
	)
	for {
		n, err := unix.Read(ev.fd, buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return total, nil
		case err != nil:
			return total, err
		case n != sizeofUint64:
			return total, unix.EIO
		}
		total += binary.NativeEndian.Uint64(buf[:])
	}
}

