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

// Package notifyfd manufactures pollable descriptors for conditions the host
// cannot expose as a descriptor event.
//
// Create returns the read end of a packet-mode pipe and hands the write end
// to a worker goroutine. The worker blocks on whatever it is watching and
// writes a record when the condition fires; the caller sees an ordinary
// readable descriptor.
package notifyfd

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/fd"
	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/rawfile"
)

// Flags accepted by Create. They apply to the returned read end only.
const Flags = unix.O_NONBLOCK | unix.O_CLOEXEC

var (
	// ErrPeerClosed is returned by Writer.Write once the reader has closed
	// its end. The worker should stop.
	ErrPeerClosed = errors.New("notification descriptor closed by reader")

	// ErrWouldBlock is returned by a non-blocking Writer when the pipe is
	// full, which means a record is already pending.
	ErrWouldBlock = errors.New("notification already pending")
)

// Writer is the write end of a synthetic descriptor. It is owned by exactly
// one worker.
type Writer struct {
	fd   int
	once sync.Once
}

// FD returns the host descriptor of the write end.
func (w *Writer) FD() int {
	return w.fd
}

// SetNonblock switches the write end to non-blocking mode.
func (w *Writer) SetNonblock() error {
	return unix.SetNonblock(w.fd, true)
}

// Write writes b as a single record.
func (w *Writer) Write(b []byte) error {
	switch e := rawfile.NonBlockingWrite(w.fd, b); e {
	case 0:
		return nil
	case unix.EPIPE:
		return ErrPeerClosed
	case unix.EAGAIN:
		return ErrWouldBlock
	default:
		return e
	}
}

// Close closes the write end. Readers observe end-of-stream once pending
// records are consumed.
func (w *Writer) Close() error {
	err := error(unix.EBADF)
	w.once.Do(func() {
		err = unix.Close(w.fd)
	})
	return err
}

// Worker watches a condition and reports it through w. It must close w, or
// leave that to its owner, before returning.
type Worker func(w *Writer)

// Create creates a connected pipe pair, starts worker on the write end and
// returns the read end. The caller owns the returned FD.
//
// flags may contain O_NONBLOCK and O_CLOEXEC; any other bit is rejected with
// EINVAL before anything is allocated.
func Create(flags int, worker Worker) (*fd.FD, error) {
	if flags&^Flags != 0 {
		return nil, unix.EINVAL
	}
	// The write end is always close-on-exec; only the read end leaves this
	// package.
	r, w, err := rawfile.Pipe(unix.O_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := setReadFlags(r, flags); err != nil {
		unix.Close(r)
		unix.Close(w)
		return nil, err
	}

	log.Debugf("notifyfd: created pair (read=%d write=%d)", r, w)
	go worker(&Writer{fd: w})
	return fd.New(r), nil
}

func setReadFlags(r, flags int) error {
	if flags&unix.O_NONBLOCK != 0 {
		if err := unix.SetNonblock(r, true); err != nil {
			return err
		}
	}
	if flags&unix.O_CLOEXEC == 0 {
		if _, err := unix.FcntlInt(uintptr(r), unix.F_SETFD, 0); err != nil {
			return err
		}
	}
	return nil
}
