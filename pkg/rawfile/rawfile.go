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

// Package rawfile contains utilities for using raw host files on Linux hosts.
package rawfile

import (
	"golang.org/x/sys/unix"
)

// BlockingRead reads from a file descriptor that is set up as non-blocking.
// If no data is available, it will block in a poll() syscall until the file
// descriptor becomes readable.
func BlockingRead(fd int, b []byte) (int, unix.Errno) {
	for {
		n, err := unix.Read(fd, b)
		if err == nil {
			return n, 0
		}
		e := err.(unix.Errno)
		if e == unix.EINTR {
			continue
		}
		if e != unix.EAGAIN {
			return 0, e
		}
		event := []unix.PollFd{{
			Fd:     int32(fd),
			Events: unix.POLLIN,
		}}
		if _, e := BlockingPoll(event, nil); e != 0 && e != unix.EINTR {
			return 0, e
		}
	}
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) unix.Errno {
	for {
		n, err := unix.Write(fd, buf)
		if err != nil {
			e := err.(unix.Errno)
			if e == unix.EINTR {
				continue
			}
			return e
		}
		if n != len(buf) {
			return unix.EIO
		}
		return 0
	}
}

// BlockingPoll is just a stub function that forwards to the ppoll() system
// call. timeout nil blocks indefinitely.
func BlockingPoll(fds []unix.PollFd, timeout *unix.Timespec) (int, unix.Errno) {
	return BlockingPpoll(fds, timeout, nil)
}

// BlockingPpoll is BlockingPoll with a signal mask installed for the duration
// of the call.
func BlockingPpoll(fds []unix.PollFd, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, unix.Errno) {
	n, err := unix.Ppoll(fds, timeout, sigmask)
	if err != nil {
		return 0, err.(unix.Errno)
	}
	return n, 0
}

// PollNow reports the ready events on fds without blocking. EINTR is
// retried.
func PollNow(fds []unix.PollFd) (int, unix.Errno) {
	var ts unix.Timespec
	for {
		n, e := BlockingPoll(fds, &ts)
		if e == unix.EINTR {
			continue
		}
		return n, e
	}
}

// Ready reports the subset of events that fd currently signals.
func Ready(fd int, events int16) int16 {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	if _, e := PollNow(pfd); e != 0 {
		return 0
	}
	return pfd[0].Revents
}

// Pipe creates a packet-mode (O_DIRECT) pipe with the given pipe2(2) flags.
func Pipe(flags int) (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_DIRECT|flags); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}
