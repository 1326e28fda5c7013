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

// Package fd provides types for working with file descriptors.
package fd

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FD owns a host file descriptor.
//
// It is similar to os.File, with a few important distinctions:
//
// FD provides a Release() method which relinquishes ownership. Like os.File,
// FD adds a finalizer to close the backing FD. However, the finalizer cannot
// be removed from os.File, forever pinning the lifetime of an FD to its
// os.File.
//
// FD does not integrate with the Go runtime poller, so Read on a blocking
// descriptor parks an OS thread. That is what the synthetic descriptors in
// this module want: they are consumed by poll(2)-style callers.
type FD struct {
	// fd is the host file descriptor, or -1 once released or closed.
	fd atomic.Int64
}

// New creates a new FD.
//
// New takes ownership of fd.
func New(fd int) *FD {
	f := &FD{}
	if fd < 0 {
		f.fd.Store(-1)
		return f
	}
	f.fd.Store(int64(fd))
	runtime.SetFinalizer(f, (*FD).Close)
	return f
}

// NewFromFile creates a new FD from an os.File.
//
// NewFromFile does not transfer ownership of the file descriptor (it will be
// duplicated, so both the os.File and FD will eventually need to be closed
// and some (but not all) changes made to the FD will be applied to the
// os.File as well).
//
// The returned FD is always blocking (Go 1.9+).
func NewFromFile(file *os.File) (*FD, error) {
	fd, err := unix.Dup(int(file.Fd()))
	// Technically, the runtime may call the finalizer on file as soon as
	// Fd() returns.
	runtime.KeepAlive(file)
	if err != nil {
		return nil, err
	}
	return New(fd), nil
}

// Open is equivalent to open(2).
func Open(path string, openmode int, perm uint32) (*FD, error) {
	f, err := unix.Open(path, openmode|unix.O_LARGEFILE|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// FD returns the file descriptor owned by FD, or -1 if it was released.
func (f *FD) FD() int {
	return int(f.fd.Load())
}

// Read implements io.Reader. A zero-length read from a non-empty buffer is
// reported as io.EOF.
func (f *FD) Read(p []byte) (int, error) {
	fd := f.FD()
	if fd < 0 {
		return 0, unix.EBADF
	}
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) != 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write implements io.Writer.
func (f *FD) Write(p []byte) (int, error) {
	fd := f.FD()
	if fd < 0 {
		return 0, unix.EBADF
	}
	var n int
	for n < len(p) {
		m, err := unix.Write(fd, p[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.ErrUnexpectedEOF
		}
		n += m
	}
	return n, nil
}

// Close closes the file descriptor contained in the FD.
//
// Close is safe to call multiple times, but will return an error after the
// first call.
func (f *FD) Close() error {
	runtime.SetFinalizer(f, nil)
	fd := int(f.fd.Swap(-1))
	if fd < 0 {
		return unix.EBADF
	}
	return unix.Close(fd)
}

// Release relinquishes ownership of the contained file descriptor.
//
// Concurrent calls to Release and FD are undefined.
func (f *FD) Release() int {
	runtime.SetFinalizer(f, nil)
	return int(f.fd.Swap(-1))
}

