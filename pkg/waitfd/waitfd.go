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

// Package waitfd provides a descriptor that becomes readable when a process
// exits.
//
// The descriptor delivers exactly one Record and then reads end-of-stream:
//
//	f, err := waitfd.Create(pid, unix.O_NONBLOCK)
//	...
//	// poll f.FD() for POLLIN, then
//	rec, err := waitfd.ReadRecord(f)
//
// The watched process is reaped by the watcher. Do not also wait for it
// elsewhere (for example with exec.Cmd.Wait).
package waitfd

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/fd"
	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/metrics"
	"github.com/walteh/qnxcompat/pkg/notifyfd"
)

// RecordSize is the size of an encoded Record.
const RecordSize = 16

// si_code values for SIGCHLD.
const (
	CodeExited int32 = 1 // CLD_EXITED
	CodeKilled int32 = 2 // CLD_KILLED
	CodeDumped int32 = 3 // CLD_DUMPED
)

// Record describes how a process terminated. Its fields follow the siginfo_t
// a waitid(WEXITED) caller would inspect.
type Record struct {
	Signo  int32
	Code   int32
	Pid    int32
	Status int32
}

// Exited reports a normal exit.
func (r Record) Exited() bool {
	return r.Code == CodeExited
}

// ExitStatus returns the exit code, or -1 if the process was signaled.
func (r Record) ExitStatus() int {
	if !r.Exited() {
		return -1
	}
	return int(r.Status)
}

// Signaled reports termination by a signal.
func (r Record) Signaled() bool {
	return r.Code == CodeKilled || r.Code == CodeDumped
}

// Signal returns the terminating signal, or -1.
func (r Record) Signal() unix.Signal {
	if !r.Signaled() {
		return -1
	}
	return unix.Signal(r.Status)
}

// String implements fmt.Stringer.
func (r Record) String() string {
	switch {
	case r.Exited():
		return fmt.Sprintf("pid %d exited with status %d", r.Pid, r.Status)
	case r.Signaled():
		return fmt.Sprintf("pid %d killed by %v", r.Pid, unix.Signal(r.Status))
	}
	return fmt.Sprintf("pid %d: code %d status %d", r.Pid, r.Code, r.Status)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r Record) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	binary.NativeEndian.PutUint32(b[0:], uint32(r.Signo))
	binary.NativeEndian.PutUint32(b[4:], uint32(r.Code))
	binary.NativeEndian.PutUint32(b[8:], uint32(r.Pid))
	binary.NativeEndian.PutUint32(b[12:], uint32(r.Status))
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) < RecordSize {
		return io.ErrUnexpectedEOF
	}
	r.Signo = int32(binary.NativeEndian.Uint32(b[0:]))
	r.Code = int32(binary.NativeEndian.Uint32(b[4:]))
	r.Pid = int32(binary.NativeEndian.Uint32(b[8:]))
	r.Status = int32(binary.NativeEndian.Uint32(b[12:]))
	return nil
}

// ReadRecord reads one Record from r.
func ReadRecord(r io.Reader) (Record, error) {
	var (
		b   [RecordSize]byte
		rec Record
	)
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return rec, err
	}
	return rec, rec.UnmarshalBinary(b[:])
}

func recordFromStatus(pid int, ws unix.WaitStatus) Record {
	rec := Record{Signo: int32(unix.SIGCHLD), Pid: int32(pid)}
	switch {
	case ws.Exited():
		rec.Code = CodeExited
		rec.Status = int32(ws.ExitStatus())
	case ws.Signaled() && ws.CoreDump():
		rec.Code = CodeDumped
		rec.Status = int32(ws.Signal())
	case ws.Signaled():
		rec.Code = CodeKilled
		rec.Status = int32(ws.Signal())
	}
	return rec
}

// Create returns a descriptor that becomes readable once pid has exited.
//
// flags may contain O_NONBLOCK and O_CLOEXEC. Any other bit, or a pid that
// does not name a single process, is rejected with EINVAL before a watcher
// is started.
func Create(pid int, flags int) (*fd.FD, error) {
	if flags&^notifyfd.Flags != 0 || pid <= 0 {
		return nil, unix.EINVAL
	}
	// The watcher may finish before Create returns.
	metrics.WaitfdWatchers.Inc()
	f, err := notifyfd.Create(flags, func(w *notifyfd.Writer) {
		watch(pid, w)
	})
	if err != nil {
		metrics.WaitfdWatchers.Dec()
		return nil, err
	}
	return f, nil
}

// watch blocks until pid exits and reports its status through w.
func watch(pid int, w *notifyfd.Writer) {
	defer metrics.WaitfdWatchers.Dec()
	defer w.Close()

	var (
		ws  unix.WaitStatus
		err error
	)
	for {
		_, err = unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		log.Warningf("waitfd: wait for pid %d failed: %v", pid, err)
		return
	}

	rec := recordFromStatus(pid, ws)
	b, _ := rec.MarshalBinary()
	if err := w.Write(b); err != nil {
		// The reader went away; nobody is left to tell.
		log.Debugf("waitfd: dropping record for pid %d: %v", pid, err)
		return
	}
	log.Debugf("waitfd: %v (fd=%d)", rec, w.FD())
}
