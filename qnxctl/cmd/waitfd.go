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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/rawfile"
	"github.com/walteh/qnxcompat/pkg/waitfd"
)

// Waitfd implements subcommands.Command for the "waitfd" command.
type Waitfd struct {
	nonblock bool
}

// Name implements subcommands.Command.Name.
func (*Waitfd) Name() string {
	return "waitfd"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Waitfd) Synopsis() string {
	return "run a command and report its termination through an exit descriptor"
}

// Usage implements subcommands.Command.Usage.
func (*Waitfd) Usage() string {
	return `waitfd [flags] -- <cmd> [args...]

Starts <cmd>, watches it with an exit descriptor, polls the descriptor and
prints the termination record. The exit code mirrors the command's.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Waitfd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&w.nonblock, "nonblock", false, "open the exit descriptor non-blocking")
}

// Execute implements subcommands.Command.Execute.
func (w *Waitfd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	c := exec.Command(f.Arg(0), f.Args()[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Start(); err != nil {
		return fatalf("starting %q: %v", f.Arg(0), err)
	}

	flags := unix.O_CLOEXEC
	if w.nonblock {
		flags |= unix.O_NONBLOCK
	}
	wfd, err := waitfd.Create(c.Process.Pid, flags)
	if err != nil {
		return fatalf("watching pid %d: %v", c.Process.Pid, err)
	}
	defer wfd.Close()

	// A non-blocking descriptor is polled until the record arrives.
	buf := make([]byte, waitfd.RecordSize)
	n, e := rawfile.BlockingRead(wfd.FD(), buf)
	if e != 0 {
		return fatalf("reading exit record: %v", e)
	}
	var rec waitfd.Record
	if err := rec.UnmarshalBinary(buf[:n]); err != nil {
		return fatalf("pid %d: no exit record", c.Process.Pid)
	}
	fmt.Println(rec)

	if rec.Signaled() {
		return subcommands.ExitStatus(128 + int(rec.Signal()))
	}
	return subcommands.ExitStatus(rec.ExitStatus())
}
