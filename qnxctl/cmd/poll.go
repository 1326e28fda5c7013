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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/epoll"
	"github.com/walteh/qnxcompat/pkg/fd"
)

// Poll implements subcommands.Command for the "poll" command.
type Poll struct {
	timeout int
	max     int
}

// Name implements subcommands.Command.Name.
func (*Poll) Name() string {
	return "poll"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Poll) Synopsis() string {
	return "wait for input through an emulated epoll instance"
}

// Usage implements subcommands.Command.Usage.
func (*Poll) Usage() string {
	return `poll [flags] [path...]

Registers each path (or standard input if none are given) with an epoll
instance and prints every readiness report, consuming the input, until every
source reaches end of input or a timeout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Poll) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.timeout, "timeout", 5, "seconds to wait for input, -1 waits forever")
	f.IntVar(&p.max, "max", 8, "maximum events per wait")
}

// Execute implements subcommands.Command.Execute.
func (p *Poll) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	sources, err := openSources(f.Args())
	if err != nil {
		return fatalf("%v", err)
	}
	defer func() {
		for _, src := range sources {
			src.Close()
		}
	}()

	epfd, err := epoll.Create1(unix.O_CLOEXEC)
	if err != nil {
		return fatalf("creating epoll instance: %v", err)
	}
	defer epoll.Destroy(epfd)

	for _, src := range sources {
		if err := epoll.Ctl(epfd, epoll.CtlAdd, src.FD(), &epoll.Event{Events: epoll.EventIn | epoll.EventErr}); err != nil {
			return fatalf("registering fd %d: %v", src.FD(), err)
		}
	}

	events := make([]epoll.Event, max(p.max, 1))
	buf := make([]byte, 4096)
	for len(sources) > 0 {
		n, err := epoll.Wait(epfd, events, p.timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fatalf("waiting: %v", err)
		}
		if n == 0 {
			fmt.Println("timeout")
			return subcommands.ExitSuccess
		}
		for _, ev := range events[:n] {
			fmt.Printf("fd %d events %#x\n", ev.Fd, ev.Events)
			src, ok := sources[int(ev.Fd)]
			if !ok || ev.Events&epoll.EventIn == 0 {
				continue
			}
			m, err := src.Read(buf)
			switch {
			case err == io.EOF:
				fmt.Printf("fd %d eof\n", ev.Fd)
				if err := epoll.Ctl(epfd, epoll.CtlDel, src.FD(), nil); err != nil {
					return fatalf("removing fd %d: %v", ev.Fd, err)
				}
				src.Close()
				delete(sources, int(ev.Fd))
			case err != nil && !errors.Is(err, unix.EAGAIN):
				return fatalf("reading fd %d: %v", ev.Fd, err)
			case m > 0:
				fmt.Printf("read %d bytes\n", m)
			}
		}
	}
	fmt.Println("eof")
	return subcommands.ExitSuccess
}

// openSources opens each path non-blocking, keyed by descriptor. Without
// paths it duplicates standard input.
func openSources(paths []string) (map[int]*fd.FD, error) {
	sources := make(map[int]*fd.FD)
	if len(paths) == 0 {
		in, err := fd.NewFromFile(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("duplicating stdin: %w", err)
		}
		sources[in.FD()] = in
		return sources, nil
	}
	for _, path := range paths {
		f, err := fd.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			for _, src := range sources {
				src.Close()
			}
			return nil, fmt.Errorf("opening %q: %w", path, err)
		}
		sources[f.FD()] = f
	}
	return sources, nil
}
