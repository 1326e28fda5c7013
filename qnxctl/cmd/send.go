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
	"strconv"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/msg"
)

// Send implements subcommands.Command for the "send" command.
type Send struct {
	retries   int
	replySize int
}

// Name implements subcommands.Command.Name.
func (*Send) Name() string {
	return "send"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Send) Synopsis() string {
	return "send a message to a process and print the reply"
}

// Usage implements subcommands.Command.Usage.
func (*Send) Usage() string {
	return `send [flags] <pid> <message>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Send) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.retries, "retries", 0, "retry this many times while the receiver is not listening")
	f.IntVar(&s.replySize, "reply-size", 4096, "maximum reply size")
}

// Execute implements subcommands.Command.Execute.
func (s *Send) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil || pid <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	reply := make([]byte, s.replySize)
	n, err := sendWithRetry(pid, []byte(f.Arg(1)), reply, s.retries)
	if err != nil {
		return fatalf("send to pid %d: %v", pid, err)
	}
	fmt.Println(string(reply[:n]))
	return subcommands.ExitSuccess
}

// sendWithRetry retries only while nobody listens on pid's address. Any
// other failure may have reached the receiver and is final.
func sendWithRetry(pid int, smsg, rmsg []byte, retries int) (int, error) {
	var n int
	op := func() error {
		var err error
		n, err = msg.Send(pid, smsg, rmsg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOENT):
			log.Debugf("send: pid %d not listening: %v", pid, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(retries, 0)))
	err := backoff.Retry(op, b)
	return n, err
}
