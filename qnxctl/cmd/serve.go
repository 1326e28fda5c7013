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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/pkg/metrics"
	"github.com/walteh/qnxcompat/pkg/msg"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	count       int
	metricsAddr string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "answer messages on this process's channel"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags]

Prints the server pid, then receives messages and replies to each with the
request upper-cased.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.count, "count", 0, "number of messages to serve, 0 serves until interrupted")
	f.StringVar(&s.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	ch, err := msg.Default()
	if err != nil {
		return fatalf("listening: %v", err)
	}
	fmt.Println(os.Getpid())

	ctx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	var srv *http.Server
	if s.metricsAddr != "" {
		srv = &http.Server{Addr: s.metricsAddr, Handler: metrics.Handler()}
	}

	g, ctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			log.Infof("serve: metrics on %s", s.metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		ch.Close()
		if srv != nil {
			return srv.Shutdown(context.Background())
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.serve(ctx, ch)
	})

	if err := g.Wait(); err != nil {
		return fatalf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Serve) serve(ctx context.Context, ch *msg.Channel) error {
	buf := make([]byte, msg.MaxFrameSize)
	for i := 0; s.count == 0 || i < s.count; i++ {
		sender, n, err := ch.Receive(0, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, msg.ErrClosed) {
				return nil
			}
			if errors.Is(err, msg.ErrInvalidExchange) {
				log.Warningf("serve: dropping request: %v", err)
				continue
			}
			return err
		}
		log.Infof("serve: %d bytes from pid %d", n, sender)
		if err := ch.Reply(sender, bytes.ToUpper(buf[:n])); err != nil {
			log.Warningf("serve: reply to pid %d: %v", sender, err)
		}
	}
	return nil
}
