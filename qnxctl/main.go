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

// Binary qnxctl exercises the compatibility layer from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/walteh/qnxcompat/pkg/config"
	"github.com/walteh/qnxcompat/pkg/log"
	"github.com/walteh/qnxcompat/qnxctl/cmd"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file")
	logLevel   = flag.String("log-level", "", "log level: debug, info or warning (overrides the configuration)")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	const group = "primitives"
	subcommands.Register(new(cmd.Waitfd), group)
	subcommands.Register(new(cmd.Poll), group)
	subcommands.Register(new(cmd.Serve), group)
	subcommands.Register(new(cmd.Send), group)

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qnxctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "qnxctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if err := cfg.Apply(); err != nil {
		fmt.Fprintf(os.Stderr, "qnxctl: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	log.Debugf("qnxctl: pid %d, args %v", os.Getpid(), os.Args)

	os.Exit(int(subcommands.Execute(context.Background())))
}
