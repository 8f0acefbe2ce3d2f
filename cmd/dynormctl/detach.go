// Copyright 2024 The Dynormatic Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
)

// detachCmd implements "detach <pid>": sends the nudge signal to pid.
// The engine's InstallExceptionHandler does not subscribe to that
// signal, and no code in this module maps it to engine.Detach.
type detachCmd struct{}

func (*detachCmd) Name() string     { return "detach" }
func (*detachCmd) Synopsis() string { return "nudge a running engine to detach from its process" }
func (*detachCmd) Usage() string {
	return "detach <pid>\n  Send the detach nudge to a process running under the engine.\n"
}
func (*detachCmd) SetFlags(f *flag.FlagSet) {}

// nudgeSignal is the signal detach sends as its nudge. SIGUSR1 mirrors gVisor's own stack of direct golang.org/x/sys/unix
// signal plumbing rather than a bespoke IPC channel.
const nudgeSignal = unix.SIGUSR1

func (c *detachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fatalf("detach: expected exactly one pid argument")
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		return fatalf("detach: invalid pid %q: %v", f.Arg(0), err)
	}
	if err := unix.Kill(pid, nudgeSignal); err != nil {
		return fatalf("detach: nudge %d: %v", pid, err)
	}
	fmt.Printf("detach: nudged pid %d\n", pid)
	return subcommands.ExitSuccess
}
