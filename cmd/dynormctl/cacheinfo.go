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

	"github.com/google/subcommands"

	"github.com/dynamorio/core/persist"
)

// cacheInfoCmd implements "cache-info <file>": offline inspection of a
// frozen per-module fragment cache.
type cacheInfoCmd struct {
	verbose bool
}

func (*cacheInfoCmd) Name() string     { return "cache-info" }
func (*cacheInfoCmd) Synopsis() string { return "inspect a frozen per-module fragment cache file" }
func (*cacheInfoCmd) Usage() string {
	return "cache-info [-v] <file>\n  Print the module identity and fragment table of a frozen cache.\n"
}
func (c *cacheInfoCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.verbose, "v", false, "list every fragment entry")
}

func (c *cacheInfoCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return fatalf("cache-info: expected exactly one file argument")
	}
	pf, err := persist.Load(f.Arg(0))
	if err != nil {
		return fatalf("cache-info: %v", err)
	}
	entries := pf.Entries()
	fmt.Printf("module: %s\n", pf.ModuleIdentity())
	fmt.Printf("fragments: %d\n", len(entries))
	if c.verbose {
		for i, e := range entries {
			fmt.Printf("  [%d] app=%#x cache_off=%d size=%d\n", i, e.AppOffset, e.CacheOffset, e.Size)
		}
	}
	return subcommands.ExitSuccess
}
