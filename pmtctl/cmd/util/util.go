// Copyright 2026 The gVisor Authors.
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

// Package util groups a few helpers shared by pmtctl commands.
package util

import (
	"fmt"
	"io"
	"os"

	"dmapin.dev/dmapin/pkg/log"
	"github.com/google/subcommands"
)

// Writer is where command output goes. Tests replace it.
var Writer io.Writer = os.Stdout

// Fatalf logs to stderr and to the debug log, then exits.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "pmtctl: "+format+"\n", args...)
	os.Exit(128)
}

// Errorf logs the error to stderr and to the debug log. It returns
// subcommands.ExitFailure for convenience.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "pmtctl: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Printf writes command output.
func Printf(format string, args ...any) {
	fmt.Fprintf(Writer, format, args...)
}
