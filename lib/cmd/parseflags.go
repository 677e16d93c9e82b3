// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args into f, writing any usage or error message
// to stderr. If ok is false the command should return exitCode
// without doing anything else: 0 after -help, 2 after a usage error.
//
// positional describes the accepted positional arguments for the
// usage message ("Usage: prog [options] positional"). If it is "",
// positional arguments are an error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		f.SetOutput(stderr)
		if fs, isFlagSet := f.(*flag.FlagSet); isFlagSet && fs.Usage != nil {
			fs.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.PrintDefaults()
		}
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	} else if positional == "" && f.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		return false, 2
	}
	return true, 0
}
