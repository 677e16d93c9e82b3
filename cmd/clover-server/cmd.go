// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.clover.dev/clover.git/lib/cmd"
	"git.clover.dev/clover.git/lib/config"
	"git.clover.dev/clover.git/lib/dbschema"
	"git.clover.dev/clover.git/lib/respirate"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,
		"db-setup":     dbschema.Command,
		"respirate":    respirate.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
