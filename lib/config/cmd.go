// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"git.clover.dev/clover.git/lib/cmd"
	"git.clover.dev/clover.git/sdk/go/clover"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

// DumpCommand prints the site config, with defaults filled in, as
// YAML.
var DumpCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, code := loadForCommand(prog, args, stdin, stderr)
	if cfg == nil {
		return code
	}
	out, err := yaml.Marshal(cfg)
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// CheckCommand loads the site config, reports problems and the
// derived dispatcher settings, and exits 0 if the config is usable.
var CheckCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, code := loadForCommand(prog, args, stdin, stderr)
	if cfg == nil {
		return code
	}
	var ids []string
	for id := range cfg.Clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cc := cfg.Clusters[id]
		if cc.ManagementToken == "" {
			fmt.Fprintf(stderr, "warning: cluster %s: ManagementToken is empty, management API will be disabled\n", id)
		}
		fmt.Fprintf(stdout, "cluster %s: strand runtime %s, apoptosis timeout %s\n", id,
			cc.Dispatcher.StrandRuntime(), cc.Dispatcher.ApoptosisTimeout())
	}
	return 0
})

// loadForCommand parses the config flags and loads the config. If
// it returns nil, the command should exit with the returned code.
func loadForCommand(prog string, args []string, stdin io.Reader, stderr io.Writer) (*clover.Config, int) {
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return nil, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, 1
	}
	return cfg, 0
}
