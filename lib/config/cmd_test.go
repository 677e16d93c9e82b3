// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"strings"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestCheck(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := strings.NewReader("Clusters:\n zzzzz:\n  Dispatcher: {LeaseDuration: 2m}\n")
	code := CheckCommand.RunCommand("config-check", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "cluster zzzzz: strand runtime 30s, apoptosis timeout 1m30s\n")
	c.Check(stderr.String(), check.Matches, `(?ms).*ManagementToken is empty.*`)
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := strings.NewReader("Clusters:\n zzzzz:\n  Allocator: {TargetUtilization: 2}\n")
	code := CheckCommand.RunCommand("config-check", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Not(check.Equals), "")
}

func (s *CommandSuite) TestBadFlags(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("config-dump", []string{"-bogus"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments.*`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := strings.NewReader("Clusters:\n zzzzz:\n  ManagementToken: abcde\n")
	code := DumpCommand.RunCommand("config-dump", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	var out map[string]map[string]map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &out), check.IsNil)
	zzzzz := out["Clusters"]["zzzzz"]
	c.Check(zzzzz["ManagementToken"], check.Equals, "abcde")
	c.Check(zzzzz["Dispatcher"].(map[string]interface{})["LeaseDuration"], check.Equals, "2m")
}
