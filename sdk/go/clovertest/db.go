// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package clovertest provides helpers for tests that need external
// services.
package clovertest

import (
	"os"

	check "gopkg.in/check.v1"
)

// PostgreSQLConnection returns the libpq connection string for the
// test database, from $CLOVER_TEST_POSTGRESQL. The calling test is
// skipped if it is not set.
//
// Tests using it may create and drop tables; do not point it at a
// database you care about.
func PostgreSQLConnection(c *check.C) string {
	connstr := os.Getenv("CLOVER_TEST_POSTGRESQL")
	if connstr == "" {
		c.Skip("CLOVER_TEST_POSTGRESQL not set")
	}
	return connstr
}
