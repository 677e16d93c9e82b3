// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package clover

import (
	"sort"
	"strings"
)

// PostgreSQLConnection is a map of libpq connection parameters, like
// {"host": "localhost", "dbname": "clover"}.
type PostgreSQLConnection map[string]string

// String returns a libpq key/value connection string. Keys are sorted
// so the result is stable.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(c[k], `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}
