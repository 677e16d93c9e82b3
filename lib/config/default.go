// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"fmt"

	"git.clover.dev/clover.git/sdk/go/clover"
	"github.com/ghodss/yaml"
)

//go:embed config.default.yml
var DefaultYAML []byte

// DefaultCluster returns a cluster config with every field set to
// its default value.
func DefaultCluster(clusterID string) (clover.Cluster, error) {
	var cfg clover.Config
	err := yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(clusterID), -1), &cfg)
	if err != nil {
		return clover.Cluster{}, fmt.Errorf("loading defaults: %w", err)
	}
	cc := cfg.Clusters[clusterID]
	cc.ClusterID = clusterID
	return cc, nil
}
