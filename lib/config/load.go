// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"git.clover.dev/clover.git/sdk/go/clover"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// A Loader reads a site config file and applies defaults.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path to the site config file, or "-" for stdin.
	Path string
}

// NewLoader returns a new Loader with Path set to the default
// config file location (or $CLOVER_CONFIG, if set).
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/clover/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := clover.DefaultConfigFile
	if p := os.Getenv("CLOVER_CONFIG"); p != "" {
		def = p
	}
	flagset.StringVar(&ldr.Path, "config", def, "Site configuration `file` (- for stdin)")
}

func (ldr *Loader) loadBytes() ([]byte, error) {
	if ldr.Path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(ldr.Path)
}

// Load reads the site config and returns it with defaults applied
// to every cluster.
func (ldr *Loader) Load() (*clover.Config, error) {
	buf, err := ldr.loadBytes()
	if err != nil {
		return nil, err
	}
	return ldr.loadYAML(buf)
}

func (ldr *Loader) loadYAML(buf []byte) (*clover.Config, error) {
	// Keep each cluster's site config as raw JSON so it can be
	// decoded on top of that cluster's defaults. Decoding straight
	// into map[string]Cluster would replace every entry with a
	// zero Cluster.
	var site struct {
		Clusters map[string]json.RawMessage
	}
	err := yaml.Unmarshal(buf, &site)
	if err != nil {
		return nil, err
	}
	if len(site.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	cfg := clover.Config{Clusters: make(map[string]clover.Cluster, len(site.Clusters))}
	for id, raw := range site.Clusters {
		cc, err := DefaultCluster(id)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %w", id, err)
		}
		if len(raw) > 0 && string(raw) != "null" {
			err = json.Unmarshal(raw, &cc)
			if err != nil {
				return nil, fmt.Errorf("cluster %s: %w", id, err)
			}
		}
		cc.ClusterID = id
		for _, err := range []error{
			ldr.checkDispatcher(cc),
			ldr.checkAllocator(cc),
		} {
			if err != nil {
				return nil, fmt.Errorf("cluster %s: %w", id, err)
			}
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

func (ldr *Loader) checkDispatcher(cc clover.Cluster) error {
	dc := cc.Dispatcher
	if dc.MinThreads > dc.MaxThreads {
		return fmt.Errorf("Dispatcher.MinThreads (%d) is greater than Dispatcher.MaxThreads (%d)", dc.MinThreads, dc.MaxThreads)
	}
	if dc.PollInterval <= 0 {
		return errors.New("Dispatcher.PollInterval must be positive")
	}
	if dc.ApoptosisTimeout() <= 0 {
		return fmt.Errorf("Dispatcher.LeaseDuration (%s) must exceed DumpTimeout (%s) + ApoptosisMargin (%s)", dc.LeaseDuration, dc.DumpTimeout, dc.ApoptosisMargin)
	}
	if dc.PartitionCount < 0 {
		return fmt.Errorf("Dispatcher.PartitionCount (%d) must not be negative", dc.PartitionCount)
	}
	if dc.PartitionCount > 0 && (dc.PartitionNumber < 1 || dc.PartitionNumber > dc.PartitionCount) {
		return fmt.Errorf("Dispatcher.PartitionNumber (%d) must be in [1, %d]", dc.PartitionNumber, dc.PartitionCount)
	}
	if dc.PartitionCount > 0 && dc.OldStrandAge <= 0 {
		return errors.New("Dispatcher.OldStrandAge must be positive when partitioned")
	}
	if cc.PostgreSQL.ConnectionPool < 3 {
		ldr.Logger.Warnf("PostgreSQL.ConnectionPool (%d) leaves room for only one strand at a time", cc.PostgreSQL.ConnectionPool)
	}
	return nil
}

func (ldr *Loader) checkAllocator(cc clover.Cluster) error {
	ac := cc.Allocator
	if ac.TargetUtilization <= 0 || ac.TargetUtilization > 1 {
		return fmt.Errorf("Allocator.TargetUtilization (%v) must be in (0, 1]", ac.TargetUtilization)
	}
	if ac.MaxRandomScore < 0 {
		return fmt.Errorf("Allocator.MaxRandomScore (%v) must not be negative", ac.MaxRandomScore)
	}
	return nil
}
