// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dbschema holds the PostgreSQL schema used by the strand
// registry and the allocator.
package dbschema

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"io"

	"git.clover.dev/clover.git/lib/cmd"
	"git.clover.dev/clover.git/lib/config"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var SchemaSQL string

// Apply creates any missing tables and indexes. It is safe to call
// on a database that already has the schema.
func Apply(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, SchemaSQL)
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Command is a cmd.Handler that applies the schema to the database
// named in the site config.
var Command cmd.Handler = setupCommand{}

type setupCommand struct{}

func (setupCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.WithError(err).Error("loading config")
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		logger.WithError(err).Error("loading config")
		return 1
	}
	db, err := sqlx.Open("postgres", cluster.PostgreSQL.Connection.String())
	if err != nil {
		logger.WithError(err).Error("opening database")
		return 1
	}
	defer db.Close()
	err = Apply(context.Background(), db)
	if err != nil {
		logger.WithError(err).Error("setup failed")
		return 1
	}
	logger.Info("schema is up to date")
	return 0
}
