// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package respirate runs the strand dispatcher as a system service.
package respirate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"git.clover.dev/clover.git/lib/scheduling/allocator"
	"git.clover.dev/clover.git/lib/scheduling/dispatcher"
	"git.clover.dev/clover.git/lib/scheduling/strand"
	"git.clover.dev/clover.git/lib/service"
	"git.clover.dev/clover.git/sdk/go/clover"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/coreos/go-systemd/daemon"
	"github.com/jmoiron/sqlx"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command = service.Command("respirate", newHandler)

var (
	progsMtx sync.Mutex
	progs    = strand.ProgMap{}
)

// RegisterProg makes prog available, under the given name, to
// respirate services started after the call.
func RegisterProg(name string, prog strand.Prog) {
	progsMtx.Lock()
	defer progsMtx.Unlock()
	progs[name] = prog
}

func registeredProgs() strand.ProgMap {
	progsMtx.Lock()
	defer progsMtx.Unlock()
	pm := make(strand.ProgMap, len(progs))
	for name, prog := range progs {
		pm[name] = prog
	}
	return pm
}

func newHandler(ctx context.Context, cluster *clover.Cluster, reg *prometheus.Registry) service.Handler {
	db, err := sqlx.Open("postgres", cluster.PostgreSQL.Connection.String())
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("postgresql connection failed: %w", err))
	}
	if p := cluster.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return service.ErrorHandler(ctx, fmt.Errorf("postgresql connection failed: %w", err))
	}

	store := allocator.NewPGStore(db)
	pm := registeredProgs()
	pm["AllocateVM"] = &AllocateVM{
		Allocator: allocator.New(store, allocator.ScoringFromConfig(cluster.Allocator), reg),
		VMs:       store,
	}
	registry := strand.NewPGRegistry(db, pm, cluster.Dispatcher.LeaseDuration.Duration(), cluster.Dispatcher.ErrorBackoff.Duration())
	rsp := start(ctx, cluster, registry, db.PingContext, reg)
	go func() {
		<-rsp.Done()
		db.Close()
	}()
	return rsp
}

type respirate struct {
	ctx        context.Context
	cluster    *clover.Cluster
	disp       *dispatcher.Dispatcher
	checkStore func(context.Context) error
	router     *httprouter.Router
	done       chan struct{}
}

// start runs a dispatcher in the background until ctx is done, then
// waits for the strands it started to finish and closes Done.
func start(ctx context.Context, cluster *clover.Cluster, registry dispatcher.Registry, checkStore func(context.Context) error, reg *prometheus.Registry) *respirate {
	rsp := &respirate{
		ctx:        ctx,
		cluster:    cluster,
		disp:       dispatcher.New(ctx, registry, cluster.Dispatcher, cluster.PostgreSQL.ConnectionPool, reg),
		checkStore: checkStore,
		router:     httprouter.New(),
		done:       make(chan struct{}),
	}
	rsp.router.Handler(http.MethodGet, "/clover/v1/strands/running",
		service.RequireManagementToken(cluster.ManagementToken, http.HandlerFunc(rsp.serveRunning)))
	go rsp.run()
	return rsp
}

func (rsp *respirate) run() {
	defer close(rsp.done)
	logger := ctxlog.FromContext(rsp.ctx)
	logger.WithFields(logrus.Fields{
		"PoolSize":         rsp.disp.PoolSize(),
		"ApoptosisTimeout": rsp.disp.ApoptosisTimeout().String(),
	}).Info("starting dispatcher")

	var heartbeat func()
	if interval, err := daemon.SdWatchdogEnabled(false); err != nil {
		logger.WithError(err).Warn("cannot read systemd watchdog settings")
	} else if interval > 0 {
		heartbeat = func() {
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}

	go func() {
		<-rsp.ctx.Done()
		rsp.disp.Shutdown()
	}()
	// Strands already started keep running after shutdown, so
	// they get a context that is not cancelled with ours.
	rsp.disp.Run(context.WithoutCancel(rsp.ctx), rsp.cluster.Dispatcher.PollInterval.Duration(), heartbeat)
	logger.WithField("Running", len(rsp.disp.Running())).Info("waiting for running strands to finish")
	rsp.disp.Wait()
}

func (rsp *respirate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rsp.router.ServeHTTP(w, r)
}

// CheckHealth reports an unreachable database or a failed scan.
func (rsp *respirate) CheckHealth() error {
	ctx, cancel := context.WithTimeout(rsp.ctx, 5*time.Second)
	defer cancel()
	if err := rsp.checkStore(ctx); err != nil {
		return err
	}
	return rsp.disp.ScanError()
}

func (rsp *respirate) Done() <-chan struct{} {
	return rsp.done
}

type runningStrand struct {
	ID      string    `json:"id"`
	Prog    string    `json:"prog"`
	Label   string    `json:"label"`
	Started time.Time `json:"started_at"`
}

func (rsp *respirate) serveRunning(w http.ResponseWriter, r *http.Request) {
	running := rsp.disp.Running()
	list := []runningStrand{}
	for _, wkr := range rsp.disp.Workers() {
		if started, ok := running[wkr.Strand.ID]; ok {
			list = append(list, runningStrand{
				ID:      wkr.Strand.ID,
				Prog:    wkr.Strand.Prog,
				Label:   wkr.Strand.Label,
				Started: started,
			})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Started.Before(list[j].Started)
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"items": list})
}
