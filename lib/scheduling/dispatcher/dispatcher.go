// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatcher runs eligible strands on a bounded set of
// goroutines, and kills the process if any strand run outlives its
// lease.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"git.clover.dev/clover.git/lib/scheduling/strand"
	"git.clover.dev/clover.git/sdk/go/clover"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Dispatcher finds strands that should be run and runs each one
// on its own goroutine, supervised by a watchdog goroutine. It keeps
// a record of the strands it is currently running so it does not
// retrieve them again.
type Dispatcher struct {
	// Called by the watchdog after dumping goroutine stacks. The
	// default sends SIGKILL to the current process.
	Kill func()

	// Destination for the goroutine dump. Default os.Stderr.
	DumpTo io.Writer

	logger           logrus.FieldLogger
	registry         Registry
	poolSize         int
	apoptosisTimeout time.Duration
	dumpTimeout      time.Duration
	strandRuntime    time.Duration
	partition        *strand.Partition
	oldStrandAge     time.Duration

	mtx          sync.Mutex
	current      map[string]time.Time // strand ID => start time
	workers      []*Worker
	shuttingDown bool
	shutdown     chan struct{} // closed by Shutdown
	scanErr      error
	wg           sync.WaitGroup

	mStrandsRunning prometheus.Gauge
	mStrandsStarted prometheus.Counter
	mScanSeconds    prometheus.Summary
	mIdleSlots      prometheus.Gauge
}

// A Worker is the handle for one strand run.
type Worker struct {
	Strand  *strand.Strand
	Started time.Time

	done chan struct{}
	err  error
}

// Done returns a channel that is closed when the strand run
// finishes.
func (wkr *Worker) Done() <-chan struct{} {
	return wkr.done
}

// Err returns the error returned by the strand run. It must not be
// called before Done is closed.
func (wkr *Worker) Err() error {
	return wkr.err
}

func (wkr *Worker) running() bool {
	select {
	case <-wkr.done:
		return false
	default:
		return true
	}
}

// New returns a new Dispatcher that runs strands from the given
// registry.
//
// The effective pool size is cfg.PoolSize clamped to
// [cfg.MinThreads, cfg.MaxThreads], then to [1, dbPool-2] so that
// every strand run and the scan query each have a database
// connection. dbPool <= 0 means no database limit.
//
// If cfg.PartitionCount > 0, Scan only returns strands in partition
// cfg.PartitionNumber. An invalid partition is logged and ignored;
// the config loader rejects those before they get here.
func New(ctx context.Context, registry Registry, cfg clover.DispatcherConfig, dbPool int, reg *prometheus.Registry) *Dispatcher {
	lease := registry.LeaseDuration()
	disp := &Dispatcher{
		logger:           ctxlog.FromContext(ctx),
		registry:         registry,
		poolSize:         EffectivePoolSize(cfg, dbPool),
		apoptosisTimeout: lease - cfg.DumpTimeout.Duration() - cfg.ApoptosisMargin.Duration(),
		dumpTimeout:      cfg.DumpTimeout.Duration(),
		strandRuntime:    lease / 4,
		oldStrandAge:     cfg.OldStrandAge.Duration(),
		current:          map[string]time.Time{},
		shutdown:         make(chan struct{}),
		DumpTo:           os.Stderr,
	}
	if cfg.PartitionCount > 0 {
		p, err := strand.NewPartition(cfg.PartitionNumber, cfg.PartitionCount)
		if err != nil {
			disp.logger.WithError(err).Warn("scanning all strands")
		} else {
			disp.partition = p
			disp.logger.WithField("Partition", p.String()).Info("scanning strand partition")
		}
	}
	disp.Kill = killProcess
	disp.registerMetrics(reg)
	return disp
}

// EffectivePoolSize returns the number of concurrent strand runs a
// Dispatcher with the given config will allow.
func EffectivePoolSize(cfg clover.DispatcherConfig, dbPool int) int {
	n := cfg.PoolSize
	if cfg.MinThreads > 0 && n < cfg.MinThreads {
		n = cfg.MinThreads
	}
	if cfg.MaxThreads > 0 && n > cfg.MaxThreads {
		n = cfg.MaxThreads
	}
	if dbPool > 0 && n > dbPool-2 {
		n = dbPool - 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (disp *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	disp.mStrandsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clover",
		Subsystem: "dispatcher",
		Name:      "strands_running",
		Help:      "Number of strand runs in progress in this process.",
	})
	reg.MustRegister(disp.mStrandsRunning)
	disp.mStrandsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clover",
		Subsystem: "dispatcher",
		Name:      "strands_started_total",
		Help:      "Number of strand runs started.",
	})
	reg.MustRegister(disp.mStrandsStarted)
	disp.mScanSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "clover",
		Subsystem:  "dispatcher",
		Name:       "scan_seconds",
		Help:       "Time taken to query the registry for eligible strands.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(disp.mScanSeconds)
	disp.mIdleSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clover",
		Subsystem: "dispatcher",
		Name:      "idle_slots",
		Help:      "Number of strands the last scan asked for.",
	})
	reg.MustRegister(disp.mIdleSlots)
}

// PoolSize returns the effective pool size.
func (disp *Dispatcher) PoolSize() int {
	return disp.poolSize
}

// ApoptosisTimeout returns how long a strand run may take before
// the process is killed.
func (disp *Dispatcher) ApoptosisTimeout() time.Duration {
	return disp.apoptosisTimeout
}

// Scan returns strands that should be started now. One slot of the
// pool is reserved for the scan itself, so if the process is
// running PoolSize-1 or more strands, Scan returns nothing without
// querying the registry. Scan also returns nothing after Shutdown.
//
// A partitioned dispatcher only gets strands from its own partition.
func (disp *Dispatcher) Scan(ctx context.Context) ([]*strand.Strand, error) {
	return disp.scan(ctx, strand.Query{Partition: disp.partition})
}

// ScanOld is like Scan, but returns strands from any partition
// whose schedule time passed more than OldStrandAge ago, so
// strands in the partition of a crashed process still get run. An
// unpartitioned dispatcher's Scan already covers these, so ScanOld
// returns nothing.
func (disp *Dispatcher) ScanOld(ctx context.Context) ([]*strand.Strand, error) {
	if disp.partition == nil {
		return nil, nil
	}
	return disp.scan(ctx, strand.Query{MinAge: disp.oldStrandAge})
}

func (disp *Dispatcher) scan(ctx context.Context, q strand.Query) ([]*strand.Strand, error) {
	disp.mtx.Lock()
	if disp.shuttingDown {
		disp.mtx.Unlock()
		return nil, nil
	}
	idle := disp.poolSize - len(disp.current) - 1
	skip := make([]string, 0, len(disp.current))
	for id := range disp.current {
		skip = append(skip, id)
	}
	disp.mtx.Unlock()

	if idle < 1 {
		disp.mIdleSlots.Set(0)
		return nil, nil
	}
	disp.mIdleSlots.Set(float64(idle))
	q.Limit, q.Skip = idle, skip
	t0 := time.Now()
	strands, err := disp.registry.FindEligible(ctx, q)
	disp.mScanSeconds.Observe(time.Since(t0).Seconds())
	return strands, err
}

// StartTask starts running the given strand on a new goroutine, with
// a watchdog goroutine that kills the process if the run does not
// finish within the apoptosis timeout.
func (disp *Dispatcher) StartTask(ctx context.Context, s *strand.Strand) *Worker {
	wkr := &Worker{
		Strand:  s,
		Started: time.Now(),
		done:    make(chan struct{}),
	}
	disp.mtx.Lock()
	disp.current[s.ID] = wkr.Started
	disp.workers = append(disp.workers, wkr)
	disp.mStrandsRunning.Set(float64(len(disp.current)))
	disp.mtx.Unlock()
	disp.mStrandsStarted.Inc()

	logger := disp.logger.WithFields(logrus.Fields{
		"StrandID": s.ID,
		"Prog":     s.Prog,
		"Label":    s.Label,
	})
	go disp.watch(logger, wkr.done, disp.apoptosisTimeout)

	disp.wg.Add(1)
	go func() {
		defer disp.wg.Done()
		defer func() {
			disp.mtx.Lock()
			delete(disp.current, s.ID)
			disp.mStrandsRunning.Set(float64(len(disp.current)))
			disp.mtx.Unlock()
			close(wkr.done)
		}()
		wkr.err = disp.registry.Run(ctxlog.Context(ctx, logger), s, disp.strandRuntime)
		if errors.Is(wkr.err, strand.ErrLeaseNotAcquired) {
			logger.Debug("strand leased by another process")
		} else if wkr.err != nil {
			logError(logger, wkr.err)
		}
	}()
	return wkr
}

func logError(logger logrus.FieldLogger, err error) {
	logger.WithError(err).Error("exception terminates strand run")
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		logger.WithError(cause).Error("nested exception")
	}
}

// StartCohort scans for eligible strands and starts each one. If a
// partitioned dispatcher finds nothing in its own partition, it
// starts old strands from other partitions instead. It returns the
// number of strands started.
func (disp *Dispatcher) StartCohort(ctx context.Context) (int, error) {
	strands, err := disp.Scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(strands) == 0 {
		strands, err = disp.ScanOld(ctx)
		if err != nil {
			return 0, err
		}
	}
	started := 0
	for _, s := range strands {
		if disp.ShuttingDown() {
			break
		}
		disp.StartTask(ctx, s)
		started++
	}
	return started, nil
}

// WaitCohort forgets workers that have finished. It does not block.
func (disp *Dispatcher) WaitCohort() {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	running := disp.workers[:0]
	for _, wkr := range disp.workers {
		if wkr.running() {
			running = append(running, wkr)
		}
	}
	for i := len(running); i < len(disp.workers); i++ {
		disp.workers[i] = nil
	}
	disp.workers = running
}

// Workers returns the workers that were running as of the last
// WaitCohort, plus any started since then.
func (disp *Dispatcher) Workers() []*Worker {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return append([]*Worker(nil), disp.workers...)
}

// Running returns the IDs and start times of the strands currently
// running in this process.
func (disp *Dispatcher) Running() map[string]time.Time {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	r := make(map[string]time.Time, len(disp.current))
	for id, t := range disp.current {
		r[id] = t
	}
	return r
}

// Shutdown stops the dispatcher from starting new strands. Strands
// already running continue until they finish, still supervised by
// their watchdogs.
func (disp *Dispatcher) Shutdown() {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if !disp.shuttingDown {
		disp.shuttingDown = true
		close(disp.shutdown)
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (disp *Dispatcher) ShuttingDown() bool {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.shuttingDown
}

// ScanError returns the error from the most recent scan in Run, or
// nil if it succeeded.
func (disp *Dispatcher) ScanError() error {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	return disp.scanErr
}

// Wait blocks until every strand run started so far has finished.
func (disp *Dispatcher) Wait() {
	disp.wg.Wait()
}

// Run starts cohorts until ctx is done or Shutdown is called. After
// each cohort it calls heartbeat (if not nil) and, unless the scan
// filled every idle slot, sleeps pollInterval. A scan error is
// logged and followed by a pollInterval sleep. Shutdown interrupts
// the sleep.
func (disp *Dispatcher) Run(ctx context.Context, pollInterval time.Duration, heartbeat func()) {
	for ctx.Err() == nil && !disp.ShuttingDown() {
		before := len(disp.Running())
		started, err := disp.StartCohort(ctx)
		if err != nil {
			disp.logger.WithError(err).Warn("error scanning for strands")
		}
		disp.mtx.Lock()
		disp.scanErr = err
		disp.mtx.Unlock()
		disp.WaitCohort()
		if heartbeat != nil {
			heartbeat()
		}
		if err == nil && started > 0 && started >= disp.poolSize-before-1 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-disp.shutdown:
		case <-time.After(pollInterval):
		}
	}
}
