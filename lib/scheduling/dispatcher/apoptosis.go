// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatcher

import (
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Held while dumping goroutines, so concurrent apoptoses don't
// interleave their dumps.
var apoptosisMtx sync.Mutex

// watch waits for done to close. If it doesn't close within
// timeout, the strand run is presumed wedged: its lease can no
// longer be trusted, so the whole process is killed.
func (disp *Dispatcher) watch(logger logrus.FieldLogger, done <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	apoptosisMtx.Lock()
	defer apoptosisMtx.Unlock()
	logger.WithField("Timeout", timeout.String()).Error("apoptosis")
	if p := pprof.Lookup("goroutine"); p != nil && disp.DumpTo != nil {
		p.WriteTo(disp.DumpTo, 2)
	}
	time.Sleep(disp.dumpTimeout)
	disp.Kill()
}

func killProcess() {
	unix.Kill(unix.Getpid(), unix.SIGKILL)
	// not reached unless the signal could not be sent
	os.Exit(137)
}
