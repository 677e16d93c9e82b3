// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch calls fn each time the file at path changes, until ctx is
// done. Bursts of events are coalesced into a single call.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = watcher.Add(path)
	if err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config file watcher error")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				for len(watcher.Events) > 0 {
					<-watcher.Events
				}
				logger.WithField("Event", ev.String()).Info("config file changed")
				fn()
			}
		}
	}()
	return nil
}
