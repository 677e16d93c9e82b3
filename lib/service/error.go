// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that could not start.
// It fails every health check with err, so the command exits instead
// of listening, and answers any request it does get with 503.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	return &errorHandler{err: err, logger: logger, done: closedChan}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   <-chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).WithField("reqPath", r.URL.Path).Warn("request to unhealthy service")
	http.Error(w, eh.err.Error(), http.StatusServiceUnavailable)
}

func (eh *errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel: there is nothing to wait for.
func (eh *errorHandler) Done() <-chan struct{} {
	return eh.done
}

var closedChan = func() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
