// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides middleware for the HTTP servers of
// clover services.
package httpserver

import (
	"net/http"
	"strings"
	"time"

	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-Id"

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one, and echoing it in
// the response.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = "req-" + uuid.NewString()
			req.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		h.ServeHTTP(w, req)
	})
}

// LogRequests wraps an http.Handler, logging each response via the
// logger attached to the request context. The handler can retrieve
// a logger with the request fields already set by calling
// ctxlog.FromContext(req.Context()).
//
// Health checks are logged at debug level.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		t0 := time.Now()
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqQuery":        req.URL.RawQuery,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		h.ServeHTTP(w, req)

		tDone := time.Now()
		lgr = lgr.WithFields(logrus.Fields{
			"respStatusCode": w.status(),
			"respStatus":     http.StatusText(w.status()),
			"respBytes":      w.wroteBodyBytes,
			"timeTotal":      tDone.Sub(t0).Seconds(),
		})
		if !w.writeTime.IsZero() {
			lgr = lgr.WithField("timeToStatus", w.writeTime.Sub(t0).Seconds())
		}
		if strings.HasPrefix(req.URL.Path, "/_health/") {
			lgr.Debug("response")
		} else {
			lgr.Info("response")
		}
	})
}
