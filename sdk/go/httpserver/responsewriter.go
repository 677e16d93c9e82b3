// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter and records the status
// sent, the number of body bytes sent, and when the response
// started.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int // First status given to WriteHeader()
	wroteBodyBytes int
	writeTime      time.Time
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
		w.writeTime = time.Now()
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}

// status returns the status sent to the client, or 200 if the
// handler returned without writing anything.
func (w *responseWriter) status() int {
	if w.wroteStatus == 0 {
		return http.StatusOK
	}
	return w.wroteStatus
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
