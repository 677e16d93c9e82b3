// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks for clover
// services.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	router    *httprouter.Router

	// Management token. If empty, all requests get 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is invoked by a request to "{Prefix}foo". A
	// "ping" route that always succeeds is added if missing.
	Routes Routes

	// If non-nil, Log is called after handling each request. The
	// error argument is nil if the request was successfully
	// authenticated and served, even if the health check itself
	// failed.
	Log func(*http.Request, error)
}

var (
	ErrNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	ErrUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	ErrForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

// Authorize checks the request's bearer token against token. It
// returns the HTTP status to respond with (ErrNotFound if token is
// empty), or http.StatusOK and nil.
func Authorize(token string, r *http.Request) (int, error) {
	if token == "" {
		return http.StatusNotFound, ErrNotFound
	}
	ah := r.Header.Get("Authorization")
	if ah == "" {
		return http.StatusUnauthorized, ErrUnauthorized
	} else if ah != "Bearer "+token {
		return http.StatusForbidden, ErrForbidden
	}
	return http.StatusOK, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.router = httprouter.New()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	routes := Routes{"ping": func() error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		h.router.Handler(http.MethodGet, prefix+name, h.healthJSON(fn))
	}
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

func (h *Handler) healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, err := Authorize(h.Token, r)
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if checkErr := fn(); checkErr == nil {
			w.Write(healthyBody)
		} else {
			err = json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  checkErr.Error(),
			})
		}
	})
}
