// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.clover.dev/clover.git/lib/cmd"
	"git.clover.dev/clover.git/lib/config"
	"git.clover.dev/clover.git/sdk/go/clover"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"git.clover.dev/clover.git/sdk/go/health"
	"git.clover.dev/clover.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens. After the
	// service context is cancelled, the command waits for Done
	// (if not nil) before exiting.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *clover.Cluster, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The server also answers /metrics and /_health/ping, both
// protected by the cluster's ManagementToken.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})

	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	listenAddr, err := getListenAddr(cluster, c.svcName)
	if err != nil {
		return 1
	}

	if loader.Path != "-" {
		// The init system is expected to restart us with the
		// new config.
		err = config.Watch(ctx, logger, loader.Path, func() {
			logger.Info("shutting down to reload config")
			cancel()
		})
		if err != nil {
			logger.WithError(err).Warn("cannot watch config file for changes")
			err = nil
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	// clover_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clover",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 1
	}
	routes := managementRoutes(cluster.ManagementToken, reg, handler.CheckHealth, handler)
	srv := &http.Server{
		Handler:     httpserver.AddRequestIDs(httpserver.LogRequests(routes)),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	logger.WithFields(logrus.Fields{
		"Listen":  listener.Addr().String(),
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	select {
	case <-ctx.Done():
		// Shut down server if caller cancels context
	case <-handler.Done():
		// Shut down server if handler dies
	case err = <-serveErr:
	}
	cancel()
	if done := handler.Done(); done != nil {
		<-done
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	srv.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return 1
	}
	err = nil
	logger.Info("stopped")
	return 0
}

func managementRoutes(mgtToken string, reg *prometheus.Registry, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.Handler("GET", "/metrics", RequireManagementToken(mgtToken,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.NotFound = next
	return mux
}

// RequireManagementToken returns a handler that calls next only if
// the request carries the management token. See health.Authorize.
func RequireManagementToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, err := health.Authorize(token, r); err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getListenAddr(cluster *clover.Cluster, svcName string) (string, error) {
	if want := os.Getenv("CLOVER_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	var addr string
	switch svcName {
	case "respirate":
		addr = cluster.Services.Respirate.Listen
	default:
		return "", fmt.Errorf("unknown service name %q", svcName)
	}
	if addr == "" {
		return "", fmt.Errorf("configuration does not enable the %q service", svcName)
	}
	return addr, nil
}
