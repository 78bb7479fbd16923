// Command switchboard runs the orchestration bridge over stdio: JSON-RPC
// requests in on stdin, responses and stream frames out on stdout. An
// optional attach surface mirrors the live stream over websocket and
// exposes metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/switchboard/pkg/bridge"
	"github.com/odvcencio/switchboard/pkg/config"
	"github.com/odvcencio/switchboard/pkg/controller"
	"github.com/odvcencio/switchboard/pkg/observability"
	"github.com/odvcencio/switchboard/pkg/stream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("switchboard", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path (default: user then project config)")
	serversPath := fs.String("servers", "", "Tool server document path (overrides config)")
	attachBind := fs.String("attach", "", "Enable the HTTP attach surface on this address")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *serversPath != "" {
		cfg.Hub.DocumentPath = *serversPath
	}
	if *attachBind != "" {
		cfg.Attach.Enabled = true
		cfg.Attach.Bind = *attachBind
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Stdout carries the wire protocol; logs go to stderr.
	logger := observability.NewLogger("switchboard", observability.ParseLevel(cfg.Log.Level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
		// Stdin stays open under some hosts; force the read loop off it.
		os.Stdin.Close()
	}()

	transport := bridge.NewTransport(os.Stdin, os.Stdout)
	ctrl := controller.New(cfg, transport, logger)

	var attachSrv *http.Server
	if cfg.Attach.Enabled {
		attachSrv = startAttachServer(cfg.Attach.Bind, ctrl.Coordinator(), logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			_ = attachSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("serving",
		slog.String("servers", cfg.Hub.DocumentPath),
		slog.Bool("attach", cfg.Attach.Enabled),
	)
	return ctrl.Serve(ctx)
}

func startAttachServer(bind string, coordinator *stream.Coordinator, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/stream", stream.AttachHandler(coordinator, logger))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("attach server", slog.String("error", err.Error()))
		}
	}()
	logger.Info("attach surface listening", slog.String("addr", bind))
	return srv
}
