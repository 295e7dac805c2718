package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/relay/internal/clock"
	"lockstep/relay/internal/config"
	"lockstep/relay/internal/httpapi"
	"lockstep/relay/internal/logging"
	"lockstep/relay/internal/playset"
	"lockstep/relay/internal/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	registry := playset.NewRegistry()
	if err := registry.Register(playset.TestGame{}); err != nil {
		logger.Fatal("playset registration failed", logging.Error(err))
	}

	srv := NewServer(cfg, logger, clock.System{}, registry)

	doc, err := snapshot.Load(cfg.StatePath)
	switch {
	case err == nil:
		if err := srv.LoadSnapshot(doc); err != nil {
			logger.Fatal("snapshot rehydration failed", logging.Error(err))
		}
		logger.Info("snapshot loaded", logging.String("path", cfg.StatePath))
	case errors.Is(err, snapshot.ErrNotFound):
		logger.Warn("no snapshot found, starting empty", logging.String("path", cfg.StatePath))
	default:
		logger.Fatal("snapshot load failed", logging.Error(err))
	}

	mux := http.NewServeMux()
	httpapi.NewHandlerSet(logger, srv).Register(mux)
	mux.Handle("/ws", srv.wsHandler(websocket.Upgrader{CheckOrigin: originChecker(cfg)}))

	httpServer := &http.Server{Addr: cfg.Address, Handler: mux}
	tlsEnabled := cfg.TLSCertPath != ""
	serveErr := make(chan error, 1)
	go func() {
		if tlsEnabled {
			serveErr <- httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("relay listening", logging.String("url", listenerURL(cfg.Address, tlsEnabled)))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		logger.Fatal("listener failed", logging.Error(err))
	case sig := <-signals:
		//1.- Treat operator signals as a clean shutdown: persist, then exit.
		logger.Warn("signal received, saving snapshot", logging.String("signal", sig.String()))
		if err := snapshot.SaveClean(srv.BuildSnapshotDocument(), cfg.StatePath, time.Now()); err != nil {
			logger.Error("snapshot save failed", logging.Error(err))
		}
	case req := <-srv.ShutdownRequested():
		//2.- Admin shutdowns already persisted before replying D.
		logger.Warn("admin shutdown", logging.Bool("clean", req.clean), logging.String("reason", req.reason))
	}

	srv.Shutdown()
	_ = httpServer.Close()
}
