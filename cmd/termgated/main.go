// Command termgated serves interactive terminal sessions over WebSocket
// channels.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/logging"
	"github.com/termgate/termgate/internal/server"
)

func main() {
	config.Load()

	logger, err := logging.New(config.Cfg.LogPath)
	if err != nil {
		log.Fatalf("logging init: %v", err)
	}
	defer logger.Sync()

	srv := server.New(config.Cfg, server.Options{Log: logger})

	httpSrv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Infof("termgated: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		srv.Registry().CloseAll()
	}()

	logger.Infof("termgated listening on %s (shell %s, idle timeout %s)",
		config.Cfg.ListenAddr, config.Cfg.Shell, config.Cfg.SessionIdleTimeout)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("termgated: %v", err)
	}
}
