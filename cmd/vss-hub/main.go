// VSS Hub — раздача событий наблюдателям по WebSocket.
//
// Hub:
//   - Потребляет slot.*, call.*, recording.*, pipeline.* и system.alert из vss.events
//   - Фильтрует и редактирует события по роли сессии
//   - Принимает команды сессий и публикует их в vss.commands
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/vss/internal/config"
	"github.com/shaiso/vss/internal/hub"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting vss-hub")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mqConn := mq.NewConnection(cfg.Bus.MQ(mq.HubTopology(), logger))
	defer mqConn.Close()
	if err := mqConn.Connect(ctx); err != nil {
		logger.Warn("RabbitMQ not available, will keep reconnecting", "error", err)
	}

	auth := make(hub.StaticAuth, len(cfg.Hub.Tokens))
	for token, role := range cfg.Hub.Tokens {
		auth[token] = hub.Role(role)
	}
	if len(auth) == 0 {
		logger.Warn("no hub tokens configured, sessions stay unauthenticated")
	}

	h := hub.New(hub.Config{
		Policy:    hub.DefaultPolicy(),
		Auth:      auth,
		Commands:  mq.NewPublisher(mqConn, logger),
		QueueSize: cfg.Hub.QueueSize,
		Logger:    logger,
	})
	defer h.Close()

	consumers := hub.NewService(hub.ServiceConfig{
		Hub:      h,
		Conn:     mqConn,
		Prefetch: cfg.Hub.Prefetch,
		Logger:   logger,
	})
	go func() {
		if err := consumers.Run(ctx); err != nil {
			logger.Error("hub consumers stopped", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok sessions=%d bus=%s", h.Sessions(), mqConn.State())
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", h)

	addr := ":" + strconv.Itoa(cfg.Hub.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("vss-hub stopped")
}
