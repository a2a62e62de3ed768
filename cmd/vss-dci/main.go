// VSS DCI — сервис слотов.
//
// DCI:
//   - Потребляет команды из vss.commands (leads, slot.*, gacs, drp)
//   - Ведёт FSM каждого слота и публикует slot.update в vss.events
//   - Выполняет скрипты автоматизации (GACS) и recovery (DRP)
//   - Обходит слоты в FAULT по расписанию (если monitor.enabled)
//   - Отдаёт status API, /healthz и /metrics
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/vss/internal/api"
	"github.com/shaiso/vss/internal/chat"
	"github.com/shaiso/vss/internal/config"
	"github.com/shaiso/vss/internal/device"
	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/drp"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/gacs"
	"github.com/shaiso/vss/internal/monitor"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/slot"
	"github.com/shaiso/vss/internal/telemetry"
)

// store — всё, что сервис читает и пишет. Реализуется repo.Store и repo.MemoryStore.
type store interface {
	slot.Store
	slot.RegistrationStore
	gacs.Store
	drp.Store
	api.Store
	UpsertSlot(ctx context.Context, s *domain.Slot) error
	Ping(ctx context.Context) error
}

var startTime = time.Now()

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting vss-dci")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	var st store
	if cfg.Database.Memory || cfg.Database.URL == "" {
		logger.Warn("using in-memory store, state is lost on restart")
		st = repo.NewMemoryStore()
	} else {
		pool, err := repo.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		st = repo.NewStore(pool)
		logger.Info("database connected")
	}

	for _, sc := range cfg.Slots {
		if err := st.UpsertSlot(ctx, sc.Slot()); err != nil {
			logger.Error("failed to provision slot", "slot_id", sc.ID, "error", err)
			os.Exit(1)
		}
	}
	if len(cfg.Slots) > 0 {
		logger.Info("slots provisioned", "count", len(cfg.Slots))
	}

	// RabbitMQ. Недоступная шина не останавливает сервис: соединение
	// восстанавливается в фоне, события переотправляются после подключения.
	mqConn := mq.NewConnection(cfg.Bus.MQ(mq.DCITopology(), logger))
	defer mqConn.Close()
	if err := mqConn.Connect(ctx); err != nil {
		logger.Warn("RabbitMQ not available, will keep reconnecting", "error", err)
	}
	publisher := mq.NewPublisher(mqConn, logger)
	events := event.NewPublisher(publisher, logger)

	// Устройства и чат
	dev := device.New(device.Config{
		ADBPath:         cfg.Device.ADBPath,
		UhubctlPath:     cfg.Device.UhubctlPath,
		DockerPath:      cfg.Device.DockerPath,
		ShellPath:       cfg.Device.ShellPath,
		PowerShellPath:  cfg.Device.PowerShellPath,
		ContainerPrefix: cfg.Device.ContainerPrefix,
		Logger:          logger,
	})

	var sender chat.Sender
	if chatCfg, ok := cfg.Chat.Sender(); ok {
		sender, err = chat.NewSender(chatCfg)
		if err != nil {
			logger.Error("failed to create chat sender", "platform", chatCfg.Platform, "error", err)
			os.Exit(1)
		}
		logger.Info("chat-message scripts enabled", "platform", chatCfg.Platform)
	}

	registrar := slot.NewStoreRegistrar(st)

	automation := gacs.New(gacs.Config{
		Store:          st,
		Registry:       gacs.NewRegistry(dev, sender),
		Events:         events,
		DefaultTimeout: cfg.GACS.DefaultTimeout,
		Logger:         logger,
	})

	recovery := drp.New(drp.Config{
		Store:          st,
		Catalog:        drp.NewCatalog(dev, registrar),
		Events:         events,
		Retry:          cfg.DRP.Retry(),
		DefaultTimeout: cfg.DRP.DefaultTimeout,
		Logger:         logger,
	})

	registry := slot.NewRegistry(slot.Config{
		Store:        st,
		Events:       events,
		Commands:     publisher,
		Automation:   automation,
		Recovery:     recovery,
		Registrar:    registrar,
		MediaBaseURL: cfg.DCI.MediaBaseURL,
		Logger:       logger,
	})

	svc := slot.NewService(slot.ServiceConfig{
		Registry: registry,
		Store:    st,
		Commands: publisher,
		Conn:     mqConn,
		Replayer: slot.NewReplayer(slot.ReplayerConfig{
			Store:    st,
			Events:   events,
			Registry: registry,
			Ready:    mqConn.IsConnected,
			Interval: cfg.DCI.ReplayInterval,
			Logger:   logger,
		}),
		LeadRetryDelay: cfg.DCI.LeadRetryDelay,
		Prefetch:       cfg.DCI.Prefetch,
		Logger:         logger,
	})
	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start dci service", "error", err)
		os.Exit(1)
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon, err = monitor.New(monitor.Config{
			Slots:        st,
			Recoverer:    monitor.RegistryRecoverer{Registry: registry},
			Schedule:     cfg.Monitor.Schedule,
			RecoveryKind: domain.RecoveryKind(cfg.Monitor.RecoveryKind),
			Cooldown:     cfg.Monitor.Cooldown,
			Logger:       logger,
		})
		if err != nil {
			logger.Error("failed to create monitor", "error", err)
			os.Exit(1)
		}
		if err := mon.Start(ctx); err != nil {
			logger.Error("failed to start monitor", "error", err)
			os.Exit(1)
		}
	}

	// HTTP: /healthz, /metrics, status API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		// шина не влияет на health: без неё сервис работает локально
		fmt.Fprintf(w, "ok %s bus=%s", time.Since(startTime).Round(time.Second), mqConn.State())
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{
		Store:  st,
		Bus:    mqConn,
		Logger: logger,
	}).RegisterRoutes(mux)

	addr := ":" + strconv.Itoa(cfg.DCI.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if mon != nil {
		mon.Stop()
	}
	svc.Stop()
	logger.Info("vss-dci stopped")
}
