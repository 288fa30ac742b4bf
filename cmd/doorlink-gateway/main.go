package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/doorlink/doorlink-gateway/internal/config"
	"github.com/doorlink/doorlink-gateway/internal/deviceclient"
	"github.com/doorlink/doorlink-gateway/internal/logging"
	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/doorlink/doorlink-gateway/internal/server"
	"github.com/doorlink/doorlink-gateway/internal/service"
	"github.com/doorlink/doorlink-gateway/internal/session"
	"github.com/doorlink/doorlink-gateway/internal/storage"
	"github.com/doorlink/doorlink-gateway/internal/storage/bolt"
	"github.com/doorlink/doorlink-gateway/internal/storage/sqlstore"
	"github.com/doorlink/doorlink-gateway/internal/transport"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	m := metrics.New(cfg.Log.Service)
	registry := service.NewDeviceRegistry(store, cfg.Device.TokenLength, logger.Named("registry"))
	if err := registry.SeedAdministrators(context.Background(), administrators(cfg)); err != nil {
		logger.Fatal("seed administrators", zap.Error(err))
	}

	deviceClient := deviceclient.New(deviceclient.Options{
		ConnectTimeout:  cfg.Device.ProbeConnectTimeout,
		ProbeTimeout:    cfg.Device.ProbeTimeout,
		DeliveryTimeout: cfg.Device.DeliveryTimeout,
		StatusTimeout:   cfg.Device.StatusTimeout,
	}, logger.Named("deviceclient"))

	hub := session.NewHub(session.Options{
		WriteTimeout: cfg.Session.WriteTimeout,
		PingInterval: cfg.Session.PingInterval,
	}, registry, logger.Named("session"), m)

	commands := service.NewCommandService(store, service.CommandOptions{
		DefaultPriority: cfg.Dispatch.DefaultPriority,
		PendingLimit:    cfg.Dispatch.PendingLimit,
		ListLimit:       cfg.Dispatch.ListLimit,
		MaxLimit:        cfg.Dispatch.MaxLimit,
	}, m, logger.Named("commands"))
	routing := service.NewRoutingService(registry, deviceClient, logger.Named("routing"))
	transports := transport.NewSet(
		transport.HTTPLocal{Client: deviceClient},
		transport.WebSocket{Sessions: hub},
	)
	dispatcher := service.NewDispatcher(registry, commands, routing, transports, deviceClient, service.DispatcherOptions{
		ClaimOnPoll: cfg.Dispatch.ClaimOnPoll,
		DrainLimit:  cfg.Dispatch.MaxLimit,
	}, m, logger.Named("dispatch"))
	hub.SetHandler(service.NewSessionBridge(registry, dispatcher, logger.Named("session")))
	registry.OnRevoke(func(id uint64) { hub.Disconnect(id) })

	sweeper := service.NewSweeper(registry, commands, dispatcher, hub, service.SweeperOptions{
		Interval:         cfg.Sweeper.Interval,
		PurgeInterval:    cfg.Sweeper.PurgeInterval,
		MaxRetries:       cfg.Dispatch.MaxRetries,
		RetryWindow:      cfg.Dispatch.RetryWindow,
		AckTimeout:       cfg.Dispatch.AckTimeout,
		Retention:        cfg.Dispatch.Retention,
		HeartbeatTimeout: cfg.Device.HeartbeatTimeout,
	}, m, logger.Named("sweeper"))

	srv := server.New(cfg, server.Services{
		Registry:   registry,
		Commands:   commands,
		Dispatcher: dispatcher,
		Sweeper:    sweeper,
		Auth:       service.NewAuthService(cfg),
	}, m, logger.Named("http"))

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.Start(); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	var sessionSrv *http.Server
	if cfg.Session.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/device-api/ws", hub)
		sessionSrv = &http.Server{Addr: cfg.Session.Addr, Handler: mux}
		go func() {
			logger.Info("session listener started", zap.String("addr", cfg.Session.Addr))
			if err := sessionSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("session listener stopped", zap.Error(err))
			}
		}()
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	if cfg.Sweeper.Enabled {
		go func() {
			defer close(sweepDone)
			sweeper.Run(sweepCtx)
		}()
	} else {
		close(sweepDone)
	}

	// graceful shutdown
	waitForSignal()
	logger.Info("shutting down...")
	stopSweeper()
	<-sweepDone

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if sessionSrv != nil {
		if err := sessionSrv.Shutdown(ctx); err != nil {
			logger.Warn("session listener shutdown error", zap.Error(err))
		}
	}
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres":
		db, err := sqlstore.Open(sqlstore.Config{
			Driver: cfg.Storage.Driver,
			DSN:    cfg.Storage.DSN,
			LogSQL: cfg.Storage.LogSQL,
		})
		if err != nil {
			return nil, err
		}
		return sqlstore.New(db)
	default:
		return bolt.New(cfg.Storage.Path)
	}
}

func administrators(cfg *config.Config) []model.Administrator {
	out := make([]model.Administrator, 0, len(cfg.Admins))
	for _, a := range cfg.Admins {
		out = append(out, model.Administrator{Name: a.Name, Code: a.Code, Phone: a.Phone})
	}
	return out
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
