package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vnresolve/vnr-reaper/internal/api"
	"github.com/vnresolve/vnr-reaper/internal/core"
	"github.com/vnresolve/vnr-reaper/internal/etcd"
	"github.com/vnresolve/vnr-reaper/internal/fetch"
	"github.com/vnresolve/vnr-reaper/internal/metrics"
	natsbackend "github.com/vnresolve/vnr-reaper/internal/nats"
	vnrotel "github.com/vnresolve/vnr-reaper/internal/otel"
	"github.com/vnresolve/vnr-reaper/internal/reaper"
	"github.com/vnresolve/vnr-reaper/internal/server"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := server.LoadConfig()

	// Initialize OpenTelemetry (opt-in via VNR_OTEL_ENABLED or OTEL_EXPORTER_OTLP_ENDPOINT)
	otelShutdown, err := vnrotel.Init(context.Background(), vnrotel.Config{
		ServiceName:    "vnr-reaper",
		ServiceVersion: core.Version,
		Enabled:        cfg.OtelEnabled,
		Endpoint:       cfg.OtelEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// The pipeline sink always lives on NATS; the record store may not.
	backend, err := natsbackend.New(cfg.NatsURL, cfg.SinkMaxPending)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	slog.Info("connected to NATS", "url", cfg.NatsURL)

	var store core.RecordStore = backend.Records()
	if cfg.StoreBackend == "etcd" {
		etcdStore, err := etcd.New(cfg.EtcdEndpoints)
		if err != nil {
			slog.Error("failed to connect to etcd", "endpoints", cfg.EtcdEndpoints, "error", err)
			os.Exit(1)
		}
		defer etcdStore.Close()
		store = etcdStore
		slog.Info("using etcd record store", "endpoints", cfg.EtcdEndpoints)
	}

	metrics.Init(core.Version, cfg.StoreBackend)

	fetcher := fetch.NewClient(cfg.InventoryURL)

	r := reaper.New(store, fetcher, backend.Sink(), cfg.ReaperConfig())
	svc := reaper.NewService(r, cfg.CycleInterval, cfg.CycleSchedule)
	backend.Sink().NotifyCapacity(svc.Wake)
	svc.Start()
	defer svc.Stop()

	handler := api.NewHandler(r, svc, backend)
	router := server.NewRouter(handler)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("VNR reaper listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// gRPC health endpoint for orchestrator probes
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("vnr.v1.ReaperService", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("VNR gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	svc.Stop()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
