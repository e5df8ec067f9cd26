package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/kunal/gpu-utilization-monitor/pkg/analyzer"
	"github.com/kunal/gpu-utilization-monitor/pkg/api"
	"github.com/kunal/gpu-utilization-monitor/pkg/classifier"
	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/exporter"
	"github.com/kunal/gpu-utilization-monitor/pkg/healthcheck"
	"github.com/kunal/gpu-utilization-monitor/pkg/logger"
	"github.com/kunal/gpu-utilization-monitor/pkg/scheduler"
	"github.com/kunal/gpu-utilization-monitor/pkg/scoring"
	"github.com/kunal/gpu-utilization-monitor/pkg/telemetry"
	"github.com/kunal/gpu-utilization-monitor/pkg/webhook"
)

const version = "1.0.0"

const healthPeriod = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default $CONFIG_PATH or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid config: %v", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		log.Fatalf("❌ Failed to set up logging: %v", err)
	}

	log.Infof("🧠 GPU monitor %s starting", version)
	log.Infof("   Prometheus: %s", cfg.Prometheus.URL)
	log.Infof("   Interval: %v, window: %dm, workers: %d",
		cfg.Scheduler.Interval(), cfg.Prometheus.TimeWindowMin, cfg.Scheduler.MaxWorkers)
	log.Infof("   Classifier enabled: %v, control webhook enabled: %v", cfg.AI.Enabled, cfg.Control.Enabled)

	source, err := telemetry.NewClient(cfg.Prometheus)
	if err != nil {
		log.Fatalf("❌ Failed to create telemetry client: %v", err)
	}
	engine := scoring.NewEngine(cfg)
	adapter := classifier.New(cfg.AI, source.Window())
	batch := analyzer.New(source, engine, adapter, cfg.Scheduler.MaxWorkers)

	store := scheduler.NewStore()
	sched := scheduler.New(batch, store, cfg.Scheduler.Interval(), cfg.Thresholds.LowUtilization)

	metrics := exporter.New(cfg, version)
	sched.SetSink(metrics)
	if cfg.Control.Enabled {
		sched.SetNotifier(webhook.New(cfg.Control), cfg.Scheduler.MaxWorkers)
	}

	broadcaster := api.NewBroadcaster()
	sched.OnPublish(broadcaster.Broadcast)

	checker := healthcheck.NewChecker(source, store, cfg.Scheduler.Interval(), batch.ClassifierEnabled())

	// gRPC health service
	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatalf("❌ Failed to listen on port %d: %v", cfg.Server.GRPCPort, err)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := api.NewServer(cfg, version, store, sched, checker, metrics.Handler(), broadcaster)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx, healthPeriod)

	go func() {
		log.Infof("📊 HTTP API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	go func() {
		log.Infof("🚀 gRPC health server listening on %s", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("❌ gRPC server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("🛑 Shutting down GPU monitor...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("⚠️  HTTP shutdown: %v", err)
	}
	grpcServer.GracefulStop()
	sched.Stop()
	log.Info("✅ GPU monitor stopped")
}
