package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/NVIDIA/nsmd-sub004/internal/mctp"
	nsmd "github.com/NVIDIA/nsmd-sub004"
	"github.com/NVIDIA/nsmd-sub004/internal/transport"
	"github.com/NVIDIA/nsmd-sub004/internal/wire"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/nsmd/sensors.yaml", "Path to the sensor configuration YAML file")
		localEOID  = flag.Uint("local-eid", 8, "This daemon's own MCTP endpoint id, used for event subscription")
		metricsAddr = flag.String("metrics-addr", ":9100", "Address to serve /metrics on")
		verbose    = flag.Bool("v", false, "Verbose (debug-level) logging")
	)
	flag.Parse()

	zapConfig := zap.NewProductionConfig()
	if *verbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsmd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	conn, err := transport.NewSocket(uint8(*localEOID), wire.TypeDeviceCapability)
	if err != nil {
		log.Fatalw("failed to open MCTP socket", "error", err)
	}

	metrics := nsmd.NewMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		log.Infow("serving metrics", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()

	daemon, err := nsmd.New(nsmd.Params{
		Conn:            conn,
		Enumerator:      mctp.StaticEnumerator{}, // real deployments enumerate via netlink/sysfs out of band
		ConfigPath:      *configPath,
		LocalEndpointID: uint8(*localEOID),
		Log:             log,
		Metrics:         metrics,
	})
	if err != nil {
		log.Fatalw("failed to construct daemon", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- daemon.Run(ctx) }()

	select {
	case sig := <-sigCh:
		log.Infow("received shutdown signal", "signal", sig)
		cancel()
	case err := <-runErr:
		if err != nil {
			log.Errorw("daemon exited with error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	done := make(chan error, 1)
	go func() { done <- daemon.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			log.Errorw("error during shutdown", "error", err)
			os.Exit(1)
		}
	case <-shutdownCtx.Done():
		log.Error("shutdown timed out")
		os.Exit(1)
	}

	log.Info("nsmd stopped")
}
