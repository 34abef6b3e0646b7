package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/flightserve"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

var (
	addr        = flag.String("addr", "localhost:3200", "Flight listen address")
	blockM      = flag.Int("block-m", 64, "Query tile size")
	blockN      = flag.Int("block-n", 32, "Key tile size")
	workers     = flag.Int("workers", 0, "Worker goroutines per launch (0 = NumCPU)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.BlockM = *blockM
	cfg.BlockN = *blockN
	cfg.NumWorkers = *workers

	srv, err := flightserve.Serve(*addr, cfg)
	if err != nil {
		log.Fatalf("Failed to start flight server: %v", err)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Printf("Metrics serving on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down", sig)
	srv.Shutdown()
}
