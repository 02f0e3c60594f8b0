package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jittakal/kafreceiver/internal/config"
	"github.com/jittakal/kafreceiver/internal/kafka"
	"github.com/jittakal/kafreceiver/internal/observability"
	"github.com/jittakal/kafreceiver/internal/receiver"
)

var (
	// Version information (set during build)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"

	configFile = flag.String("config", getEnv("CONFIG_FILE", "config/application.yaml"), "Path to configuration file")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader()
	cfg, err := loader.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LoggingConfigValue())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting kafreceiver",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("environment", cfg.Application.Environment),
		zap.Strings("brokers", cfg.Kafka.BootstrapServers),
		zap.String("group_id", cfg.Kafka.Consumer.GroupID),
		zap.Strings("topics", cfg.Kafka.Consumer.Topics),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	if cfg.Observability.Metrics.Enabled {
		go serveMetrics(cfg.Observability.Metrics, registry, logger)
	}

	settings, err := cfg.ReceiverSettings()
	if err != nil {
		return err
	}

	client, err := kafka.New(cfg.ClientConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}

	rcv := receiver.New(client, cfg.Kafka.Consumer.GroupID, cfg.Kafka.Consumer.Topics, settings, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, errs, err := rcv.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigterm
		logger.Info("received termination signal", zap.String("signal", sig.String()))
		cancel()
	}()

	for batch := range batches {
		for _, msg := range batch {
			logEvent(logger, msg.Record.Topic, msg.Record.Value,
				msg.Record.Partition, msg.Record.Offset)
			msg.Offset.Acknowledge()
		}
	}

	if err, ok := <-errs; ok && err != nil {
		return fmt.Errorf("receiver terminated: %w", err)
	}

	logger.Info("kafreceiver stopped gracefully")
	return nil
}

// logEvent decodes the record value as a CloudEvent where possible and logs
// the essentials.
func logEvent(logger *zap.Logger, topic string, value []byte, partition int32, offset int64) {
	var event cloudevents.Event
	if err := json.Unmarshal(value, &event); err != nil {
		logger.Info("record consumed",
			zap.String("topic", topic),
			zap.Int32("partition", partition),
			zap.Int64("offset", offset),
			zap.Int("value_bytes", len(value)),
		)
		return
	}

	logger.Info("event consumed",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("event_id", event.ID()),
		zap.String("event_type", event.Type()),
		zap.String("event_source", event.Source()),
		zap.String("spec_version", event.SpecVersion()),
	)
}

func serveMetrics(cfg config.MetricsConfig, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("starting metrics server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
