package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantumfed/quantumfed"
	"github.com/quantumfed/quantumfed/coordinator"
	"github.com/quantumfed/quantumfed/coordinator/api"
	"github.com/quantumfed/quantumfed/pkg/crypto"
	"github.com/quantumfed/quantumfed/pkg/fl"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
	"github.com/quantumfed/quantumfed/pkg/orchestration/dispatch"
	"github.com/quantumfed/quantumfed/pkg/orchestration/events"
	"github.com/quantumfed/quantumfed/pkg/orchestration/store"
	"github.com/quantumfed/quantumfed/pkg/storage"
)

const svcName = "coordinator"

type envConfig struct {
	LogLevel      string        `env:"QF_COORDINATOR_LOG_LEVEL"    envDefault:"info"`
	HTTPPort      string        `env:"QF_COORDINATOR_HTTP_PORT"    envDefault:"7070"`
	InstanceID    string        `env:"QF_COORDINATOR_INSTANCE_ID"`
	ExperimentID  string        `env:"QF_EXPERIMENT_ID"`
	ChannelID     string        `env:"QF_CHANNEL_ID"`
	MQTTAddress   string        `env:"QF_MQTT_ADDRESS"             envDefault:"tcp://localhost:1883"`
	MQTTQOS       uint8         `env:"QF_MQTT_QOS"                 envDefault:"2"`
	MQTTTimeout   time.Duration `env:"QF_MQTT_TIMEOUT"             envDefault:"30s"`
	MQTTUsername  string        `env:"QF_MQTT_USERNAME"`
	MQTTPassword  string        `env:"QF_MQTT_PASSWORD"`
	CAPath        string        `env:"QF_MQTT_CA_PATH"`
	CertPath      string        `env:"QF_MQTT_CERT_PATH"`
	KeyPath       string        `env:"QF_MQTT_KEY_PATH"`
	PayloadKey    string        `env:"QF_PAYLOAD_KEY"`
	Selector      string        `env:"QF_SELECTOR"                 envDefault:"random"`
	Aggregator    string        `env:"QF_AGGREGATOR"               envDefault:"fedavg"`
	ModelSize     int           `env:"QF_MODEL_SIZE"               envDefault:"3"`
}

var configPath string

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.Parse()

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load environment config: %w", err)
	}

	if configPath != "" {
		fileCfg, err := quantumfed.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if fileCfg.Coordinator.ExperimentID != "" {
			cfg.ExperimentID = fileCfg.Coordinator.ExperimentID
		}
		if fileCfg.Coordinator.ChannelID != "" {
			cfg.ChannelID = fileCfg.Coordinator.ChannelID
		}
		if fileCfg.Coordinator.ClientID != "" {
			cfg.InstanceID = fileCfg.Coordinator.ClientID
		}
		if fileCfg.Coordinator.PayloadKey != "" {
			cfg.PayloadKey = fileCfg.Coordinator.PayloadKey
		}
	}

	if cfg.ExperimentID == "" || cfg.ChannelID == "" {
		return fmt.Errorf("experiment ID and channel ID are required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting coordinator service",
		"instance_id", cfg.InstanceID,
		"experiment_id", cfg.ExperimentID)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	var payloadKey []byte
	if cfg.PayloadKey != "" {
		key, err := crypto.ParseKey(cfg.PayloadKey)
		if err != nil {
			return fmt.Errorf("invalid payload key: %w", err)
		}
		payloadKey = key
	}

	pubsub, err := mqtt.NewPubSub(
		cfg.MQTTAddress, cfg.MQTTQOS, cfg.InstanceID,
		cfg.MQTTUsername, cfg.MQTTPassword,
		cfg.ExperimentID, cfg.ChannelID, cfg.MQTTTimeout,
		cfg.CAPath, cfg.CertPath, cfg.KeyPath, logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt pubsub: %w", err)
	}
	defer func() {
		if err := pubsub.Disconnect(context.Background()); err != nil {
			logger.Warn("Failed to disconnect mqtt client", "error", err)
		}
	}()

	topics := orchestration.NewTopicBuilder(cfg.ExperimentID, cfg.ChannelID)

	stateStore := store.NewMemoryStateStore(
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
		storage.NewInMemoryStorage(),
	)

	initial := coordinator.DefaultInitialSnapshot()
	if cfg.ModelSize > 0 {
		initial.Params["w"] = make([]float64, cfg.ModelSize)
	}
	snapshots, err := coordinator.NewSnapshotStore(storage.NewInMemoryStorage(), initial)
	if err != nil {
		return fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	dispatcher := dispatch.NewMQTTDispatcher(
		pubsub, topics.RoundStartTopic(), topics.RoundCancelTopic(), payloadKey,
	)
	emitter := events.NewMQTTEventEmitter(pubsub, topics)

	orch := orchestration.NewCoordinator(
		stateStore, snapshots, dispatcher, emitter,
		selectorFor(cfg.Selector), aggregatorFor(cfg.Aggregator),
	)

	svc := coordinator.NewService(
		orch, stateStore, snapshots, emitter,
		pubsub, topics, cfg.ExperimentID, payloadKey, logger,
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.MakeHandler(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Coordinator API listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return svc.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("%s service exited: %w", svcName, err)
	}

	return nil
}

func selectorFor(name string) orchestration.Selector {
	if name == "round-robin" {
		return orchestration.NewRoundRobinSelector()
	}

	return orchestration.NewRandomSelector()
}

func aggregatorFor(name string) fl.Aggregator {
	if name == "median" {
		return fl.NewMedianAggregator()
	}

	return fl.NewFedAvgAggregator()
}

func configureLogger(level string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(logHandler)
}
