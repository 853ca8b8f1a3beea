package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/quantumfed/quantumfed"
	"github.com/quantumfed/quantumfed/participant"
	"github.com/quantumfed/quantumfed/pkg/crypto"
	"github.com/quantumfed/quantumfed/pkg/mqtt"
	"github.com/quantumfed/quantumfed/pkg/orchestration"
)

type envConfig struct {
	LogLevel           string        `env:"QF_PARTICIPANT_LOG_LEVEL"    envDefault:"info"`
	InstanceID         string        `env:"QF_PARTICIPANT_INSTANCE_ID"`
	Name               string        `env:"QF_PARTICIPANT_NAME"`
	ExperimentID       string        `env:"QF_EXPERIMENT_ID"`
	ChannelID          string        `env:"QF_CHANNEL_ID"`
	CoordinatorURL     string        `env:"QF_COORDINATOR_URL"          envDefault:"http://localhost:7070"`
	MQTTAddress        string        `env:"QF_MQTT_ADDRESS"             envDefault:"tcp://localhost:1883"`
	MQTTQOS            uint8         `env:"QF_MQTT_QOS"                 envDefault:"2"`
	MQTTTimeout        time.Duration `env:"QF_MQTT_TIMEOUT"             envDefault:"30s"`
	MQTTUsername       string        `env:"QF_MQTT_USERNAME"`
	MQTTPassword       string        `env:"QF_MQTT_PASSWORD"`
	CAPath             string        `env:"QF_MQTT_CA_PATH"`
	CertPath           string        `env:"QF_MQTT_CERT_PATH"`
	KeyPath            string        `env:"QF_MQTT_KEY_PATH"`
	PayloadKey         string        `env:"QF_PAYLOAD_KEY"`
	UpdateFormat       string        `env:"QF_UPDATE_FORMAT"            envDefault:"json-f64"`
	LivelinessInterval time.Duration `env:"QF_LIVELINESS_INTERVAL"      envDefault:"5s"`
}

var (
	configPath  string
	datasetPath string
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&datasetPath, "dataset", "", "Path to local training dataset (CSV, label in last column)")
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
		if fileCfg.Participant.ExperimentID != "" {
			cfg.ExperimentID = fileCfg.Participant.ExperimentID
		}
		if fileCfg.Participant.ChannelID != "" {
			cfg.ChannelID = fileCfg.Participant.ChannelID
		}
		if fileCfg.Participant.ClientID != "" {
			cfg.InstanceID = fileCfg.Participant.ClientID
		}
		if fileCfg.Participant.PayloadKey != "" {
			cfg.PayloadKey = fileCfg.Participant.PayloadKey
		}
	}

	if cfg.ExperimentID == "" || cfg.ChannelID == "" {
		return fmt.Errorf("experiment ID and channel ID are required")
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = namegenerator.NewGenerator().Generate()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting participant agent",
		"instance_id", cfg.InstanceID,
		"name", cfg.Name,
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

	features, labels, err := loadDataset(datasetPath)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	logger.Info("Local dataset loaded", "samples", len(features))

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
	trainer := participant.NewLinearTrainer(features, labels)
	snapshots := participant.NewHTTPSnapshotClient(cfg.CoordinatorURL)

	agent, err := participant.NewAgentService(
		ctx, cfg.InstanceID, cfg.Name, cfg.LivelinessInterval,
		pubsub, topics, trainer, snapshots, payloadKey, cfg.UpdateFormat, logger,
	)
	if err != nil {
		return fmt.Errorf("agent initialization error: %w", err)
	}

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("agent run error: %w", err)
	}

	return nil
}

// loadDataset reads a headerless CSV where every column but the last
// holds a feature and the last column holds the label. Without a
// dataset the agent trains on a tiny built-in linear sample, which is
// enough for smoke tests.
func loadDataset(path string) ([][]float64, []float64, error) {
	if path == "" {
		return [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}},
			[]float64{1, 1, 1, 3}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, err
	}

	var features [][]float64
	var labels []float64
	for i, record := range records {
		if len(record) < 2 {
			return nil, nil, fmt.Errorf("row %d has fewer than two columns", i+1)
		}

		row := make([]float64, 0, len(record)-1)
		for _, field := range record[:len(record)-1] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", i+1, err)
			}
			row = append(row, v)
		}

		label, err := strconv.ParseFloat(record[len(record)-1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		features = append(features, row)
		labels = append(labels, label)
	}

	return features, labels, nil
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
