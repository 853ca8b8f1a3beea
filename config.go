package quantumfed

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Participant ParticipantConfig `toml:"participant"`
}

type CoordinatorConfig struct {
	ExperimentID string `toml:"experiment_id"`
	ClientID     string `toml:"client_id"`
	ClientKey    string `toml:"client_key"`
	ChannelID    string `toml:"channel_id"`
	PayloadKey   string `toml:"payload_key"` // Key used to encrypt tasks before dispatch
}

type ParticipantConfig struct {
	ExperimentID string `toml:"experiment_id"`
	ClientID     string `toml:"client_id"`
	ClientKey    string `toml:"client_key"`
	ChannelID    string `toml:"channel_id"`
	PayloadKey   string `toml:"payload_key"` // Key used to decrypt tasks upon receipt
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
