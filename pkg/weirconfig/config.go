// Package weirconfig loads the server's YAML configuration file and
// supplies defaults for every knob the resolver, update and index actors
// expose (spec.md §1 "configuration parsing" is explicitly out of scope
// for the core, but the ambient CLI still needs somewhere to load it
// from).
package weirconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server's top-level configuration.
type Config struct {
	DataDir string      `yaml:"dataDir"`
	Log     LogConfig   `yaml:"log"`
	Actors  ActorConfig `yaml:"actors"`
}

// LogConfig controls the zerolog level and format, mirroring
// pkg/log.Config.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ActorConfig controls mailbox sizing and the two documented open-question
// knobs (spec.md §9): strict index creation and the deletion-grace
// backoff.
type ActorConfig struct {
	MailboxCapacity     int           `yaml:"mailboxCapacity"`
	ReadConcurrency     int           `yaml:"readConcurrency"`
	StrictIndexCreation bool          `yaml:"strictIndexCreation"`
	DeletionBackoff     time.Duration `yaml:"deletionBackoff"`
}

// Default returns a Config with every field set to its documented
// default.
func Default() Config {
	return Config{
		DataDir: "./data",
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Actors: ActorConfig{
			MailboxCapacity:     100,
			ReadConcurrency:     10,
			StrictIndexCreation: false,
			DeletionBackoff:     100 * time.Millisecond,
		},
	}
}

// Load reads and parses a YAML config file at path, filling in any zero
// fields with Default's values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Actors.MailboxCapacity <= 0 {
		cfg.Actors.MailboxCapacity = def.Actors.MailboxCapacity
	}
	if cfg.Actors.ReadConcurrency <= 0 {
		cfg.Actors.ReadConcurrency = def.Actors.ReadConcurrency
	}
	if cfg.Actors.DeletionBackoff <= 0 {
		cfg.Actors.DeletionBackoff = def.Actors.DeletionBackoff
	}
}
