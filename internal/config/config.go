package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"walletmesh/internal/admission"
)

const (
	FileName  = "config.yml"
	EnvPrefix = "WALLETMESH_"
)

type Config struct {
	// Home is the node's data directory; it is not read from the file.
	Home string `yaml:"-" env:"HOME_DIR"`
	// Passphrase unlocks the key vault and only comes from the environment.
	Passphrase string `yaml:"-" env:"PASSPHRASE"`

	Node      NodeConfig      `yaml:"node" envPrefix:"NODE_"`
	Gossip    GossipConfig    `yaml:"gossip" envPrefix:"GOSSIP_"`
	Admission AdmissionConfig `yaml:"admission" envPrefix:"ADMISSION_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Peers     []PeerConfig    `yaml:"peers" validate:"dive"`
	Members   []string        `yaml:"members" env:"MEMBERS" validate:"dive,len=64,hexadecimal"`
	Allow     []string        `yaml:"allow" env:"ALLOW" validate:"dive,len=64,hexadecimal"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Chain     ChainConfig     `yaml:"chain" envPrefix:"CHAIN_"`
	Debug     DebugConfig     `yaml:"debug" envPrefix:"DEBUG_"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
}

type NodeConfig struct {
	ListenAddr      string `yaml:"listen_addr" env:"LISTEN_ADDR" validate:"required,hostname_port"`
	MaxPeers        int    `yaml:"max_peers" env:"MAX_PEERS" validate:"gt=0"`
	MaxConnsPerHost int    `yaml:"max_conns_per_host" env:"MAX_CONNS_PER_HOST" validate:"gte=0"`
	MaxStreamsPerIP int    `yaml:"max_streams_per_ip" env:"MAX_STREAMS_PER_IP" validate:"gte=0"`
}

type GossipConfig struct {
	Interval          time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
	Fanout            int           `yaml:"fanout" env:"FANOUT" validate:"gt=0"`
	ExchangeTimeout   time.Duration `yaml:"exchange_timeout" env:"EXCHANGE_TIMEOUT" validate:"gt=0"`
	MaxSkew           time.Duration `yaml:"max_skew" env:"MAX_SKEW" validate:"gt=0"`
	MaxAge            time.Duration `yaml:"max_age" env:"MAX_AGE" validate:"gt=0"`
	CompressThreshold int           `yaml:"compress_threshold" env:"COMPRESS_THRESHOLD" validate:"gte=0"`
	PushChunk         int           `yaml:"push_chunk" env:"PUSH_CHUNK" validate:"gt=0"`
}

type AdmissionConfig struct {
	Rate           float64       `yaml:"rate" env:"RATE" validate:"gt=0"`
	Burst          int           `yaml:"burst" env:"BURST" validate:"gt=0"`
	StrikeLimit    int           `yaml:"strike_limit" env:"STRIKE_LIMIT" validate:"gt=0"`
	StrikeWindow   time.Duration `yaml:"strike_window" env:"STRIKE_WINDOW" validate:"gt=0"`
	BackoffBase    time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE" validate:"gt=0"`
	MaxBackoffs    int           `yaml:"backoff_max_steps" env:"BACKOFF_MAX_STEPS" validate:"gt=0"`
	BanDuration    time.Duration `yaml:"ban_duration" env:"BAN_DURATION" validate:"gt=0"`
	MalformedLimit int           `yaml:"malformed_limit" env:"MALFORMED_LIMIT" validate:"gt=0"`
}

type StorageConfig struct {
	Engine        string        `yaml:"engine" env:"ENGINE" validate:"oneof=memory jsonl sqlite"`
	Path          string        `yaml:"path" env:"PATH" validate:"required_unless=Engine memory"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS" validate:"gt=0"`
	RetryBase     time.Duration `yaml:"retry_base" env:"RETRY_BASE" validate:"gt=0"`
}

type PeerConfig struct {
	NodeID string `yaml:"node_id" validate:"required,len=64,hexadecimal"`
	PubKey string `yaml:"pubkey" validate:"required,len=64,hexadecimal"`
	Addr   string `yaml:"addr" validate:"required,hostname_port"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

type MetricsConfig struct {
	SnapshotPath string        `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
	Interval     time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
}

type ChainConfig struct {
	EVMRPC          string        `yaml:"evm_rpc" env:"EVM_RPC" validate:"omitempty,url"`
	ChainID         uint64        `yaml:"chain_id" env:"CHAIN_ID"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL" validate:"gt=0"`
}

// DebugConfig enables the profiling endpoint when PprofAddr is set.
type DebugConfig struct {
	PprofAddr        string `yaml:"pprof_addr" env:"PPROF_ADDR" validate:"omitempty,hostname_port"`
	PprofAllowPublic bool   `yaml:"pprof_allow_public" env:"PPROF_ALLOW_PUBLIC"`
}

// DiscoveryConfig announces the node on the local network over mDNS. Members
// found there are dialed at the announced address when none is configured.
type DiscoveryConfig struct {
	MDNS     bool          `yaml:"mdns" env:"MDNS"`
	Service  string        `yaml:"service" env:"SERVICE" validate:"required_if=MDNS true"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL" validate:"gt=0"`
}

// Default returns the configuration used when no file is present.
func Default(home string) Config {
	adm := admission.DefaultConfig()
	return Config{
		Home: home,
		Node: NodeConfig{
			ListenAddr:      "0.0.0.0:7946",
			MaxPeers:        64,
			MaxConnsPerHost: 8,
			MaxStreamsPerIP: 64,
		},
		Gossip: GossipConfig{
			Interval:          5 * time.Second,
			Fanout:            3,
			ExchangeTimeout:   5 * time.Second,
			MaxSkew:           2 * time.Minute,
			MaxAge:            10 * time.Minute,
			CompressThreshold: 4 << 10,
			PushChunk:         256,
		},
		Admission: AdmissionConfig{
			Rate:           adm.Rate,
			Burst:          adm.Burst,
			StrikeLimit:    adm.StrikeLimit,
			StrikeWindow:   adm.StrikeWindow,
			BackoffBase:    adm.BackoffBase,
			MaxBackoffs:    adm.MaxBackoffs,
			BanDuration:    adm.BanDuration,
			MalformedLimit: adm.MalformedLimit,
		},
		Storage: StorageConfig{
			Engine:        "jsonl",
			Path:          "wallets.jsonl",
			RetryAttempts: 3,
			RetryBase:     50 * time.Millisecond,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{SnapshotPath: "metrics.json", Interval: 30 * time.Second},
		Chain:   ChainConfig{RefreshInterval: time.Minute},
		Discovery: DiscoveryConfig{
			Service:  "_walletmesh._udp",
			Interval: 30 * time.Second,
		},
	}
}

// Load reads <home>/config.yml over the defaults, applies WALLETMESH_*
// environment overrides and validates the result. A missing file is not an
// error.
func Load(home string) (*Config, error) {
	cfg := Default(home)
	data, err := os.ReadFile(filepath.Join(home, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FileName, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	if cfg.Home == "" {
		cfg.Home = home
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Write stores cfg as <home>/config.yml.
func Write(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, FileName), data, 0o600)
}

// Resolve makes p absolute relative to the home directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

func (c *Config) VaultDir() string {
	return c.Resolve("keys")
}

func (c *Config) BookPath() string {
	return c.Resolve("peers.jsonl")
}

func (c *Config) MembersPath() string {
	return c.Resolve("members.jsonl")
}

func (c *Config) RevokedPath() string {
	return c.Resolve("revoked.jsonl")
}

func (a AdmissionConfig) Controller() admission.Config {
	return admission.Config{
		Rate:           a.Rate,
		Burst:          a.Burst,
		StrikeLimit:    a.StrikeLimit,
		StrikeWindow:   a.StrikeWindow,
		BackoffBase:    a.BackoffBase,
		MaxBackoffs:    a.MaxBackoffs,
		BanDuration:    a.BanDuration,
		MalformedLimit: a.MalformedLimit,
	}
}
