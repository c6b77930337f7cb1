package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Store     StoreConfig     `mapstructure:"store"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type RelayConfig struct {
	Addr       string `mapstructure:"addr"`
	Path       string `mapstructure:"path"`
	SendBuffer int    `mapstructure:"send_buffer"`
	Mode       string `mapstructure:"mode"`
}

type SignalingConfig struct {
	URL string `mapstructure:"url"`
}

type ICEConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
}

type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

type TransferConfig struct {
	ChunkSize     int    `mapstructure:"chunk_size"`
	HighWaterMark uint64 `mapstructure:"high_water_mark"`
	BinaryPackets bool   `mapstructure:"binary_packets"`
	InboundBuffer int    `mapstructure:"inbound_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.path", "/ws")
	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.mode", "release")

	v.SetDefault("signaling.url", "ws://localhost:8080/ws")

	v.SetDefault("ice.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("store.dir", "./peerdrop-data")

	v.SetDefault("transfer.chunk_size", 64*1024)
	v.SetDefault("transfer.high_water_mark", 4*1024*1024)
	v.SetDefault("transfer.binary_packets", true)
	v.SetDefault("transfer.inbound_buffer", 1024)
}

// Load reads defaults, then the optional file at path, then PEERDROP_* env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("peerdrop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.HighWaterMark < uint64(c.Transfer.ChunkSize) {
		return fmt.Errorf("transfer.high_water_mark (%d) must be at least one chunk (%d)",
			c.Transfer.HighWaterMark, c.Transfer.ChunkSize)
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive, got %d", c.Relay.SendBuffer)
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("relay.path must start with '/', got %q", c.Relay.Path)
	}
	return nil
}
