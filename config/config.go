package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultConfigFile is read when no path is given
const DefaultConfigFile = "config/config.yaml"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	LevelDB LevelDBConfig `mapstructure:"leveldb"`
	Network NetworkConfig `mapstructure:"network"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"` // empty logs to stdout
	Level      string `mapstructure:"level"`
}

type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

type NetworkConfig struct {
	OutboxCapacity int `mapstructure:"outbox_capacity"` // pending sync requests before dropping
}

type ChainConfig struct {
	RefCacheSize   int    `mapstructure:"ref_cache_size"`
	MaxContentSize uint32 `mapstructure:"max_content_size"`
	GenesisEpoch   uint32 `mapstructure:"genesis_epoch"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/chain")
	v.SetDefault("network.outbox_capacity", 64)
	v.SetDefault("chain.ref_cache_size", 1024)
	v.SetDefault("chain.max_content_size", 1<<20)
	v.SetDefault("chain.genesis_epoch", 0)
	v.SetDefault("metrics.namespace", "chain_ingest")
}

// Load reads the config file at path, falling back to defaults for missing
// keys. Environment variables such as CHAIN_INGEST_SERVER_PORT override
// the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("chain_ingest")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return errors.Errorf("invalid server.port %d", c.Server.Port)
	case c.Network.OutboxCapacity <= 0:
		return errors.Errorf("network.outbox_capacity must be positive, got %d", c.Network.OutboxCapacity)
	case c.LevelDB.Path == "":
		return errors.New("leveldb.path must be set")
	}
	return nil
}
