package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/core/storage/dbconfig"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default path to the config file.
	DefaultConfigPath = "./config/rpcnode.yml"

	userAgentFormat = "rpcnode/%s"
)

// Version is the version of the node, set at build time.
var Version string

// Config top level struct representing the config
// for the node.
type Config struct {
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// GenerateUserAgent creates user agent string based on build time environment.
func (c Config) GenerateUserAgent() string {
	return fmt.Sprintf(userAgentFormat, Version)
}

// Default returns configuration with all default values set.
func Default() Config {
	return Config{
		ApplicationConfiguration: ApplicationConfiguration{
			Service: Service{
				BasicService: BasicService{
					Enabled:   true,
					Addresses: []string{":9999"},
				},
				ThreadCount:           4,
				MaxRequestBodyBytes:   DefaultMaxRequestBodyBytes,
				MaxRequestHeaderBytes: DefaultMaxRequestHeaderBytes,
			},
			ConnectionPool: ConnectionPool{
				Enabled:        true,
				MaxHosts:       64,
				MaxIdlePerHost: 8,
				IdleTimeout:    30 * time.Second,
			},
			BlocksCache: BlocksCache{
				RefreshInterval: time.Second,
				Size:            100,
			},
			HistoryCache: HistoryCache{
				Size: 1000,
				TTL:  30 * time.Second,
			},
			Security: Security{
				MaxStrikes:   10,
				StrikeWindow: time.Minute,
				BanDuration:  10 * time.Minute,
				MaxBans:      10000,
			},
			DBConfiguration: dbconfig.DBConfiguration{
				Type: dbconfig.InMemoryDB,
			},
			LogLevel: "info",
			LogRotation: LogRotation{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     7,
			},
		},
	}
}

// LoadFile loads config from the provided path. Default values are applied
// to everything the file doesn't set, the result is validated.
func LoadFile(configPath string) (Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config '%s' doesn't exist", configPath)
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	return Unmarshal(configData)
}

// Unmarshal decodes YAML configuration over the defaults and validates it.
func Unmarshal(data []byte) (Config, error) {
	config := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(&config)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	err = config.ApplicationConfiguration.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}
