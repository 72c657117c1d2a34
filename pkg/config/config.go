// pkg/config/config.go

package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"PeerSync/pkg/pairing"
	"PeerSync/pkg/protocol"
)

// Prefix of every environment variable read by Load.
const Prefix = "PEERSYNC"

// Config holds process defaults. Command line flags start from these
// values and override them.
type Config struct {
	// serve
	Listen      string        `envconfig:"LISTEN" default:":7070"`
	IdleTimeout time.Duration `envconfig:"IDLE_TIMEOUT" default:"5m"`
	Rescan      time.Duration `envconfig:"RESCAN" default:"2s"`
	LogFile     string        `envconfig:"LOG" default:"/var/log/peersync.log"`

	// pairing
	Secret   string `envconfig:"SECRET"`
	Allow    string `envconfig:"ALLOW"`
	Redis    string `envconfig:"REDIS"`
	RedisKey string `envconfig:"REDIS_KEY" default:"peersync:peers"`

	// pull
	Server         string        `envconfig:"SERVER"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"1s"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	MaxIndexSize   uint32        `envconfig:"MAX_INDEX" default:"45056"`
	DownloadLimit  int64         `envconfig:"DOWNLOAD_LIMIT"` // Mbps
	Interval       time.Duration `envconfig:"INTERVAL"`
}

// Load reads PEERSYNC_* variables, e.g. PEERSYNC_LISTEN or
// PEERSYNC_READ_TIMEOUT.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxIndexSize%protocol.RecordSize != 0 {
		return errors.Errorf("max index size %d is not a multiple of %d", c.MaxIndexSize, protocol.RecordSize)
	}
	if c.Rescan < 0 {
		return errors.Errorf("negative rescan interval %s", c.Rescan)
	}
	if c.Secret != "" && c.Redis != "" {
		return errors.New("a static secret and redis pairing are mutually exclusive")
	}
	if c.Allow != "" {
		if _, err := pairing.ParseNetworks(c.Allow); err != nil {
			return err
		}
	}
	return nil
}
