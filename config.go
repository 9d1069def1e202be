package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"udpprobe/pkg/wire"
)

const (
	defaultServerAddr  = "127.0.0.1"
	defaultBitRate     = 1_000_000
	defaultPacketSize  = 1000
	defaultDuration    = 10
	defaultSyncPort    = 4000
	defaultDataPort    = 5000
	defaultSyncTimeout = 5 * time.Second
)

// Config is the full operator-facing surface. Ports are plain configuration,
// never compiled-in constants, so tests can run on ephemeral ports.
type Config struct {
	ServerAddr  string `toml:"server_address,omitempty"`
	BitRate     int64  `toml:"bit_rate,omitempty"`
	PacketSize  int    `toml:"packet_size,omitempty"`
	DurationSec int    `toml:"duration,omitempty"`
	SyncPort    int    `toml:"sync_port,omitempty"`
	DataPort    int    `toml:"data_port,omitempty"`
	MonitorAddr string `toml:"monitor_address,omitempty"`

	SyncSamples int           `toml:"-"`
	SyncTimeout time.Duration `toml:"-"`
}

func defaultConfig() Config {
	return Config{
		ServerAddr:  defaultServerAddr,
		BitRate:     defaultBitRate,
		PacketSize:  defaultPacketSize,
		DurationSec: defaultDuration,
		SyncPort:    defaultSyncPort,
		DataPort:    defaultDataPort,
		SyncSamples: 1,
		SyncTimeout: defaultSyncTimeout,
	}
}

func loadConfigFile(path string, conf *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(raw, conf); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// validate rejects bad configuration before any socket is opened.
func (c *Config) validate(serve bool) error {
	if !serve {
		ip := net.ParseIP(c.ServerAddr)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("server address %q is not an IPv4 literal", c.ServerAddr)
		}
		if c.BitRate <= 0 {
			return fmt.Errorf("bit rate must be positive, got %d", c.BitRate)
		}
		if c.PacketSize < wire.MinPacketLen || c.PacketSize > wire.MaxPacketLen {
			return fmt.Errorf("packet size must be in [%d, %d] bytes, got %d",
				wire.MinPacketLen, wire.MaxPacketLen, c.PacketSize)
		}
		if c.DurationSec <= 0 {
			return fmt.Errorf("test duration must be positive, got %d", c.DurationSec)
		}
		if c.SyncSamples < 1 {
			return fmt.Errorf("sync samples must be at least 1, got %d", c.SyncSamples)
		}
		if c.SyncTimeout <= 0 {
			return fmt.Errorf("sync timeout must be positive, got %v", c.SyncTimeout)
		}
	}
	if c.SyncPort < 1 || c.SyncPort > 65535 {
		return fmt.Errorf("sync port out of range: %d", c.SyncPort)
	}
	if c.DataPort < 1 || c.DataPort > 65535 {
		return fmt.Errorf("data port out of range: %d", c.DataPort)
	}
	if c.SyncPort == c.DataPort {
		return fmt.Errorf("sync and data ports must differ, both are %d", c.SyncPort)
	}
	return nil
}

func (c *Config) duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}
