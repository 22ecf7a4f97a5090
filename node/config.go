// Copyright 2026 The dimd Authors
// This file is part of the dimd library.
//
// The dimd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dimd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dimd library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the station configuration, loaded from YAML.
type Config struct {
	Station   StationConfig     `yaml:"station"`
	Database  DatabaseConfig    `yaml:"database"`
	ANS       map[string]string `yaml:"ans,omitempty"`
	Neighbors []NeighborConfig  `yaml:"neighbors,omitempty"`
}

// StationConfig describes the station's own identity and listeners.
type StationConfig struct {
	// ID is the full identifier, e.g. "gsp-s001@x5Zh9ix...". The seed and
	// address must match the key below.
	ID string `yaml:"id"`
	// Key is the hex-encoded secp256k1 private key.
	Key string `yaml:"key"`
	// KeyFile points at a file holding the hex key instead; Key wins when
	// both are set.
	KeyFile string `yaml:"key_file,omitempty"`

	Name string `yaml:"name,omitempty"`

	// Host and Port bind the Mars TCP listener.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WSPort binds the websocket listener; zero disables it.
	WSPort int `yaml:"ws_port,omitempty"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	Root      string `yaml:"root"`
	BatchSize int    `yaml:"batch_size,omitempty"`
}

// NeighborConfig names one neighbour station of the mesh.
type NeighborConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the neighbour's dial address.
func (n NeighborConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Station.ID == "" {
		return fmt.Errorf("config: station.id is required")
	}
	if c.Station.Key == "" && c.Station.KeyFile == "" {
		return fmt.Errorf("config: station.key or station.key_file is required")
	}
	if c.Station.Port == 0 {
		return fmt.Errorf("config: station.port is required")
	}
	if c.Database.Root == "" {
		return fmt.Errorf("config: database.root is required")
	}
	for i, n := range c.Neighbors {
		if n.ID == "" || n.Host == "" || n.Port == 0 {
			return fmt.Errorf("config: neighbors[%d] needs id, host and port", i)
		}
	}
	return nil
}

// keyHex resolves the station's private key material.
func (c *Config) keyHex() (string, error) {
	if c.Station.Key != "" {
		return c.Station.Key, nil
	}
	blob, err := os.ReadFile(c.Station.KeyFile)
	if err != nil {
		return "", err
	}
	return string(trimSpace(blob)), nil
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
