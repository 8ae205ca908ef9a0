// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package config handles configuration loading for the AS2 server.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive
// values like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP server settings (port, TLS)
//   - storage: backend selection (mongodb or postgres) and connection
//   - exchange: AS2 exchange settings (data dir, MDN URL, retry policy)
//
// # Example Configuration
//
//	server:
//	  port: 8080
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: as2
//
//	exchange:
//	  dataDir: /var/lib/as2
//	  mdnUrl: https://as2.example.com/as2receive
//	  maxRetries: 5
//	  asyncMdnWaitMinutes: 30
//	  maxArchiveDays: 30
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Exchange ExchangeConfig `yaml:"exchange"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int `yaml:"port"`
	TLS  struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// StorageConfig holds backend selection and connection settings
type StorageConfig struct {
	// Type selects the backend: "mongodb" or "postgres"
	Type     string         `yaml:"type"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// ExchangeConfig holds AS2 exchange settings. The retry ceiling and
// wait thresholds are passed explicitly into the scheduler and
// orchestrator at construction time.
type ExchangeConfig struct {
	// DataDir is the root directory for partner inbox/outbox folders
	DataDir string `yaml:"dataDir"`

	// MDNURL is the URL partners deliver asynchronous MDNs to
	MDNURL string `yaml:"mdnUrl"`

	// MaxRetries is the retry ceiling for failed outbound sends
	MaxRetries int `yaml:"maxRetries"`

	// AsyncMDNWaitMinutes is how long to wait for an asynchronous MDN
	// before escalating the message into the retry path
	AsyncMDNWaitMinutes int `yaml:"asyncMdnWaitMinutes"`

	// MaxArchiveDays is the retention window for messages and MDNs
	MaxArchiveDays int `yaml:"maxArchiveDays"`

	// HTTPTimeoutSeconds bounds each outbound delivery attempt
	HTTPTimeoutSeconds int `yaml:"httpTimeoutSeconds"`
}

// AsyncMDNWait returns the async MDN wait threshold as a duration
func (c *ExchangeConfig) AsyncMDNWait() time.Duration {
	return time.Duration(c.AsyncMDNWaitMinutes) * time.Minute
}

// Retention returns the archive retention window as a duration
func (c *ExchangeConfig) Retention() time.Duration {
	return time.Duration(c.MaxArchiveDays) * 24 * time.Hour
}

// HTTPTimeout returns the outbound HTTP timeout as a duration
func (c *ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "mongodb"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "as2"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "blobs"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Exchange.DataDir == "" {
		c.Exchange.DataDir = "data"
	}
	if c.Exchange.MDNURL == "" {
		c.Exchange.MDNURL = fmt.Sprintf("http://localhost:%d/as2receive", c.Server.Port)
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 5
	}
	if c.Exchange.AsyncMDNWaitMinutes == 0 {
		c.Exchange.AsyncMDNWaitMinutes = 30
	}
	if c.Exchange.MaxArchiveDays == 0 {
		c.Exchange.MaxArchiveDays = 30
	}
	if c.Exchange.HTTPTimeoutSeconds == 0 {
		c.Exchange.HTTPTimeoutSeconds = 30
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required")
		}
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required")
		}
	default:
		return fmt.Errorf("storage.type must be 'mongodb' or 'postgres', got '%s'", c.Storage.Type)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
		}
	}

	return nil
}
