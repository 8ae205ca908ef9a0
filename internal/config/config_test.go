package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  mongodb:
    uri: mongodb://localhost:27017
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mongodb", cfg.Storage.Type)
	assert.Equal(t, "as2", cfg.Storage.MongoDB.Database)
	assert.Equal(t, "blobs", cfg.Storage.MongoDB.GridFS.BucketName)
	assert.Equal(t, "data", cfg.Exchange.DataDir)
	assert.Equal(t, "http://localhost:8080/as2receive", cfg.Exchange.MDNURL)
	assert.Equal(t, 5, cfg.Exchange.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Exchange.AsyncMDNWait())
	assert.Equal(t, 30*24*time.Hour, cfg.Exchange.Retention())
	assert.Equal(t, 30*time.Second, cfg.Exchange.HTTPTimeout())
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db.internal:27017")

	path := writeConfig(t, `
storage:
  mongodb:
    uri: ${TEST_MONGO_URI}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.MongoDB.URI)
}

func TestLoadPostgres(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
storage:
  type: postgres
  postgres:
    host: db.internal
    database: as2
exchange:
  maxRetries: 3
  asyncMdnWaitMinutes: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 5432, cfg.Storage.Postgres.Port)
	assert.Equal(t, 3, cfg.Exchange.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Exchange.AsyncMDNWait())
	assert.Equal(t, "http://localhost:9090/as2receive", cfg.Exchange.MDNURL)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
storage:
  type: cassandra
`))
	assert.ErrorContains(t, err, "storage.type")

	_, err = Load(writeConfig(t, `
storage:
  type: mongodb
`))
	assert.ErrorContains(t, err, "storage.mongodb.uri")

	_, err = Load(writeConfig(t, `
server:
  tls:
    enabled: true
storage:
  mongodb:
    uri: mongodb://localhost:27017
`))
	assert.ErrorContains(t, err, "tls")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
