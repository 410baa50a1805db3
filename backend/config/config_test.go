package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadShippedFile(t *testing.T) {
	cfg, err := Load("syncConfig.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8082, cfg.Running.Port)
	assert.Equal(t, "sqlite3", cfg.Mysql.Driver)
	assert.Empty(t, cfg.Redis.Addrs)
	assert.Equal(t, 5*time.Second, cfg.Collab.SubmitTimeout)
	assert.Equal(t, 500, cfg.Collab.JoinTailLimit)
	assert.Equal(t, 5*time.Minute, cfg.Idempotency.TTL)
	assert.Equal(t, 30*time.Second, cfg.Lock.DefaultTTL)
	assert.Equal(t, 10.0, cfg.Presence.CursorRate)
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwtSecret: s\nkafka:\n  topic: t1\n"), 0o644))

	t.Setenv("SYNC_MYSQL_DSN", "file:other.db")
	t.Setenv("SYNC_REDIS_ADDRS", "r1:6379,r2:6379")
	t.Setenv("SYNC_LOCK_MAXTTL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file:other.db", cfg.Mysql.DSN)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "t1", cfg.Kafka.Topic)
	assert.Equal(t, time.Minute, cfg.Lock.MaxTTL)
	// 文件里没写的项取默认值
	assert.Equal(t, 8082, cfg.Running.Port)
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		p := filepath.Join(dir, "c.yaml")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	_, err := Load(write("mysql:\n  driver: postgres\nauth:\n  jwtSecret: s\n"))
	assert.ErrorContains(t, err, "mysql.driver")

	_, err = Load(write("mysql:\n  driver: sqlite3\n"))
	assert.ErrorContains(t, err, "jwtSecret")

	_, err = Load(write("auth:\n  jwtSecret: s\nlock:\n  defaultTTL: 10m\n  maxTTL: 1m\n"))
	assert.ErrorContains(t, err, "lock.maxTTL")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
