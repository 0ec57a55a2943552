package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultFetchBatchSize, cfg.Ingest.FetchBatchSize)
	assert.Equal(t, DefaultMaxApproveBatch, cfg.Approval.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.Telegram.ConnectTimeoutDuration())
	assert.Equal(t, 5*time.Minute, cfg.Telegram.HealthIntervalDuration())

	// The shipped kind table covers the supported media out of the box.
	assert.Equal(t, "audio", cfg.Ingest.MimeKinds["audio/mpeg"])
	assert.Equal(t, "audio", cfg.Ingest.MimeKinds["audio/ogg"])
	assert.Equal(t, "document", cfg.Ingest.MimeKinds["application/pdf"])
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"

[telegram]
api_id = 12345
api_hash = "abc"
session_path = "/var/lib/chanvault/tg.session"
health_interval = "1m"

[ingest]
fetch_batch_size = 50

[ingest.mime_kinds]
"audio/flac" = "audio"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 12345, cfg.Telegram.APIID)
	assert.Equal(t, "/var/lib/chanvault/tg.session", cfg.Telegram.SessionPath)
	assert.Equal(t, time.Minute, cfg.Telegram.HealthIntervalDuration())
	assert.Equal(t, 50, cfg.Ingest.FetchBatchSize)
	assert.Equal(t, "audio", cfg.Ingest.MimeKinds["audio/flac"])
}

func TestDurationHelpers_FallBackOnGarbage(t *testing.T) {
	t.Parallel()

	tg := TelegramConfig{ConnectTimeout: "not-a-duration", HealthInterval: "-5m"}
	assert.Equal(t, 30*time.Second, tg.ConnectTimeoutDuration())
	assert.Equal(t, 5*time.Minute, tg.HealthIntervalDuration())

	ig := IngestConfig{FetchRetryWait: ""}
	assert.Equal(t, 2*time.Second, ig.FetchRetryWaitDuration())
}
