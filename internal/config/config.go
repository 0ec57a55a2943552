package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultPGHost           = "127.0.0.1"
	DefaultPGPort           = 5432
	DefaultPGUser           = "postgres"
	DefaultPGDatabase       = "chanvault"
	DefaultPGSSLMode        = "disable"
	DefaultSessionFile      = "chanvault.session"
	DefaultS3Endpoint       = "127.0.0.1:9000"
	DefaultAudioBucket      = "audio"
	DefaultDocumentBucket   = "pdf"
	DefaultHealthInterval   = "5m"
	DefaultFetchBatchSize   = 100
	DefaultMaxApproveBatch  = 100
	DefaultApproveWorkers   = 4
	DefaultConnectTimeout   = "30s"
	DefaultReconnectRetries = 5
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Telegram TelegramConfig `toml:"telegram"`
	S3       S3Config       `toml:"s3"`
	Ingest   IngestConfig   `toml:"ingest"`
	Approval ApprovalConfig `toml:"approval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AdminConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// TelegramConfig carries the MTProto application identity and session file paths.
// SessionPath is the explicitly configured credential location; LegacySessionPath
// is consulted last for installs that predate the data-dir layout.
type TelegramConfig struct {
	APIID             int    `toml:"api_id"`
	APIHash           string `toml:"api_hash"`
	SessionPath       string `toml:"session_path"`
	DataDir           string `toml:"data_dir"`
	LegacySessionPath string `toml:"legacy_session_path"`
	ConnectTimeout    string `toml:"connect_timeout"`
	HealthInterval    string `toml:"health_interval"`
	ReconnectRetries  int    `toml:"reconnect_retries"`
}

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	AudioBucket    string `toml:"audio_bucket"`
	DocumentBucket string `toml:"document_bucket"`
}

// IngestConfig controls the pull pipeline. MimeKinds maps a declared content
// type to a media kind ("audio" or "document"); adding a supported type is a
// config change, not a code change.
type IngestConfig struct {
	FetchBatchSize int               `toml:"fetch_batch_size"`
	FetchRetries   int               `toml:"fetch_retries"`
	FetchRetryWait string            `toml:"fetch_retry_wait"`
	MimeKinds      map[string]string `toml:"mime_kinds"`
}

type ApprovalConfig struct {
	MaxBatchSize int `toml:"max_batch_size"`
	Workers      int `toml:"workers"`
}

func (c TelegramConfig) ConnectTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.ConnectTimeout); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultConnectTimeout)
	return d
}

func (c TelegramConfig) HealthIntervalDuration() time.Duration {
	if d, err := time.ParseDuration(c.HealthInterval); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultHealthInterval)
	return d
}

func (c IngestConfig) FetchRetryWaitDuration() time.Duration {
	if d, err := time.ParseDuration(c.FetchRetryWait); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "change-your-password-here",
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Telegram: TelegramConfig{
			DataDir:          "data",
			ConnectTimeout:   DefaultConnectTimeout,
			HealthInterval:   DefaultHealthInterval,
			ReconnectRetries: DefaultReconnectRetries,
		},
		S3: S3Config{
			Endpoint:       DefaultS3Endpoint,
			AccessKey:      "minioadmin",
			SecretKey:      "minioadmin",
			AudioBucket:    DefaultAudioBucket,
			DocumentBucket: DefaultDocumentBucket,
		},
		Ingest: IngestConfig{
			FetchBatchSize: DefaultFetchBatchSize,
			FetchRetries:   3,
			FetchRetryWait: "2s",
			MimeKinds: map[string]string{
				"audio/mpeg":      "audio",
				"audio/ogg":       "audio",
				"application/pdf": "document",
			},
		},
		Approval: ApprovalConfig{
			MaxBatchSize: DefaultMaxApproveBatch,
			Workers:      DefaultApproveWorkers,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
