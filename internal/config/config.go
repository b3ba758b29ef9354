package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"whiteboard/api/internal/secret"
)

const (
	DefaultSpacedeckURL      = "http://localhost:9666"
	DefaultSpacedeckAPIToken = "super_secret_token"
	DefaultSessionTimeout    = 600 * time.Second
	DefaultCleanupInterval   = 24 * time.Hour
)

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver        string `mapstructure:"driver"`
	URL           string `mapstructure:"url"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	CookieName string `mapstructure:"cookie_name"`
}

type SpacedeckConfig struct {
	UseLocal                bool          `mapstructure:"use_local"`
	BaseURL                 string        `mapstructure:"base_url"`
	APIToken                string        `mapstructure:"api_token"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	AllowLocalRemoteServers bool          `mapstructure:"allow_local_remote_servers"`
	// AppDataDir holds the bundled binary and its storage when running locally.
	AppDataDir string `mapstructure:"app_data_dir"`
	// StorageBackend selects where Spacedeck keeps uploads: "fs" or "minio".
	StorageBackend string `mapstructure:"storage_backend"`
	StorageDir     string `mapstructure:"storage_dir"`
	StorageBucket  string `mapstructure:"storage_bucket"`
}

type DocumentsConfig struct {
	// Backend is "fs" or "minio".
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type RedisConfig struct {
	// URL enables the shared document lock; empty keeps locks in process.
	URL     string        `mapstructure:"url"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type SessionsConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	SaveTimeout     time.Duration `mapstructure:"save_timeout"`
}

type SecretsConfig struct {
	// Backend is "" (use plain config values), "env" or "ssm".
	Backend        string `mapstructure:"backend"`
	JWTSecretParam string `mapstructure:"jwt_secret_param"`
	APITokenParam  string `mapstructure:"api_token_param"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Spacedeck SpacedeckConfig `mapstructure:"spacedeck"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Minio     MinioConfig     `mapstructure:"minio"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

// Upstream is the deployment mode resolved once at startup.
type Upstream struct {
	BaseURL  string
	APIToken string
	// SessionMediated is true when a remote Spacedeck calls back into the
	// session broker for authorization.
	SessionMediated bool
}

func (c Config) Upstream() Upstream {
	baseURL := strings.TrimRight(strings.TrimSpace(c.Spacedeck.BaseURL), "/")
	if c.Spacedeck.UseLocal {
		if baseURL == "" {
			baseURL = DefaultSpacedeckURL
		}
		return Upstream{BaseURL: baseURL, APIToken: DefaultSpacedeckAPIToken}
	}
	token := c.Spacedeck.APIToken
	if token == "" {
		token = DefaultSpacedeckAPIToken
	}
	return Upstream{BaseURL: baseURL, APIToken: token, SessionMediated: true}
}

// Load reads an optional YAML file and applies WB_* environment overrides,
// e.g. WB_SPACEDECK_BASE_URL. An empty path looks for ./config.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("WB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// ResolveSecrets replaces the JWT secret and the Spacedeck API token with
// values from the configured secret backend.
func (c *Config) ResolveSecrets(ctx context.Context, resolver secret.Resolver) error {
	if resolver == nil {
		return nil
	}
	if c.Secrets.JWTSecretParam != "" {
		value, err := resolver.GetSecret(ctx, c.Secrets.JWTSecretParam)
		if err != nil {
			return fmt.Errorf("resolve jwt secret: %w", err)
		}
		c.Auth.JWTSecret = value
	}
	if c.Secrets.APITokenParam != "" {
		value, err := resolver.GetSecret(ctx, c.Secrets.APITokenParam)
		if err != nil {
			return fmt.Errorf("resolve spacedeck api token: %w", err)
		}
		c.Spacedeck.APIToken = value
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "./data/whiteboard.db")
	v.SetDefault("database.migrations_dir", "./db/migrations")

	v.SetDefault("auth.jwt_secret", "whiteboard-dev-secret")
	v.SetDefault("auth.cookie_name", "wb_token")

	v.SetDefault("spacedeck.use_local", true)
	v.SetDefault("spacedeck.base_url", DefaultSpacedeckURL)
	v.SetDefault("spacedeck.api_token", DefaultSpacedeckAPIToken)
	v.SetDefault("spacedeck.timeout", 30*time.Second)
	v.SetDefault("spacedeck.allow_local_remote_servers", false)
	v.SetDefault("spacedeck.app_data_dir", "./data/spacedeck")
	v.SetDefault("spacedeck.storage_backend", "fs")
	v.SetDefault("spacedeck.storage_dir", "./data/spacedeck/storage/my_spacedeck_bucket")
	v.SetDefault("spacedeck.storage_bucket", "my-spacedeck-bucket")

	v.SetDefault("documents.backend", "fs")
	v.SetDefault("documents.dir", "./data/documents")
	v.SetDefault("documents.bucket", "whiteboard-documents")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("sessions.timeout", DefaultSessionTimeout)
	v.SetDefault("sessions.cleanup_interval", DefaultCleanupInterval)
	v.SetDefault("sessions.save_timeout", 30*time.Second)

	v.SetDefault("secrets.backend", "")
	v.SetDefault("secrets.jwt_secret_param", "")
	v.SetDefault("secrets.api_token_param", "")
}
