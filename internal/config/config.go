package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATAUDIT"

// Config is the top-level configuration for chataudit.
type Config struct {
	Mongo   MongoConfig   `yaml:"mongo" json:"mongo" mapstructure:"mongo"`
	Tail    TailConfig    `yaml:"tail" json:"tail" mapstructure:"tail"`
	Cache   CacheConfig   `yaml:"cache" json:"cache" mapstructure:"cache"`
	Sinks   SinksConfig   `yaml:"sinks" json:"sinks" mapstructure:"sinks"`
	HTTP    HTTPConfig    `yaml:"http" json:"http" mapstructure:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging" mapstructure:"logging"`
}

type MongoConfig struct {
	URI                string `yaml:"uri" json:"uri" mapstructure:"uri"`
	Database           string `yaml:"database" json:"database" mapstructure:"database"`
	OplogDatabase      string `yaml:"oplog_database" json:"oplog_database" mapstructure:"oplog_database"`
	OplogCollection    string `yaml:"oplog_collection" json:"oplog_collection" mapstructure:"oplog_collection"`
	MessagesCollection string `yaml:"messages_collection" json:"messages_collection" mapstructure:"messages_collection"`
	RoomsCollection    string `yaml:"rooms_collection" json:"rooms_collection" mapstructure:"rooms_collection"`
	UploadsBucket      string `yaml:"uploads_bucket" json:"uploads_bucket" mapstructure:"uploads_bucket"`
}

type TailConfig struct {
	// Lookback is how many recent oplog entries pick the resume point.
	Lookback int           `yaml:"lookback" json:"lookback" mapstructure:"lookback"`
	Backoff  time.Duration `yaml:"backoff" json:"backoff" mapstructure:"backoff"`
}

type CacheConfig struct {
	MessageSize int `yaml:"message_size" json:"message_size" mapstructure:"message_size"`
	RoomSize    int `yaml:"room_size" json:"room_size" mapstructure:"room_size"`
	// StoreDSN persists edit contexts: file path, memory://, postgres://, mongodb://.
	StoreDSN   string `yaml:"store_dsn" json:"store_dsn" mapstructure:"store_dsn"`
	FlushEvery int    `yaml:"flush_every" json:"flush_every" mapstructure:"flush_every"`
}

type SinksConfig struct {
	Log                bool   `yaml:"log" json:"log" mapstructure:"log"`
	PostgresDSN        string `yaml:"postgres_dsn" json:"postgres_dsn" mapstructure:"postgres_dsn"`
	MongoAuditDatabase string `yaml:"mongo_audit_database" json:"mongo_audit_database" mapstructure:"mongo_audit_database"`
	ArchiveFiles       bool   `yaml:"archive_files" json:"archive_files" mapstructure:"archive_files"`
}

type HTTPConfig struct {
	// Addr is the admin listener; empty disables the admin API and event feed.
	Addr       string `yaml:"addr" json:"addr" mapstructure:"addr"`
	JWTSecret  string `yaml:"jwt_secret" json:"jwt_secret" mapstructure:"jwt_secret"`
	RateLimit  int    `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`
	FeedBuffer int    `yaml:"feed_buffer" json:"feed_buffer" mapstructure:"feed_buffer"`
}

type LoggingConfig struct {
	Format string `yaml:"format" json:"format" mapstructure:"format"` // text or json
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
}

var defaults = map[string]any{
	"mongo.uri":                  "mongodb://localhost:27017",
	"mongo.database":             "rocketchat",
	"mongo.oplog_database":       "local",
	"mongo.oplog_collection":     "oplog.rs",
	"mongo.messages_collection":  "rocketchat_message",
	"mongo.rooms_collection":     "rocketchat_room",
	"mongo.uploads_bucket":       "rocketchat_uploads",
	"tail.lookback":              10,
	"tail.backoff":               "1s",
	"cache.message_size":         10000,
	"cache.room_size":            10000,
	"cache.store_dsn":            "",
	"cache.flush_every":          100,
	"sinks.log":                  true,
	"sinks.postgres_dsn":         "",
	"sinks.mongo_audit_database": "rocketchat_audit",
	"sinks.archive_files":        true,
	"http.addr":                  "",
	"http.jwt_secret":            "",
	"http.rate_limit":            0,
	"http.feed_buffer":           64,
	"logging.format":             "text",
	"logging.level":              "warn",
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// bindEnvVars maps every nested key to CHATAUDIT_<SECTION>_<KEY>. AutomaticEnv
// alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) {
	for key := range defaults {
		_ = v.BindEnv(key, EnvName(key))
	}
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load merges defaults, the optional YAML file at configPath and CHATAUDIT_*
// environment variables, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the schema first and then rules that span sections.
func (c *Config) Validate() error {
	if err := validateSchema(c); err != nil {
		return err
	}
	var errs []error
	if c.Sinks.ArchiveFiles && c.Sinks.MongoAuditDatabase == "" {
		errs = append(errs, errors.New("sinks.archive_files needs sinks.mongo_audit_database"))
	}
	if !c.Sinks.Log && c.Sinks.PostgresDSN == "" && c.Sinks.MongoAuditDatabase == "" && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("no sink enabled: set sinks.log, sinks.postgres_dsn, sinks.mongo_audit_database or http.addr"))
	}
	if c.Sinks.MongoAuditDatabase != "" && c.Sinks.MongoAuditDatabase == c.Mongo.Database {
		errs = append(errs, fmt.Errorf("sinks.mongo_audit_database must differ from mongo.database %q", c.Mongo.Database))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	redacted.Mongo.URI = redactURL(c.Mongo.URI)
	redacted.Cache.StoreDSN = redactURL(c.Cache.StoreDSN)
	redacted.Sinks.PostgresDSN = redactURL(c.Sinks.PostgresDSN)
	if redacted.HTTP.JWTSecret != "" {
		redacted.HTTP.JWTSecret = "xxxxx"
	}

	// durations read as "1s" rather than nanoseconds
	tail := map[string]any{
		"lookback": redacted.Tail.Lookback,
		"backoff":  redacted.Tail.Backoff.String(),
	}
	doc := map[string]any{
		"mongo":   redacted.Mongo,
		"tail":    tail,
		"cache":   redacted.Cache,
		"sinks":   redacted.Sinks,
		"http":    redacted.HTTP,
		"logging": redacted.Logging,
	}
	return yaml.Marshal(doc)
}

func redactURL(raw string) string {
	if raw == "" || !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.Redacted()
}
