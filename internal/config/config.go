package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nosey/viewership-pipeline/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Snowflake      SnowflakeConfig      `yaml:"snowflake" mapstructure:"snowflake"`
	Metadata       MetadataConfig       `yaml:"metadata" mapstructure:"metadata"`
	EpisodeDetails EpisodeDetailsConfig `yaml:"episode_details" mapstructure:"episode_details"`
	Pipeline       PipelineConfig       `yaml:"pipeline" mapstructure:"pipeline"`
	Mail           MailConfig           `yaml:"mail" mapstructure:"mail"`
	Store          StoreConfig          `yaml:"store" mapstructure:"store"`
	Lease          LeaseConfig          `yaml:"lease" mapstructure:"lease"`
	Archive        ArchiveConfig        `yaml:"archive" mapstructure:"archive"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Monitoring     MonitoringConfig     `yaml:"monitoring" mapstructure:"monitoring"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
}

// SnowflakeConfig holds warehouse credentials and the databases batches
// move through.
type SnowflakeConfig struct {
	Account            string `yaml:"account" mapstructure:"account"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Role               string `yaml:"role" mapstructure:"role"`
	Warehouse          string `yaml:"warehouse" mapstructure:"warehouse"`
	Schema             string `yaml:"schema" mapstructure:"schema"`
	UploaderDatabase   string `yaml:"uploader_database" mapstructure:"uploader_database"`
	ViewershipDatabase string `yaml:"viewership_database" mapstructure:"viewership_database"`
	Table              string `yaml:"table" mapstructure:"table"`
	MaxOpenConns       int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// MetadataConfig locates the unmatched-records ledger.
type MetadataConfig struct {
	Database string `yaml:"database" mapstructure:"database"`
	LogTable string `yaml:"log_table" mapstructure:"log_table"`
}

// EpisodeDetailsConfig locates the final reporting table.
type EpisodeDetailsConfig struct {
	Database string `yaml:"database" mapstructure:"database"`
	Table    string `yaml:"table" mapstructure:"table"`
}

// PipelineConfig configures orchestration behavior.
type PipelineConfig struct {
	StageTimeoutSecs  int  `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	NotifyOnFault     bool `yaml:"notify_on_fault" mapstructure:"notify_on_fault"`
	AttachUnmatched   bool `yaml:"attach_unmatched" mapstructure:"attach_unmatched"`
	UnmatchedRowLimit int  `yaml:"unmatched_row_limit" mapstructure:"unmatched_row_limit"`
}

// StageTimeout returns the per-stage deadline.
func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSecs) * time.Second
}

// MailConfig configures outbound notifications.
type MailConfig struct {
	Provider   string   `yaml:"provider" mapstructure:"provider"`
	Region     string   `yaml:"region" mapstructure:"region"`
	AccessKey  string   `yaml:"access_key" mapstructure:"access_key"`
	SecretKey  string   `yaml:"secret_key" mapstructure:"secret_key"`
	From       string   `yaml:"from" mapstructure:"from"`
	FromName   string   `yaml:"from_name" mapstructure:"from_name"`
	CC         []string `yaml:"cc" mapstructure:"cc"`
	WebhookURL string   `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// StoreConfig configures the run log backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LeaseConfig configures the optional per-batch lease.
type LeaseConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	TTLSecs   int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ArchiveConfig configures outcome archiving to S3.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Region string `yaml:"region" mapstructure:"region"`
}

// ServerConfig configures the HTTP invocation server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	StrictStatus   bool     `yaml:"strict_status" mapstructure:"strict_status"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run-health alerting while serving.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	UnverifiedThreshold  int     `yaml:"unverified_threshold" mapstructure:"unverified_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// legacyEnv lists the environment names the upload tooling already exports.
var legacyEnv = map[string]string{
	"snowflake.account":             "SNOWFLAKE_ACCOUNT",
	"snowflake.user":                "SNOWFLAKE_USERNAME",
	"snowflake.password":            "SNOWFLAKE_PASSWORD",
	"snowflake.role":                "SNOWFLAKE_ROLE",
	"snowflake.warehouse":           "SNOWFLAKE_WAREHOUSE",
	"snowflake.schema":              "SNOWFLAKE_SCHEMA",
	"snowflake.uploader_database":   "SNOWFLAKE_UPLOADER_DATABASE",
	"snowflake.viewership_database": "SNOWFLAKE_VIEWERSHIP_DATABASE",
	"metadata.database":             "METADATA_DATABASE",
	"metadata.log_table":            "METADATA_LOG_TABLE",
	"episode_details.database":      "EPISODE_DETAILS_DATABASE",
	"episode_details.table":         "EPISODE_DETAILS_TABLE",
	"mail.from":                     "MAILER_EMAIL",
}

const envPrefix = "INGEST"

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("snowflake.schema", "PUBLIC")
	v.SetDefault("snowflake.table", "platform_viewership")
	v.SetDefault("snowflake.max_open_conns", 5)
	v.SetDefault("pipeline.stage_timeout_secs", 300)
	v.SetDefault("pipeline.notify_on_fault", true)
	v.SetDefault("pipeline.attach_unmatched", true)
	v.SetDefault("pipeline.unmatched_row_limit", 500)
	v.SetDefault("mail.provider", "ses")
	v.SetDefault("mail.region", "us-east-1")
	v.SetDefault("mail.from_name", "Marathon Ventures")
	v.SetDefault("mail.cc", []string{"data@nosey.com"})
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "runs.db")
	v.SetDefault("lease.ttl_secs", 1800)
	v.SetDefault("archive.prefix", "outcomes")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.strict_status", false)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.unverified_threshold", 5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate reports every required key that is unset.
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"snowflake.account", c.Snowflake.Account},
		{"snowflake.user", c.Snowflake.User},
		{"snowflake.uploader_database", c.Snowflake.UploaderDatabase},
		{"snowflake.viewership_database", c.Snowflake.ViewershipDatabase},
		{"metadata.database", c.Metadata.Database},
		{"metadata.log_table", c.Metadata.LogTable},
		{"episode_details.database", c.EpisodeDetails.Database},
		{"episode_details.table", c.EpisodeDetails.Table},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if c.Mail.Provider != "ses" && c.Mail.Provider != "log" && c.Mail.Provider != "webhook" {
		return eris.Errorf("config: unsupported mail provider %q", c.Mail.Provider)
	}
	if c.Mail.Provider == "ses" && c.Mail.From == "" {
		missing = append(missing, "mail.from")
	}
	if c.Mail.Provider == "webhook" && c.Mail.WebhookURL == "" {
		missing = append(missing, "mail.webhook_url")
	}
	if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
		missing = append(missing, "monitoring.webhook_url")
	}
	if c.Lease.Enabled && c.Lease.RedisAddr == "" {
		missing = append(missing, "lease.redis_addr")
	}
	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if final := c.Tables().Final; !model.IsFinalTable(final) {
		return eris.Errorf("config: episode_details.table %q must name an episode table (resolved to %s)",
			c.EpisodeDetails.Table, final)
	}
	return nil
}

// Tables composes the fully qualified table names from the configured
// databases.
func (c *Config) Tables() model.Tables {
	schema := c.Snowflake.Schema
	table := c.Snowflake.Table
	return model.Tables{
		UploaderDatabase: c.Snowflake.UploaderDatabase,
		Landing:          fmt.Sprintf("%s.%s.%s", c.Snowflake.UploaderDatabase, schema, table),
		Staging:          fmt.Sprintf("%s.%s.%s", c.Snowflake.ViewershipDatabase, schema, table),
		Final:            fmt.Sprintf("%s.%s.%s", c.EpisodeDetails.Database, schema, c.EpisodeDetails.Table),
		Unmatched:        fmt.Sprintf("%s.%s.%s", c.Metadata.Database, schema, c.Metadata.LogTable),
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
