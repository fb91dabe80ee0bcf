// Package config loads platform configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the identity service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Token         TokenConfig         `mapstructure:"token"`
	Lockout       LockoutConfig       `mapstructure:"lockout"`
	Challenge     ChallengeConfig     `mapstructure:"challenge"`
	Kyc           KycConfig           `mapstructure:"kyc"`
	Accreditation AccreditationConfig `mapstructure:"accreditation"`
	Notification  NotificationConfig  `mapstructure:"notification"`
	Storage       StorageConfig       `mapstructure:"storage"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TokenConfig struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
}

// LockoutConfig is the single canonical lockout policy. There is
// deliberately no per-account override.
type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

type ChallengeConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CodeLength  int           `mapstructure:"code_length"`
	TOTPIssuer  string        `mapstructure:"totp_issuer"`
}

type KycConfig struct {
	ValidityWindow    time.Duration `mapstructure:"validity_window"`
	RequiredDocuments []string      `mapstructure:"required_documents"`
}

// AccreditationConfig carries the per-jurisdiction rule table as raw strings;
// the engine parses them into decimals once at startup.
type AccreditationConfig struct {
	DefaultJurisdiction string                      `mapstructure:"default_jurisdiction"`
	Jurisdictions       map[string]JurisdictionRule `mapstructure:"jurisdictions"`
}

type JurisdictionRule struct {
	AccreditedMinIncome   string `mapstructure:"accredited_min_income"`
	AccreditedMinNetWorth string `mapstructure:"accredited_min_net_worth"`
	QualifiedMinNetWorth  string `mapstructure:"qualified_min_net_worth"`
	RetailLimitPercent    int    `mapstructure:"retail_limit_percent"`
	RetailLimitFloor      string `mapstructure:"retail_limit_floor"`
	AccreditedLimitCap    string `mapstructure:"accredited_limit_cap"`
}

type NotificationConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Load reads configuration from identity.yaml (working dir or ./configs) with
// IDENTITY_-prefixed environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("identity")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("IDENTITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Token.Secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("token.issuer", "clearvest-identity")
	v.SetDefault("token.access_ttl", 15*time.Minute)
	v.SetDefault("token.refresh_ttl", 30*24*time.Hour)
	v.SetDefault("token.session_max_age", 90*24*time.Hour)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", 30*time.Minute)

	v.SetDefault("challenge.ttl", 10*time.Minute)
	v.SetDefault("challenge.max_attempts", 5)
	v.SetDefault("challenge.code_length", 6)
	v.SetDefault("challenge.totp_issuer", "ClearVest")

	v.SetDefault("kyc.validity_window", 365*24*time.Hour)
	v.SetDefault("kyc.required_documents", []string{"passport", "utility_bill"})

	v.SetDefault("accreditation.default_jurisdiction", "USA")
	v.SetDefault("accreditation.jurisdictions", map[string]JurisdictionRule{
		"USA": {
			AccreditedMinIncome:   "200000",
			AccreditedMinNetWorth: "1000000",
			QualifiedMinNetWorth:  "5000000",
			RetailLimitPercent:    10,
			RetailLimitFloor:      "2500",
			AccreditedLimitCap:    "1000000",
		},
	})

	v.SetDefault("notification.brokers", []string{"localhost:9092"})
	v.SetDefault("notification.topic", "identity.notifications")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "kyc-documents")
	v.SetDefault("storage.use_ssl", false)
}
