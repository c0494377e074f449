// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Economy  EconomyConfig  `mapstructure:"economy"`
	Store    StoreConfig    `mapstructure:"store"`
	Discount DiscountConfig `mapstructure:"discount"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// EconomyConfig holds earning amounts and ledger-wide policy knobs.
type EconomyConfig struct {
	VoteBase       int64 `mapstructure:"vote_base"`
	VoteDailyBonus int64 `mapstructure:"vote_daily_bonus"`
	VoteSuperBonus int64 `mapstructure:"vote_super_bonus"`
	SpinBase       int64 `mapstructure:"spin_base"`
	SpinDailyBonus int64 `mapstructure:"spin_daily_bonus"`
	SpinSuperBonus int64 `mapstructure:"spin_super_bonus"`

	// DecayThreshold is the minimum balance subject to the monthly decay
	// sweep; DecayRate is the fraction debited per sweep.
	DecayThreshold int64   `mapstructure:"decay_threshold"`
	DecayRate      float64 `mapstructure:"decay_rate"`

	// Smart-spend overdraft: the floor is -OverdraftRatio x activity points,
	// and a warning fires when the resulting balance drops below
	// LowBalanceRatio x activity points.
	OverdraftRatio  float64 `mapstructure:"overdraft_ratio"`
	LowBalanceRatio float64 `mapstructure:"low_balance_ratio"`
}

// StoreConfig holds purchase workflow configuration.
type StoreConfig struct {
	// BusinessCommissionRate is the share of a business-store spend credited
	// to the business wallet; the remainder is the platform fee.
	BusinessCommissionRate float64 `mapstructure:"business_commission_rate"`
	PurchaseCodeLength     int     `mapstructure:"purchase_code_length"`
	CodeAttempts           int     `mapstructure:"code_attempts"`
}

// DiscountConfig holds discount-code configuration.
type DiscountConfig struct {
	CodePrefix     string        `mapstructure:"code_prefix"`
	CodeLength     int           `mapstructure:"code_length"`
	TTL            time.Duration `mapstructure:"ttl"`
	MaxUses        int64         `mapstructure:"max_uses"`
	RedeemBonus    int64         `mapstructure:"redeem_bonus"`
	CommissionRate float64       `mapstructure:"commission_rate"`
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. DATABASE_HOST, ECONOMY_DECAY_RATE.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "qrcoin")
	v.SetDefault("database.name", "qrcoin")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Economy defaults
	v.SetDefault("economy.vote_base", 5)
	v.SetDefault("economy.vote_daily_bonus", 25)
	v.SetDefault("economy.vote_super_bonus", 100)
	v.SetDefault("economy.spin_base", 15)
	v.SetDefault("economy.spin_daily_bonus", 50)
	v.SetDefault("economy.spin_super_bonus", 420)
	v.SetDefault("economy.decay_threshold", 50000)
	v.SetDefault("economy.decay_rate", 0.02)
	v.SetDefault("economy.overdraft_ratio", 0.5)
	v.SetDefault("economy.low_balance_ratio", 0.1)

	// Store defaults
	v.SetDefault("store.business_commission_rate", 0.9)
	v.SetDefault("store.purchase_code_length", 8)
	v.SetDefault("store.code_attempts", 10)

	// Discount defaults
	v.SetDefault("discount.code_prefix", "NDC")
	v.SetDefault("discount.code_length", 10)
	v.SetDefault("discount.ttl", "24h")
	v.SetDefault("discount.max_uses", 1)
	v.SetDefault("discount.redeem_bonus", 10)
	v.SetDefault("discount.commission_rate", 0.9)
}
