package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for our application
type Config struct {
	Server    ServerConfig    `mapstructure:",squash"`
	Database  DatabaseConfig  `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Scheduler SchedulerConfig `mapstructure:",squash"`
	Logging   LoggingConfig   `mapstructure:",squash"`
	Business  BusinessConfig  `mapstructure:",squash"`
	Mpesa     MpesaConfig     `mapstructure:",squash"`
}

type ServerConfig struct {
	Port string `mapstructure:"SERVER_PORT"`
	Host string `mapstructure:"SERVER_HOST"`
	Env  string `mapstructure:"ENV"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"DATABASE_URL"`
	MaxOpenConns int    `mapstructure:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `mapstructure:"DATABASE_MAX_IDLE_CONNS"`
}

type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     string `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

type SchedulerConfig struct {
	PenaltyScanCron string `mapstructure:"PENALTY_SCAN_CRON"`
	Timezone        string `mapstructure:"SCHEDULER_TIMEZONE"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

type BusinessConfig struct {
	PenaltyMode          string `mapstructure:"PENALTY_MODE"`
	PenaltyAnnualRate    string `mapstructure:"PENALTY_ANNUAL_RATE"`
	PenaltyFlatFee       string `mapstructure:"PENALTY_FLAT_FEE"`
	ProcessingFeeRate    string `mapstructure:"PROCESSING_FEE_RATE"`
	MinUnsolicitedAmount string `mapstructure:"MIN_UNSOLICITED_AMOUNT"`
	MaxUnsolicitedAmount string `mapstructure:"MAX_UNSOLICITED_AMOUNT"`
	Timezone             string `mapstructure:"BUSINESS_TIMEZONE"`
}

type MpesaConfig struct {
	BaseURL         string `mapstructure:"MPESA_BASE_URL"`
	ConsumerKey     string `mapstructure:"MPESA_CONSUMER_KEY"`
	ConsumerSecret  string `mapstructure:"MPESA_CONSUMER_SECRET"`
	Shortcode       string `mapstructure:"MPESA_SHORTCODE"`
	Passkey         string `mapstructure:"MPESA_PASSKEY"`
	CallbackBaseURL string `mapstructure:"MPESA_CALLBACK_BASE_URL"`
	HTTPTimeout     string `mapstructure:"MPESA_HTTP_TIMEOUT"`
	TokenTTLMargin  string `mapstructure:"MPESA_TOKEN_TTL_MARGIN"`
	MaxAttempts     int    `mapstructure:"MPESA_MAX_ATTEMPTS"`
}

// Load reads configuration from environment variables and files
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("ENV", "development")
	viper.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", "6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("PENALTY_SCAN_CRON", "0 0 1 * * *")
	viper.SetDefault("SCHEDULER_TIMEZONE", "Africa/Nairobi")
	viper.SetDefault("PENALTY_MODE", "daily_rate")
	viper.SetDefault("PENALTY_ANNUAL_RATE", "18.0")
	viper.SetDefault("PENALTY_FLAT_FEE", "500")
	viper.SetDefault("PROCESSING_FEE_RATE", "2.5")
	viper.SetDefault("MIN_UNSOLICITED_AMOUNT", "10")
	viper.SetDefault("MAX_UNSOLICITED_AMOUNT", "300000")
	viper.SetDefault("BUSINESS_TIMEZONE", "Africa/Nairobi")
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("MPESA_HTTP_TIMEOUT", "15s")
	viper.SetDefault("MPESA_TOKEN_TTL_MARGIN", "60s")
	viper.SetDefault("MPESA_MAX_ATTEMPTS", 3)

	// Read from environment variables
	viper.AutomaticEnv()

	// Try to read from .env file (optional)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./deployments")

	// Don't fail if .env file doesn't exist
	_ = viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Business.PenaltyMode != "daily_rate" && c.Business.PenaltyMode != "flat_fee" {
		return fmt.Errorf("PENALTY_MODE must be daily_rate or flat_fee")
	}

	for name, value := range map[string]string{
		"PENALTY_ANNUAL_RATE":    c.Business.PenaltyAnnualRate,
		"PENALTY_FLAT_FEE":       c.Business.PenaltyFlatFee,
		"PROCESSING_FEE_RATE":    c.Business.ProcessingFeeRate,
		"MIN_UNSOLICITED_AMOUNT": c.Business.MinUnsolicitedAmount,
		"MAX_UNSOLICITED_AMOUNT": c.Business.MaxUnsolicitedAmount,
	} {
		if _, err := decimal.NewFromString(value); err != nil {
			return fmt.Errorf("%s must be a valid decimal: %w", name, err)
		}
	}

	if _, err := time.LoadLocation(c.Business.Timezone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE must be a valid IANA zone: %w", err)
	}

	if _, err := time.ParseDuration(c.Mpesa.HTTPTimeout); err != nil {
		return fmt.Errorf("MPESA_HTTP_TIMEOUT must be a valid duration: %w", err)
	}

	if _, err := time.ParseDuration(c.Mpesa.TokenTTLMargin); err != nil {
		return fmt.Errorf("MPESA_TOKEN_TTL_MARGIN must be a valid duration: %w", err)
	}

	if c.Mpesa.MaxAttempts <= 0 {
		return fmt.Errorf("MPESA_MAX_ATTEMPTS must be greater than 0")
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development" || c.Server.Env == "dev"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// GetPenaltyAnnualRate returns the default annual penalty rate as a percentage
func (c *Config) GetPenaltyAnnualRate() decimal.Decimal {
	rate, _ := decimal.NewFromString(c.Business.PenaltyAnnualRate)
	return rate
}

// GetPenaltyFlatFee returns the flat late fee charged per overdue installment
func (c *Config) GetPenaltyFlatFee() decimal.Decimal {
	fee, _ := decimal.NewFromString(c.Business.PenaltyFlatFee)
	return fee
}

// GetProcessingFeeRate returns the default processing fee rate as a percentage
func (c *Config) GetProcessingFeeRate() decimal.Decimal {
	rate, _ := decimal.NewFromString(c.Business.ProcessingFeeRate)
	return rate
}

// GetMinUnsolicitedAmount returns the smallest accepted paybill payment
func (c *Config) GetMinUnsolicitedAmount() decimal.Decimal {
	v, _ := decimal.NewFromString(c.Business.MinUnsolicitedAmount)
	return v
}

// GetMaxUnsolicitedAmount returns the largest accepted paybill payment
func (c *Config) GetMaxUnsolicitedAmount() decimal.Decimal {
	v, _ := decimal.NewFromString(c.Business.MaxUnsolicitedAmount)
	return v
}

// GetBusinessLocation returns the time zone all due dates are interpreted in
func (c *Config) GetBusinessLocation() *time.Location {
	loc, _ := time.LoadLocation(c.Business.Timezone)
	return loc
}

// GetMpesaHTTPTimeout returns the bounded timeout for provider calls
func (c *Config) GetMpesaHTTPTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Mpesa.HTTPTimeout)
	return d
}

// GetMpesaTokenTTLMargin returns how much earlier than the provider TTL a
// cached access token is considered expired
func (c *Config) GetMpesaTokenTTLMargin() time.Duration {
	d, _ := time.ParseDuration(c.Mpesa.TokenTTLMargin)
	return d
}
