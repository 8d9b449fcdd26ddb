package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	defaultAddress          = ":4001"
	defaultDriver           = "mysql"
	defaultTokenTTLHours    = 72
	defaultGatewayTimeout   = 30
	defaultCheckDelay       = 300
	defaultValidityDays     = 30
	defaultCurrency         = "KZT"
	defaultInvoiceDueDays   = 7
	defaultOutboxBaseSecs   = 30
	defaultOutboxMaxSecs    = 3600
	defaultOutboxAttempts   = 8
	defaultCheckAttempts    = 6
	defaultBatchSize        = 100
	defaultMarkerTTLSeconds = 120
	defaultExpirySchedule   = "0 3 * * *"
	defaultOutboxSchedule   = "@every 30s"
	defaultChecksSchedule   = "@every 1m"
	defaultAirbapayBaseURL  = "https://ps.airbapay.kz/acquiring-api"
)

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Driver       string `yaml:"driver"`
		URL          string `yaml:"url"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		Migrate      bool   `yaml:"migrate"`
	} `yaml:"database"`
	Redis struct {
		Addr             string `yaml:"addr"`
		Password         string `yaml:"password"`
		DB               int    `yaml:"db"`
		MarkerTTLSeconds int    `yaml:"marker_ttl_seconds"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Settlement struct {
		TokenTTLHours         int    `yaml:"token_ttl_hours"`
		GatewayTimeoutSeconds int    `yaml:"gateway_timeout_seconds"`
		CheckDelaySeconds     int    `yaml:"check_delay_seconds"`
		CarryOverValidityDays int    `yaml:"carry_over_validity_days"`
		DefaultCurrency       string `yaml:"default_currency"`
		InvoiceDueDays        int    `yaml:"invoice_due_days"`
	} `yaml:"settlement"`
	Outbox struct {
		BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
		MaxBackoffSeconds  int `yaml:"max_backoff_seconds"`
		MaxAttempts        int `yaml:"max_attempts"`
		BatchSize          int `yaml:"batch_size"`
	} `yaml:"outbox"`
	Checks struct {
		MaxAttempts int `yaml:"max_attempts"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"checks"`
	Schedule struct {
		ExpirySweep string `yaml:"expiry_sweep"`
		Outbox      string `yaml:"outbox"`
		Checks      string `yaml:"checks"`
	} `yaml:"schedule"`
	Notifier struct {
		WebhookURL string `yaml:"webhook_url"`
		Secret     string `yaml:"secret"`
	} `yaml:"notifier"`
	Airbapay struct {
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		TerminalID     string `yaml:"terminal_id"`
		BaseURL        string `yaml:"base_url"`
		SuccessBackURL string `yaml:"success_back_url"`
		FailureBackURL string `yaml:"failure_back_url"`
		CallbackURL    string `yaml:"callback_url"`
		PublicKeyURL   string `yaml:"public_key_url"`
	} `yaml:"airbapay"`
	Robokassa struct {
		MerchantLogin string `yaml:"merchant_login"`
		Password1     string `yaml:"password1"`
		Password2     string `yaml:"password2"`
		TestPassword1 string `yaml:"test_password1"`
		TestPassword2 string `yaml:"test_password2"`
		BaseURL       string `yaml:"base_url"`
		IsTest        bool   `yaml:"is_test"`
	} `yaml:"robokassa"`
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Settlement.TokenTTLHours) * time.Hour
}

func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Settlement.GatewayTimeoutSeconds) * time.Second
}

func (c Config) CheckDelay() time.Duration {
	return time.Duration(c.Settlement.CheckDelaySeconds) * time.Second
}

func (c Config) MarkerTTL() time.Duration {
	return time.Duration(c.Redis.MarkerTTLSeconds) * time.Second
}

func (c Config) AirbapayEnabled() bool  { return c.Airbapay.Username != "" }
func (c Config) RobokassaEnabled() bool { return c.Robokassa.MerchantLogin != "" }

// Load reads the YAML file at path (optional when empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config data: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Notifier.WebhookURL, "NOTIFIER_WEBHOOK_URL")
	setString(&c.Airbapay.Username, "AIRBAPAY_USERNAME")
	setString(&c.Airbapay.Password, "AIRBAPAY_PASSWORD")
	setString(&c.Airbapay.TerminalID, "AIRBAPAY_TERMINAL_ID")
	setString(&c.Airbapay.CallbackURL, "AIRBAPAY_CALLBACK_URL")
	setString(&c.Robokassa.MerchantLogin, "ROBOKASSA_MERCHANT_LOGIN")
	setString(&c.Robokassa.Password1, "ROBOKASSA_PASSWORD1")
	setString(&c.Robokassa.Password2, "ROBOKASSA_PASSWORD2")

	if port := os.Getenv("PORT"); port != "" {
		c.Server.Address = ":" + port
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"TOKEN_TTL_HOURS", &c.Settlement.TokenTTLHours},
		{"GATEWAY_TIMEOUT_SECONDS", &c.Settlement.GatewayTimeoutSeconds},
		{"CHECK_DELAY_SECONDS", &c.Settlement.CheckDelaySeconds},
		{"CARRY_OVER_VALIDITY_DAYS", &c.Settlement.CarryOverValidityDays},
		{"OUTBOX_MAX_ATTEMPTS", &c.Outbox.MaxAttempts},
		{"REDIS_DB", &c.Redis.DB},
	}
	for _, e := range ints {
		v, err := readIntEnv(e.name)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.name, err)
		}
		if v != nil {
			*e.dst = *v
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.Address, defaultAddress)
	setDefault(&c.Database.Driver, defaultDriver)
	setDefault(&c.Settlement.DefaultCurrency, defaultCurrency)
	setDefault(&c.Schedule.ExpirySweep, defaultExpirySchedule)
	setDefault(&c.Schedule.Outbox, defaultOutboxSchedule)
	setDefault(&c.Schedule.Checks, defaultChecksSchedule)
	setDefaultInt(&c.Settlement.TokenTTLHours, defaultTokenTTLHours)
	setDefaultInt(&c.Settlement.GatewayTimeoutSeconds, defaultGatewayTimeout)
	setDefaultInt(&c.Settlement.CheckDelaySeconds, defaultCheckDelay)
	setDefaultInt(&c.Settlement.CarryOverValidityDays, defaultValidityDays)
	setDefaultInt(&c.Settlement.InvoiceDueDays, defaultInvoiceDueDays)
	setDefaultInt(&c.Outbox.BaseBackoffSeconds, defaultOutboxBaseSecs)
	setDefaultInt(&c.Outbox.MaxBackoffSeconds, defaultOutboxMaxSecs)
	setDefaultInt(&c.Outbox.MaxAttempts, defaultOutboxAttempts)
	setDefaultInt(&c.Outbox.BatchSize, defaultBatchSize)
	setDefaultInt(&c.Checks.MaxAttempts, defaultCheckAttempts)
	setDefaultInt(&c.Checks.BatchSize, defaultBatchSize)
	setDefaultInt(&c.Redis.MarkerTTLSeconds, defaultMarkerTTLSeconds)
	if c.AirbapayEnabled() {
		setDefault(&c.Airbapay.BaseURL, defaultAirbapayBaseURL)
	}
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.Database.Driver {
	case "mysql", "pgx", "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if !c.AirbapayEnabled() && !c.RobokassaEnabled() {
		errs = append(errs, errors.New("at least one payment gateway must be configured"))
	}
	if c.AirbapayEnabled() && (c.Airbapay.Password == "" || c.Airbapay.TerminalID == "" || c.Airbapay.BaseURL == "") {
		errs = append(errs, errors.New("airbapay configuration incomplete"))
	}
	if c.RobokassaEnabled() && (c.Robokassa.Password1 == "" || c.Robokassa.Password2 == "") {
		errs = append(errs, errors.New("robokassa configuration incomplete"))
	}
	if c.Outbox.BaseBackoffSeconds > c.Outbox.MaxBackoffSeconds {
		errs = append(errs, errors.New("outbox.base_backoff_seconds must be <= outbox.max_backoff_seconds"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDefaultInt(dst *int, v int) {
	if *dst <= 0 {
		*dst = v
	}
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
