package config

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	ProductionEnv  = "production"
	DevelopmentEnv = "development"

	HeaderAuth   = "header"
	FirebaseAuth = "firebase"
)

// Config holds the process configuration read from the environment and .env.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	DBUsername  string `mapstructure:"db_username"`
	DBPassword  string `mapstructure:"db_password"`
	DBHost      string `mapstructure:"db_host"`
	DBPort      string `mapstructure:"db_port"`
	DBName      string `mapstructure:"db_name"`
	DBSSLMode   string `mapstructure:"db_sslmode" validate:"oneof=disable require verify-ca verify-full"`

	ServerPort         string   `mapstructure:"server_port" validate:"required,numeric"`
	LogLevel           string   `mapstructure:"log_level" validate:"required"`
	AppEnv             string   `mapstructure:"app_env" validate:"oneof=development production test"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	AuthMode                string `mapstructure:"auth_mode" validate:"oneof=header firebase"`
	FirebaseCredentialsPath string `mapstructure:"firebase_credentials_path" validate:"required_if=AuthMode firebase"`

	TxIsolation     string        `mapstructure:"tx_isolation" validate:"oneof=read_committed repeatable_read serializable"`
	EffectWorkers   int           `mapstructure:"effect_workers" validate:"gte=0"`
	EffectQueueSize int           `mapstructure:"effect_queue_size" validate:"gt=0"`
	EffectTimeout   time.Duration `mapstructure:"effect_timeout" validate:"gt=0"`
	RealtimeChannel string        `mapstructure:"realtime_channel" validate:"required,max=63"`
}

var keys = []string{
	"database_url", "db_username", "db_password", "db_host", "db_port", "db_name", "db_sslmode",
	"server_port", "log_level", "app_env", "cors_allowed_origins",
	"auth_mode", "firebase_credentials_path",
	"tx_isolation", "effect_workers", "effect_queue_size", "effect_timeout", "realtime_channel",
}

var validate = validator.New()

// Load reads .env when present, then the environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(viper.New())
}

// FromViper builds a Config from v with environment binding and defaults applied.
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, errors.Wrapf(err, "bind %s", key)
		}
	}

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("app_env", DevelopmentEnv)
	v.SetDefault("cors_allowed_origins", "http://localhost:3000")
	v.SetDefault("auth_mode", HeaderAuth)
	v.SetDefault("tx_isolation", "read_committed")
	v.SetDefault("effect_workers", 4)
	v.SetDefault("effect_queue_size", 256)
	v.SetDefault("effect_timeout", "5s")
	v.SetDefault("realtime_channel", "tasktrack_events")

	cfg := &Config{
		DatabaseURL:             v.GetString("database_url"),
		DBUsername:              v.GetString("db_username"),
		DBPassword:              v.GetString("db_password"),
		DBHost:                  v.GetString("db_host"),
		DBPort:                  v.GetString("db_port"),
		DBName:                  v.GetString("db_name"),
		DBSSLMode:               v.GetString("db_sslmode"),
		ServerPort:              v.GetString("server_port"),
		LogLevel:                strings.ToLower(v.GetString("log_level")),
		AppEnv:                  strings.ToLower(v.GetString("app_env")),
		CORSAllowedOrigins:      splitList(v.GetString("cors_allowed_origins")),
		AuthMode:                strings.ToLower(v.GetString("auth_mode")),
		FirebaseCredentialsPath: v.GetString("firebase_credentials_path"),
		TxIsolation:             strings.ToLower(v.GetString("tx_isolation")),
		EffectWorkers:           v.GetInt("effect_workers"),
		EffectQueueSize:         v.GetInt("effect_queue_size"),
		EffectTimeout:           v.GetDuration("effect_timeout"),
		RealtimeChannel:         v.GetString("realtime_channel"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that a database is reachable by URL or parts.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value: '%v')", e.Field(), e.Tag(), e.Value()))
			}
			return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// ConnString returns DATABASE_URL or assembles one from the DB_* parts.
func (c *Config) ConnString() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}
	if c.DBUsername == "" || c.DBName == "" || c.DBHost == "" || c.DBPort == "" {
		return "", errors.New("DATABASE_URL or DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT and DB_NAME are required")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String(), nil
}

// Isolation maps TX_ISOLATION to a database/sql isolation level.
func (c *Config) Isolation() sql.IsolationLevel {
	switch c.TxIsolation {
	case "serializable":
		return sql.LevelSerializable
	case "repeatable_read":
		return sql.LevelRepeatableRead
	}
	return sql.LevelReadCommitted
}

func (c *Config) Production() bool {
	return c.AppEnv == ProductionEnv
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
