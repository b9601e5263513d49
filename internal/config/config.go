// Package config loads server configuration from defaults, an optional
// YAML file, PUSHRELAY_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PUSHRELAY_HTTP_ADDR.
const EnvPrefix = "PUSHRELAY"

// Store drivers.
const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type HTTP struct {
	Addr     string `mapstructure:"addr"`
	Secure   bool   `mapstructure:"secure"`
	KeyFile  string `mapstructure:"key_file"`
	CertFile string `mapstructure:"cert_file"`
	CAFile   string `mapstructure:"ca_file"`
}

type Endpoint struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

type Oracle struct {
	Secure      bool          `mapstructure:"secure"`
	User        Endpoint      `mapstructure:"user"`
	App         Endpoint      `mapstructure:"app"`
	PoolSize    int           `mapstructure:"pool_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type Poll struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type Cache struct {
	Enabled  bool          `mapstructure:"enabled"`
	Size     int           `mapstructure:"size"`
	Lifetime time.Duration `mapstructure:"lifetime"`
}

type Store struct {
	Driver              string        `mapstructure:"driver"`
	RedisURL            string        `mapstructure:"redis_url"`
	PostgresDSN         string        `mapstructure:"postgres_dsn"`
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`
	ClearOnStart        bool          `mapstructure:"clear_on_start"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

type Secrets struct {
	Instance string `mapstructure:"instance"`
	Cookie   string `mapstructure:"cookie"`
	Token    string `mapstructure:"token"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the complete server configuration.
type Config struct {
	HTTP    HTTP    `mapstructure:"http"`
	Oracle  Oracle  `mapstructure:"oracle"`
	Poll    Poll    `mapstructure:"poll"`
	Cache   Cache   `mapstructure:"cache"`
	Store   Store   `mapstructure:"store"`
	Secrets Secrets `mapstructure:"secrets"`
	Log     Log     `mapstructure:"log"`
}

var defaults = map[string]any{
	"http.addr":      ":5000",
	"http.secure":    true,
	"http.key_file":  "privatekey.pem",
	"http.cert_file": "certificate.pem",
	"http.ca_file":   "certificateauthority.pem",

	"oracle.secure":       true,
	"oracle.user.host":    "localhost",
	"oracle.user.port":    5003,
	"oracle.user.path":    "/userAuthUrl",
	"oracle.app.host":     "localhost",
	"oracle.app.port":     5002,
	"oracle.app.path":     "/appAuthUrl",
	"oracle.pool_size":    5,
	"oracle.idle_timeout": 10 * time.Second,

	"poll.response_timeout": 5 * time.Minute,

	"cache.enabled":  false,
	"cache.size":     10,
	"cache.lifetime": 60 * time.Second,

	"store.driver":               DriverRedis,
	"store.redis_url":            "redis://localhost:6379/0",
	"store.postgres_dsn":         "postgres://localhost:5432/pushrelay?sslmode=disable",
	"store.registration_timeout": 720 * time.Hour,
	"store.clear_on_start":       false,
	"store.sweep_interval":       time.Minute,

	"secrets.instance": "instanceSecret",
	"secrets.cookie":   "cookieSecret",
	"secrets.token":    "tokenSecret",

	"log.level":       "info",
	"log.development": false,
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// hosted Redis exposes its URL under this name
	_ = v.BindEnv("store.redis_url", EnvPrefix+"_STORE_REDIS_URL", "REDISTOGO_URL")
	return v
}

// flags maps command-line flags to config keys.
var flags = []struct {
	name, key, usage string
}{
	{"addr", "http.addr", "listen address"},
	{"secure", "http.secure", "serve HTTPS"},
	{"store", "store.driver", "store driver: redis or postgres"},
	{"redis-url", "store.redis_url", "Redis URL"},
	{"postgres-dsn", "store.postgres_dsn", "PostgreSQL DSN"},
	{"clear-on-start", "store.clear_on_start", "flush the store on startup"},
	{"log-level", "log.level", "log level"},
	{"dev", "log.development", "development logging"},
}

// BindFlags registers the server flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, f := range flags {
		switch def := defaults[f.key].(type) {
		case string:
			fs.String(f.name, def, f.usage)
		case bool:
			fs.Bool(f.name, def, f.usage)
		}
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", f.name, err)
		}
	}
	return nil
}

// Load reads file (if not empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is empty"))
	}
	if c.Oracle.PoolSize <= 0 {
		errs = append(errs, errors.New("oracle.pool_size must be positive"))
	}
	if c.Oracle.IdleTimeout <= 0 {
		errs = append(errs, errors.New("oracle.idle_timeout must be positive"))
	}
	for name, ep := range map[string]Endpoint{"user": c.Oracle.User, "app": c.Oracle.App} {
		if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Errorf("oracle.%s needs a host and a valid port", name))
		}
	}
	if c.Poll.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("poll.response_timeout must be positive"))
	}
	if c.Cache.Enabled && (c.Cache.Size <= 0 || c.Cache.Lifetime <= 0) {
		errs = append(errs, errors.New("cache.size and cache.lifetime must be positive when caching"))
	}
	if c.Store.RegistrationTimeout <= 0 {
		errs = append(errs, errors.New("store.registration_timeout must be positive"))
	}
	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is empty"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is empty"))
		}
		if c.Store.SweepInterval <= 0 {
			errs = append(errs, errors.New("store.sweep_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not redis or postgres", c.Store.Driver))
	}
	if c.HTTP.Secure && (c.HTTP.KeyFile == "" || c.HTTP.CertFile == "") {
		errs = append(errs, errors.New("http.key_file and http.cert_file are required when secure"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
