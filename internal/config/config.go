package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "LOCALCHAT"

// Configuration keys. Flags, environment variables (LOCALCHAT_DB_PATH, ...)
// and config file entries share these names.
const (
	KeyDBPath           = "db-path"
	KeyDatabaseURL      = "database-url"
	KeyBackendURL       = "backend-url"
	KeyModel            = "model"
	KeyTimeout          = "timeout"
	KeyContextWindow    = "context-window"
	KeyHistoryLimit     = "history-limit"
	KeyTemperature      = "temperature"
	KeyGenerator        = "generator"
	KeyDummyScript      = "dummy-script"
	KeyListenAddr       = "listen-addr"
	KeyMetricsNamespace = "metrics-namespace"
	KeyLogLevel         = "log-level"
	KeyLogFormat        = "log-format"
	KeyLogFile          = "log-file"
	KeyWithCaller       = "with-caller"
)

const (
	GeneratorOllama = "ollama"
	GeneratorDummy  = "dummy"

	MinTemperature = 0.1
	MaxTemperature = 1.0
)

// Config holds configuration for the localchat process.
type Config struct {
	DBPath           string
	DatabaseURL      string
	BackendURL       string
	Model            string
	Timeout          time.Duration
	ContextWindow    int
	HistoryLimit     int
	Temperature      float64
	Generator        string
	DummyScript      string
	ListenAddr       string
	MetricsNamespace string
	Log              LogSettings
}

// LogSettings is the logging part of Config.
type LogSettings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDBPath, "./chat_history.db")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeyBackendURL, "http://localhost:11434")
	v.SetDefault(KeyModel, "gemma2:2b")
	v.SetDefault(KeyTimeout, "120s")
	v.SetDefault(KeyContextWindow, 6)
	v.SetDefault(KeyHistoryLimit, 10)
	v.SetDefault(KeyTemperature, 0.8)
	v.SetDefault(KeyGenerator, GeneratorOllama)
	v.SetDefault(KeyDummyScript, "ok")
	v.SetDefault(KeyListenAddr, ":7860")
	v.SetDefault(KeyMetricsNamespace, "localchat")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyWithCaller, false)
}

// New returns a viper instance with defaults and LOCALCHAT_ environment
// lookup configured.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// ReadConfigFile loads path into v. With an empty path it searches for
// config.{yaml,json,toml} in the working directory, $HOME/.localchat and
// $XDG_CONFIG_HOME/localchat; a missing file is not an error.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config file %s", path)
		}
		return nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".localchat"))
	}
	if xdg, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(xdg, "localchat"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "read config file")
	}
	return nil
}

// Load reads and validates the configuration from v.
func Load(v *viper.Viper) (Config, error) {
	timeout, err := durationValue(v, KeyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DBPath:           strings.TrimSpace(v.GetString(KeyDBPath)),
		DatabaseURL:      strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		BackendURL:       strings.TrimSpace(v.GetString(KeyBackendURL)),
		Model:            strings.TrimSpace(v.GetString(KeyModel)),
		Timeout:          timeout,
		ContextWindow:    v.GetInt(KeyContextWindow),
		HistoryLimit:     v.GetInt(KeyHistoryLimit),
		Temperature:      v.GetFloat64(KeyTemperature),
		Generator:        strings.ToLower(strings.TrimSpace(v.GetString(KeyGenerator))),
		DummyScript:      v.GetString(KeyDummyScript),
		ListenAddr:       strings.TrimSpace(v.GetString(KeyListenAddr)),
		MetricsNamespace: strings.TrimSpace(v.GetString(KeyMetricsNamespace)),
		Log: LogSettings{
			Level:      strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
			Format:     strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
			File:       strings.TrimSpace(v.GetString(KeyLogFile)),
			WithCaller: v.GetBool(KeyWithCaller),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and names the offending key on failure.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.DBPath == "" {
		return fmt.Errorf("%s must not be empty when %s is unset", KeyDBPath, KeyDatabaseURL)
	}
	if err := validateHTTPURL(KeyBackendURL, c.BackendURL); err != nil {
		return err
	}
	if c.Model == "" {
		return fmt.Errorf("%s must not be empty", KeyModel)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%s must be > 0, got %s", KeyTimeout, c.Timeout)
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", KeyContextWindow, c.ContextWindow)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", KeyHistoryLimit, c.HistoryLimit)
	}
	if c.Temperature < MinTemperature || c.Temperature > MaxTemperature {
		return fmt.Errorf("%s must be in [%.1f, %.1f], got %v", KeyTemperature, MinTemperature, MaxTemperature, c.Temperature)
	}
	switch c.Generator {
	case GeneratorOllama, GeneratorDummy:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", KeyGenerator, GeneratorOllama, GeneratorDummy, c.Generator)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("%s must not be empty", KeyListenAddr)
	}
	if c.MetricsNamespace == "" {
		return fmt.Errorf("%s must not be empty", KeyMetricsNamespace)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%s must be json or text, got %q", KeyLogFormat, c.Log.Format)
	}
	return nil
}

func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("%s must not be empty", key)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 120s, got %q", key, raw)
	}
	return d, nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
