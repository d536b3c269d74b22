// Package config loads and validates summarizer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
)

// EnvPrefix prefixes every environment override, e.g. SUMMARIZER_SERVER_PORT.
const EnvPrefix = "SUMMARIZER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Request    RequestConfig    `mapstructure:"request"`
	Cache      CacheConfig      `mapstructure:"cache"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls the inbound HTTP server.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprint(s.Port))
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// OpenRouterConfig points at the chat completions endpoint.
type OpenRouterConfig struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Model    string `mapstructure:"model"`
	SiteName string `mapstructure:"site_name"`
}

// SummarizerConfig governs the LLM retry loop and prompt size.
type SummarizerConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxTokens      int64         `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxInputChars  int           `mapstructure:"max_input_chars"`
}

// FetchConfig controls page retrieval.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// RequestConfig bounds a whole summarize request.
type RequestConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig sizes the summary cache.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// HTTPConfig pools outbound connections.
type HTTPConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces and picks the span exporter.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	// OTLPEndpoint is an OTLP/HTTP collector base URL, e.g. http://otel-collector:4318.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// Stdout prints finished spans to standard output.
	Stdout      bool    `mapstructure:"stdout"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// legacyEnv maps keys onto the bare variable names older deployments use.
var legacyEnv = map[string]string{
	"openrouter.api_key": "OPENROUTER_API_KEY",
	"server.host":        "HOST",
	"server.port":        "PORT",
}

// Load reads defaults, the optional YAML file at path, a .env file in the
// working directory and the environment, in increasing precedence.
func Load(path string) (Config, error) {
	return LoadFiles(path, ".env")
}

// LoadFiles is Load with an explicit dotenv location; a missing dotenv file
// is ignored.
func LoadFiles(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, apperr.Config("read env file", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, apperr.Config("bind env "+legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, apperr.Config("read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, apperr.Config("unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.model", "deepseek/deepseek-chat-v3-0324")
	v.SetDefault("openrouter.site_name", "")
	v.SetDefault("summarizer.max_attempts", 3)
	v.SetDefault("summarizer.base_delay", 500*time.Millisecond)
	v.SetDefault("summarizer.max_delay", 5*time.Second)
	v.SetDefault("summarizer.attempt_timeout", 20*time.Second)
	v.SetDefault("summarizer.call_timeout", 50*time.Second)
	v.SetDefault("summarizer.max_tokens", 1024)
	v.SetDefault("summarizer.temperature", 0.2)
	v.SetDefault("summarizer.max_input_chars", 60000)
	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.user_agent", "page-summarizer/1.0")
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.rate_limit_rps", 0.0)
	v.SetDefault("fetch.rate_limit_burst", 1)
	v.SetDefault("request.timeout", 60*time.Second)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_entries", 0)
	v.SetDefault("cache.sweep_interval", time.Duration(0))
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.max_idle_conns_per_host", 10)
	v.SetDefault("http.idle_conn_timeout", 90*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "page-summarizer")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and the ordering of the timeouts.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(net.ParseIP(c.Server.Host) != nil, fmt.Sprintf("server.host %q is not an IP address", c.Server.Host))
	check(strings.TrimSpace(c.OpenRouter.APIKey) != "", "openrouter.api_key (OPENROUTER_API_KEY) must be set")
	check(c.OpenRouter.BaseURL != "", "openrouter.base_url must be set")
	check(c.OpenRouter.Model != "", "openrouter.model must be set")
	check(c.Summarizer.MaxAttempts >= 1, "summarizer.max_attempts must be >= 1")
	check(c.Summarizer.AttemptTimeout > 0, "summarizer.attempt_timeout must be > 0")
	check(c.Summarizer.AttemptTimeout < c.Summarizer.CallTimeout,
		"summarizer.attempt_timeout must be shorter than summarizer.call_timeout")
	check(c.Summarizer.CallTimeout <= c.Request.Timeout,
		"summarizer.call_timeout must not exceed request.timeout")
	check(c.Fetch.Timeout > 0 && c.Fetch.Timeout < c.Request.Timeout,
		"fetch.timeout must be > 0 and shorter than request.timeout")
	check(c.Cache.TTL > 0, "cache.ttl must be > 0")
	check(c.Cache.MaxEntries >= 0, "cache.max_entries must be >= 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Telemetry.SampleRatio > 0 && c.Telemetry.SampleRatio <= 1,
		"telemetry.sample_ratio must be in (0, 1]")
	if c.Telemetry.OTLPEndpoint != "" {
		u, err := url.Parse(c.Telemetry.OTLPEndpoint)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"telemetry.otlp_endpoint must be an http or https URL")
	}

	if len(problems) > 0 {
		return apperr.Config("invalid configuration: "+strings.Join(problems, "; "), nil)
	}
	return nil
}
