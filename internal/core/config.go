package core

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNWSBaseURL       = "https://api.weather.gov"
	DefaultExchangeAudience = "api://AzureADTokenExchange"
	DefaultIdentityEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"
	DefaultLoginBase        = "https://login.microsoftonline.com"
	DefaultGraphBase        = "https://graph.microsoft.com"
)

// Config is the assembled runtime configuration. Precedence, lowest to
// highest: profile defaults, optional YAML config file, environment.
type Config struct {
	Profile           string
	Listen            string
	NWSBaseURL        string
	ExchangeAudience  string
	FederatedClientID string
	ClientID          string
	TenantID          string
	Hostname          string
	IdentityEndpoint  string
	LoginBase         string
	GraphBase         string
	OutboundTimeout   time.Duration
	LogLevel          slog.Level
}

type fileConfig struct {
	Listen             string `yaml:"listen"`
	NWSAPIBase         string `yaml:"nws_api_base"`
	ExchangeAudience   string `yaml:"token_exchange_audience"`
	FederatedClientID  string `yaml:"federated_client_id"`
	ClientID           string `yaml:"client_id"`
	TenantID           string `yaml:"tenant_id"`
	DeployHostname     string `yaml:"deploy_hostname"`
	IdentityEndpoint   string `yaml:"identity_endpoint"`
	LoginBase          string `yaml:"login_base"`
	GraphBase          string `yaml:"graph_base"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
	LogLevel           string `yaml:"log_level"`
}

// LoadConfig assembles configuration from the given environment lookup.
// The lookup is a parameter so tests can supply their own environment.
func LoadConfig(getenv func(string) string) (*Config, error) {
	profile, err := LoadProfile(getenv("WEATHERHUB_PROFILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Profile:          profile.Name,
		Listen:           profile.Listen,
		NWSBaseURL:       DefaultNWSBaseURL,
		ExchangeAudience: DefaultExchangeAudience,
		IdentityEndpoint: DefaultIdentityEndpoint,
		LoginBase:        DefaultLoginBase,
		GraphBase:        DefaultGraphBase,
		OutboundTimeout:  time.Duration(profile.OutboundTimeoutSeconds) * time.Second,
	}
	levelName := profile.LogLevel

	if path := strings.TrimSpace(getenv("WEATHERHUB_CONFIG")); path != "" {
		fc, err := loadFileConfig(path)
		if err != nil {
			return nil, err
		}
		applyString(&cfg.Listen, fc.Listen)
		applyString(&cfg.NWSBaseURL, fc.NWSAPIBase)
		applyString(&cfg.ExchangeAudience, fc.ExchangeAudience)
		applyString(&cfg.FederatedClientID, fc.FederatedClientID)
		applyString(&cfg.ClientID, fc.ClientID)
		applyString(&cfg.TenantID, fc.TenantID)
		applyString(&cfg.Hostname, fc.DeployHostname)
		applyString(&cfg.IdentityEndpoint, fc.IdentityEndpoint)
		applyString(&cfg.LoginBase, fc.LoginBase)
		applyString(&cfg.GraphBase, fc.GraphBase)
		applyString(&levelName, fc.LogLevel)
		if fc.HTTPTimeoutSeconds > 0 {
			cfg.OutboundTimeout = time.Duration(fc.HTTPTimeoutSeconds) * time.Second
		}
	}

	applyString(&cfg.Listen, getenv("WEATHERHUB_LISTEN"))
	applyString(&cfg.NWSBaseURL, getenv("NWS_API_BASE"))
	applyString(&cfg.ExchangeAudience, getenv("TOKEN_EXCHANGE_AUDIENCE"))
	applyString(&cfg.FederatedClientID, getenv("FEDERATED_CLIENT_ID"))
	applyString(&cfg.ClientID, getenv("CLIENT_ID"))
	applyString(&cfg.TenantID, getenv("TENANT_ID"))
	applyString(&cfg.Hostname, getenv("DEPLOY_HOSTNAME"))
	applyString(&cfg.IdentityEndpoint, getenv("IDENTITY_ENDPOINT"))
	applyString(&cfg.LoginBase, getenv("LOGIN_BASE"))
	applyString(&cfg.GraphBase, getenv("GRAPH_BASE"))
	applyString(&levelName, getenv("WEATHERHUB_LOG_LEVEL"))

	if raw := strings.TrimSpace(getenv("HTTP_TIMEOUT_SECONDS")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS %q", raw)
		}
		cfg.OutboundTimeout = time.Duration(secs) * time.Second
	}

	level, err := parseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	cfg.NWSBaseURL = strings.TrimRight(cfg.NWSBaseURL, "/")
	cfg.LoginBase = strings.TrimRight(cfg.LoginBase, "/")
	cfg.GraphBase = strings.TrimRight(cfg.GraphBase, "/")
	return cfg, nil
}

func loadFileConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func applyString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
