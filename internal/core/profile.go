package core

import (
	"fmt"
	"strings"
)

// ProfileDefaults holds environment-specific default configuration values.
// Profiles provide defaults only — explicit env vars always override.
type ProfileDefaults struct {
	Name                   string
	Listen                 string
	OutboundTimeoutSeconds int
	LogLevel               string
}

var profiles = map[string]*ProfileDefaults{
	"dev": {
		Name:                   "dev",
		Listen:                 "127.0.0.1:8080",
		OutboundTimeoutSeconds: 30,
		LogLevel:               "debug",
	},
	"staging": {
		Name:                   "staging",
		Listen:                 "0.0.0.0:8080",
		OutboundTimeoutSeconds: 30,
		LogLevel:               "info",
	},
	"prod": {
		Name:                   "prod",
		Listen:                 "0.0.0.0:8080",
		OutboundTimeoutSeconds: 15,
		LogLevel:               "info",
	},
}

// LoadProfile returns profile defaults for the given name.
// Empty name defaults to "dev". Unknown names return an error.
func LoadProfile(name string) (*ProfileDefaults, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = "dev"
	}
	p, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (valid: dev, staging, prod)", name)
	}
	copy := *p
	return &copy, nil
}
