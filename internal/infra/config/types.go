package config

import (
	"fmt"
	"strings"
)

// Environment identifies the deployment environment the broker runs in.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Backend names a storage implementation.
type Backend string

const (
	// BackendEmbedded is the in-process SQLite store.
	BackendEmbedded Backend = "embedded"
	// BackendNetworked is the PostgreSQL store.
	BackendNetworked Backend = "networked"
)

// ParseEnvironment normalises value. An empty value selects development.
func ParseEnvironment(value string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(value)))
	if env == "" {
		return EnvDevelopment, nil
	}
	if _, err := env.Backend(); err != nil {
		return "", err
	}
	return env, nil
}

// Backend resolves the storage backend used in this environment.
func (e Environment) Backend() (Backend, error) {
	switch e {
	case EnvDevelopment, EnvTesting:
		return BackendEmbedded, nil
	case EnvStaging, EnvProduction:
		return BackendNetworked, nil
	default:
		return "", fmt.Errorf("unsupported environment: %s", string(e))
	}
}
