// Package config defines the global configuration structure for the static IP
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"staticip/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"staticip-service"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server      ServerConfig
	Database    DatabaseConfig
	AWS         AWSConfig
	Provisioner ProvisionerConfig
	NodeAgent   NodeAgentConfig
	Pool        PoolConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue for pool replenishment jobs consumed by cmd/pool-worker.
	ReplenishQueueURL string `envconfig:"SQS_POOL_REPLENISH"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ProvisionerConfig holds the cloud provisioning adapter connection settings.
type ProvisionerConfig struct {
	BaseURL string       `envconfig:"PROVISIONER_URL" validate:"required,url"`
	APIKey  SecretString `envconfig:"PROVISIONER_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"PROVISIONER_TIMEOUT" default:"30s"`
}

// NodeAgentConfig holds the edge node agent connection settings. Node agents
// expose a private HTTP control API; the gateway URL fronts all of them and
// routes by node ID.
type NodeAgentConfig struct {
	GatewayURL string       `envconfig:"NODE_AGENT_GATEWAY_URL" validate:"required,url"`
	AuthToken  SecretString `envconfig:"NODE_AGENT_TOKEN" validate:"required"`
	Timeout    time.Duration `envconfig:"NODE_AGENT_TIMEOUT" default:"15s"`
}

// PoolConfig tunes the IP pool replenishment behavior.
type PoolConfig struct {
	// ReplenishFloor is the minimum number of free entries to keep per
	// region. When a claim drains the pool below the floor, a replenish
	// message is published (best-effort). 0 disables replenishment.
	ReplenishFloor int `envconfig:"POOL_REPLENISH_FLOOR" default:"0"`
}
