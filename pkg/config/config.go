// Package config defines the deployment request consumed by the engine and
// its handlers. The request is loaded from YAML, defaulted, and validated
// before a deployment is created; the engine itself treats it as opaque.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the shared validator instance for this package.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DeploymentConfig is one validated provisioning request.
type DeploymentConfig struct {
	// ProjectID is the target project in the external system. Immutable
	// once a deployment has been created.
	ProjectID string `yaml:"projectId" json:"projectId" validate:"required,min=6,max=30"`

	// Region is the target region. Immutable once set.
	Region string `yaml:"region" json:"region" validate:"required"`

	// AdminEmail receives ownership of created resources.
	AdminEmail string `yaml:"adminEmail" json:"adminEmail" validate:"required,email"`

	// NamePrefix prefixes every created resource name.
	NamePrefix string `yaml:"namePrefix" json:"namePrefix" validate:"required,min=2,max=20,alphanum"`

	Functions  FunctionsConfig  `yaml:"functions" json:"functions"`
	Gateway    GatewayConfig    `yaml:"gateway" json:"gateway"`
	Federation FederationConfig `yaml:"federation" json:"federation"`
	Firestore  FirestoreConfig  `yaml:"firestore" json:"firestore"`
	WebApp     WebAppConfig     `yaml:"webApp" json:"webApp"`
}

// FunctionsConfig describes the serverless functions to deploy.
type FunctionsConfig struct {
	// DeviceAuthName is the name of the device authentication function.
	DeviceAuthName string `yaml:"deviceAuthName" json:"deviceAuthName" validate:"required"`

	// TokenVendorName is the name of the token vending function.
	TokenVendorName string `yaml:"tokenVendorName" json:"tokenVendorName" validate:"required"`

	// SourceBucket holds the function source archives.
	SourceBucket string `yaml:"sourceBucket" json:"sourceBucket" validate:"required"`
}

// GatewayConfig describes the API gateway fronting the functions.
type GatewayConfig struct {
	Name           string `yaml:"name" json:"name" validate:"required"`
	APIDisplayName string `yaml:"apiDisplayName" json:"apiDisplayName" validate:"required"`
}

// FederationConfig describes the workload identity trust for edge devices.
type FederationConfig struct {
	PoolID     string `yaml:"poolId" json:"poolId" validate:"required"`
	ProviderID string `yaml:"providerId" json:"providerId" validate:"required"`
}

// FirestoreConfig describes the document database ruleset deployment.
type FirestoreConfig struct {
	// RulesFile is the path to the security rules source.
	RulesFile string `yaml:"rulesFile" json:"rulesFile" validate:"required"`

	// DatabaseID selects the database instance. Defaults to "(default)".
	DatabaseID string `yaml:"databaseId" json:"databaseId" validate:"required"`
}

// WebAppConfig describes the web application registration.
type WebAppConfig struct {
	DisplayName string `yaml:"displayName" json:"displayName" validate:"required"`
}

// Load reads, defaults, and validates a deployment config from a YAML file.
func Load(path string) (*DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg DeploymentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills optional fields that have sensible defaults.
func (c *DeploymentConfig) ApplyDefaults() {
	if c.NamePrefix == "" {
		c.NamePrefix = "edgelift"
	}
	if c.Functions.DeviceAuthName == "" {
		c.Functions.DeviceAuthName = c.NamePrefix + "-device-auth"
	}
	if c.Functions.TokenVendorName == "" {
		c.Functions.TokenVendorName = c.NamePrefix + "-token-vendor"
	}
	if c.Functions.SourceBucket == "" && c.ProjectID != "" {
		c.Functions.SourceBucket = c.ProjectID + "-functions"
	}
	if c.Gateway.Name == "" {
		c.Gateway.Name = c.NamePrefix + "-gateway"
	}
	if c.Gateway.APIDisplayName == "" {
		c.Gateway.APIDisplayName = "Edge Device API"
	}
	if c.Federation.PoolID == "" {
		c.Federation.PoolID = c.NamePrefix + "-device-pool"
	}
	if c.Federation.ProviderID == "" {
		c.Federation.ProviderID = c.NamePrefix + "-firebase"
	}
	if c.Firestore.DatabaseID == "" {
		c.Firestore.DatabaseID = "(default)"
	}
	if c.Firestore.RulesFile == "" {
		c.Firestore.RulesFile = "firestore.rules"
	}
	if c.WebApp.DisplayName == "" {
		c.WebApp.DisplayName = c.NamePrefix + " dashboard"
	}
}

// Validate checks the config against its struct tags.
func (c *DeploymentConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid deployment config: %w", err)
	}
	return nil
}

// MarshalOpaque serializes the config for storage. The engine and the state
// store never inspect the result; it is round-tripped back to handlers.
func (c *DeploymentConfig) MarshalOpaque() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// UnmarshalOpaque restores a config previously serialized with MarshalOpaque.
func UnmarshalOpaque(raw json.RawMessage) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored config: %w", err)
	}
	return &cfg, nil
}
