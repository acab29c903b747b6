package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. It is normally read from a
// YAML file, with a handful of deployment knobs overridable from the
// environment.
type Config struct {
	Port     string `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	// CORSOrigins lists browser origins allowed to call the API; empty
	// allows all.
	CORSOrigins []string `yaml:"cors_origins,omitempty" json:"cors_origins,omitempty"`

	DBIO      DBIOConfig                `yaml:"dbio" json:"dbio"`
	JWTAuth   JWTAuthConfig             `yaml:"jwt_auth" json:"jwt_auth"`
	Services  map[string]*ServiceConfig `yaml:"services" json:"services"`
	Resolver  ResolverConfig            `yaml:"resolver" json:"resolver"`
	RateLimit RateLimitConfig           `yaml:"rate_limit" json:"rate_limit"`
	Telemetry TelemetryConfig           `yaml:"telemetry" json:"telemetry"`
}

// TelemetryConfig enables OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	Environment  string  `yaml:"environment,omitempty" json:"environment,omitempty"`
	SampleRate   float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// DBIOConfig selects and parameterizes the record store backend.
type DBIOConfig struct {
	// Backend is one of "inmem", "fsbased", or "mongo".
	Backend string `yaml:"backend" json:"backend"`
	// Dir is the data directory for the fsbased backend.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
	// MongoURI and MongoDB locate the database for the mongo backend.
	MongoURI string `yaml:"mongo_uri,omitempty" json:"mongo_uri,omitempty"`
	MongoDB  string `yaml:"mongo_db,omitempty" json:"mongo_db,omitempty"`

	Superusers       []string `yaml:"superusers,omitempty" json:"superusers,omitempty"`
	AllowedShoulders []string `yaml:"allowed_shoulders,omitempty" json:"allowed_shoulders,omitempty"`
	DefaultShoulder  string   `yaml:"default_shoulder,omitempty" json:"default_shoulder,omitempty"`

	Compat CompatConfig `yaml:"compat" json:"compat"`
}

// CompatConfig toggles bug-for-bug compatibility with older deployments.
type CompatConfig struct {
	QueryNoRecurse      bool `yaml:"query_no_recurse" json:"query_no_recurse"`
	HistoryNilExtra     bool `yaml:"history_nil_extra" json:"history_nil_extra"`
	PublishAlwaysDisown bool `yaml:"publish_always_disown" json:"publish_always_disown"`
}

// JWTAuthConfig configures bearer-token authentication.
type JWTAuthConfig struct {
	Key       string `yaml:"key" json:"key"`
	Algorithm string `yaml:"algorithm,omitempty" json:"algorithm,omitempty"`
	// RequireExpiration defaults to true when unset.
	RequireExpiration *bool  `yaml:"require_expiration,omitempty" json:"require_expiration,omitempty"`
	LegacyKey         string `yaml:"legacy_key,omitempty" json:"legacy_key,omitempty"`
	LegacyUser        string `yaml:"legacy_user,omitempty" json:"legacy_user,omitempty"`
}

// ServiceConfig describes one authoring service (e.g. "dmp") and its
// conventions.
type ServiceConfig struct {
	Conventions map[string]*ConventionConfig `yaml:"conventions" json:"conventions"`
	// Default names the convention served when a client asks for "def".
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
}

// ConventionConfig parameterizes one convention of an authoring service.
type ConventionConfig struct {
	// Type is the project collection and shoulder pair, e.g. "dmp/mdm1".
	Type string `yaml:"type" json:"type"`
	// Schema is an optional path to a JSON Schema used for full
	// validation at finalize time.
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
	// ReviewSystems names the external review systems that gate
	// publication, keyed by the callback path to mount for each.
	ReviewSystems map[string]string `yaml:"review_systems,omitempty" json:"review_systems,omitempty"`

	PublishOnApproval bool   `yaml:"publish_on_approval,omitempty" json:"publish_on_approval,omitempty"`
	NAAN              string `yaml:"naan,omitempty" json:"naan,omitempty"`
	ResolverBaseURL   string `yaml:"resolver_base_url,omitempty" json:"resolver_base_url,omitempty"`
}

// ResolverConfig parameterizes the public identifier resolver.
type ResolverConfig struct {
	NAAN           string `yaml:"naan,omitempty" json:"naan,omitempty"`
	LandingBaseURL string `yaml:"landing_base_url,omitempty" json:"landing_base_url,omitempty"`
	// RMMBaseURL locates the public metadata service; CacheDir holds the
	// local metadata cache consulted alongside it.
	RMMBaseURL     string `yaml:"rmm_base_url,omitempty" json:"rmm_base_url,omitempty"`
	CacheDir       string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	DistribBaseURL string `yaml:"distrib_base_url,omitempty" json:"distrib_base_url,omitempty"`
	TimeoutSec     int    `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// RateLimitConfig shapes the per-client request limiter. Zero values
// disable limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// Load reads the configuration file at path, applies environment
// overrides, and fills in defaults. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MIDAS_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MIDAS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MIDAS_JWT_KEY"); v != "" {
		c.JWTAuth.Key = v
	}
	if v := os.Getenv("MIDAS_MONGO_URI"); v != "" {
		c.DBIO.MongoURI = v
	}
	if v := os.Getenv("MIDAS_DBIO_BACKEND"); v != "" {
		c.DBIO.Backend = v
	}
	if v := os.Getenv("MIDAS_DBIO_DIR"); v != "" {
		c.DBIO.Dir = v
	}
	if v := os.Getenv("MIDAS_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.PerSecond = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "9091"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.DBIO.Backend == "" {
		c.DBIO.Backend = "fsbased"
	}
	if c.DBIO.Backend == "fsbased" && c.DBIO.Dir == "" {
		c.DBIO.Dir = "./data"
	}
	if c.DBIO.Backend == "mongo" {
		if c.DBIO.MongoDB == "" {
			c.DBIO.MongoDB = "midas"
		}
	}
	if c.JWTAuth.Algorithm == "" {
		c.JWTAuth.Algorithm = "HS256"
	}
	if c.Resolver.TimeoutSec == 0 {
		c.Resolver.TimeoutSec = 20
	}
	for _, svc := range c.Services {
		if svc == nil || len(svc.Conventions) == 0 {
			continue
		}
		if svc.Default == "" && len(svc.Conventions) == 1 {
			for name := range svc.Conventions {
				svc.Default = name
			}
		}
	}
}
