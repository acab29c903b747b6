package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports the problems that make a configuration
// unusable. Startup refuses to proceed past one.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration for problems a running service could
// not recover from. It returns a *ConfigurationError listing all of them,
// or nil.
func (c *Config) Validate() error {
	var probs []string

	switch c.DBIO.Backend {
	case "inmem":
	case "fsbased":
		if c.DBIO.Dir == "" {
			probs = append(probs, "dbio.dir is required for the fsbased backend")
		}
	case "mongo":
		if c.DBIO.MongoURI == "" {
			probs = append(probs, "dbio.mongo_uri is required for the mongo backend")
		}
	default:
		probs = append(probs, fmt.Sprintf("dbio.backend: unrecognized backend %q", c.DBIO.Backend))
	}

	if c.JWTAuth.Key == "" && c.JWTAuth.LegacyKey == "" {
		probs = append(probs, "jwt_auth.key (or jwt_auth.legacy_key) must be set")
	}
	if alg := c.JWTAuth.Algorithm; alg != "" && alg != "HS256" {
		probs = append(probs, fmt.Sprintf("jwt_auth.algorithm: unsupported algorithm %q", alg))
	}
	if c.JWTAuth.LegacyKey != "" && c.JWTAuth.LegacyUser == "" {
		probs = append(probs, "jwt_auth.legacy_user must name the identity behind jwt_auth.legacy_key")
	}

	if len(c.Services) == 0 {
		probs = append(probs, "services: at least one authoring service is required")
	}
	for svcname, svc := range c.Services {
		if svc == nil || len(svc.Conventions) == 0 {
			probs = append(probs, fmt.Sprintf("services.%s: no conventions configured", svcname))
			continue
		}
		for convname, conv := range svc.Conventions {
			loc := fmt.Sprintf("services.%s.conventions.%s", svcname, convname)
			if conv == nil || conv.Type == "" {
				probs = append(probs, loc+".type is required")
				continue
			}
			coll, shoulder, ok := strings.Cut(conv.Type, "/")
			if !ok || coll == "" || shoulder == "" {
				probs = append(probs, fmt.Sprintf("%s.type: %q is not of the form collection/shoulder", loc, conv.Type))
			}
		}
		if svc.Default != "" {
			if _, ok := svc.Conventions[svc.Default]; !ok {
				probs = append(probs, fmt.Sprintf("services.%s.default: unknown convention %q", svcname, svc.Default))
			}
		}
	}

	if c.RateLimit.PerSecond < 0 {
		probs = append(probs, "rate_limit.per_second must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		probs = append(probs, "rate_limit.burst must be positive when limiting is enabled")
	}

	if len(probs) > 0 {
		return &ConfigurationError{Problems: probs}
	}
	return nil
}

// Collection returns the project collection and shoulder named by the
// convention's type.
func (c *ConventionConfig) Collection() (coll, shoulder string) {
	coll, shoulder, _ = strings.Cut(c.Type, "/")
	return coll, shoulder
}
