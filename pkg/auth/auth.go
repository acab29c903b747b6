// Package auth authenticates API callers: JWT bearer tokens signed with a
// shared secret, plus a legacy fixed-key flavor for old clients.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/midas-platform/midas/pkg/prov"
)

// Config is the jwt_auth configuration block.
type Config struct {
	// Key is the shared HMAC secret tokens are signed with.
	Key string `yaml:"key"`
	// Algorithm names the signing algorithm; only HS256 is supported.
	Algorithm string `yaml:"algorithm"`
	// RequireExpiration rejects tokens without an exp claim. Defaults to
	// true.
	RequireExpiration *bool `yaml:"require_expiration"`
	// LegacyKey, when set, lets old clients authenticate with a fixed
	// bearer key mapped onto LegacyUser.
	LegacyKey string `yaml:"legacy_key"`
	// LegacyUser is the identity legacy-key callers act as.
	LegacyUser string `yaml:"legacy_user"`
}

func (c Config) requireExp() bool {
	return c.RequireExpiration == nil || *c.RequireExpiration
}

// Validate checks the block for structural problems at startup.
func (c Config) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("jwt_auth: a signing key is required")
	}
	if c.Algorithm != "" && c.Algorithm != "HS256" {
		return fmt.Errorf("jwt_auth: unsupported algorithm %q (only HS256)", c.Algorithm)
	}
	if c.LegacyKey != "" && c.LegacyUser == "" {
		return fmt.Errorf("jwt_auth: legacy_key requires legacy_user")
	}
	return nil
}

// Authenticator decodes bearer credentials into provenance agents.
type Authenticator struct {
	cfg     Config
	vehicle string
	log     *slog.Logger
}

// NewAuthenticator creates an authenticator; vehicle names this service in
// the agents it mints.
func NewAuthenticator(cfg Config, vehicle string, log *slog.Logger) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{cfg: cfg, vehicle: vehicle, log: log}, nil
}

// Authenticate resolves the request's credentials to an agent.
func (a *Authenticator) Authenticate(r *http.Request) (*prov.Agent, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, fmt.Errorf("no bearer credentials presented")
	}
	if a.cfg.LegacyKey != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(a.cfg.LegacyKey)) == 1 {
		return prov.NewAgent(a.vehicle, prov.PublicClass, a.cfg.LegacyUser), nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if !a.cfg.requireExp() {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	}
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Key), nil
	}); err != nil {
		return nil, fmt.Errorf("invalid bearer token: %w", err)
	}
	return a.agentFromClaims(claims)
}

// agentFromClaims derives the acting agent from the token's claims: the
// subject becomes the user id, the agent_class and groups claims refine
// the agent.
func (a *Authenticator) agentFromClaims(claims jwt.MapClaims) (*prov.Agent, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["userId"].(string)
	}
	if sub == "" {
		return nil, fmt.Errorf("bearer token names no subject")
	}
	class := prov.PublicClass
	if c, _ := claims["agent_class"].(string); c == string(prov.AdminClass) {
		class = prov.AdminClass
	}
	agent := prov.NewAgent(a.vehicle, class, sub)
	if groups, ok := claims["groups"].([]any); ok {
		for _, g := range groups {
			if gid, ok := g.(string); ok && gid != "" {
				agent.AddGroup(gid)
			}
		}
	}
	return agent, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

type ctxKey struct{}

// WithAgent attaches the authenticated agent to a request context.
func WithAgent(ctx context.Context, agent *prov.Agent) context.Context {
	return context.WithValue(ctx, ctxKey{}, agent)
}

// AgentFrom returns the authenticated agent, or nil when the request was
// not authenticated.
func AgentFrom(ctx context.Context) *prov.Agent {
	agent, _ := ctx.Value(ctxKey{}).(*prov.Agent)
	return agent
}

// Middleware rejects unauthenticated requests with a 401 and stores the
// agent in the request context for the wrapped handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := a.Authenticate(r)
		if err != nil {
			a.log.Info("authentication refused", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"message": "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
	})
}
