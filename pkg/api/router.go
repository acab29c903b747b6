package api

import (
	"log/slog"
	"net/http"

	"github.com/midas-platform/midas/pkg/auth"
	"github.com/midas-platform/midas/pkg/observability"
)

// RouterConfig wires the handler set into one HTTP surface.
type RouterConfig struct {
	// Records maps "service/convention" path prefixes (e.g. "dmp/mdm1")
	// to their record handlers.
	Records map[string]*RecordService
	// ExternalReviews maps callback path prefixes (e.g. "extrev/nps/leg")
	// to their handlers.
	ExternalReviews map[string]http.Handler
	// Resolver answers /id/ requests; AIP answers /aip/. Both are
	// public and skip authentication.
	Resolver http.Handler
	AIP      http.Handler

	// Authn guards the authoring endpoints.
	Authn *auth.Authenticator
	// RateLimit, when set, sheds load across the whole surface.
	RateLimit *GlobalRateLimiter
	// Obs, when set, instruments every request.
	Obs *observability.Provider
	// CORSOrigins lists the origins allowed to call the API from a
	// browser; empty allows all.
	CORSOrigins []string
	Log         *slog.Logger
}

// NewRouter assembles the service mux: authenticated authoring endpoints,
// the legacy review callbacks, and the public resolvers, all behind the
// logging and rate-limit middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	mux := http.NewServeMux()

	authed := func(h http.Handler) http.Handler {
		if cfg.Authn == nil {
			return h
		}
		return cfg.Authn.Middleware(h)
	}

	for prefix, h := range cfg.Records {
		h.SetTelemetry(cfg.Obs)
		route := "/" + prefix + "/"
		mux.Handle(route, http.StripPrefix("/"+prefix, authed(h)))
	}
	for prefix, h := range cfg.ExternalReviews {
		route := "/" + prefix + "/"
		mux.Handle(route, http.StripPrefix("/"+prefix, authed(h)))
	}
	if cfg.Resolver != nil {
		mux.Handle("/id/", http.StripPrefix("/id", cfg.Resolver))
	}
	if cfg.AIP != nil {
		mux.Handle("/aip/", http.StripPrefix("/aip", cfg.AIP))
	}

	var handler http.Handler = mux
	if cfg.RateLimit != nil {
		handler = cfg.RateLimit.Middleware(handler)
	}
	if cfg.Obs != nil {
		handler = cfg.Obs.Middleware(handler)
	}
	handler = CORS(cfg.CORSOrigins)(handler)
	return RequestID(Logging(cfg.Log)(handler))
}
