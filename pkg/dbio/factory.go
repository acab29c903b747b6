package dbio

import (
	"log/slog"

	"github.com/midas-platform/midas/pkg/prov"
)

// Factory creates DBIO clients bound to a shared backend and policy
// configuration. The top-level application owns one factory per backend.
type Factory struct {
	backend Backend
	cfg     ClientConfig
	people  PeopleService
	log     *slog.Logger
}

// FactoryOption adjusts optional factory collaborators.
type FactoryOption func(*Factory)

// FactoryWithPeopleService attaches a staff directory to every client the
// factory creates.
func FactoryWithPeopleService(svc PeopleService) FactoryOption {
	return func(f *Factory) { f.people = svc }
}

// FactoryWithLogger sets the logger clients report through.
func FactoryWithLogger(log *slog.Logger) FactoryOption {
	return func(f *Factory) { f.log = log }
}

// NewFactory creates a client factory over the backend.
func NewFactory(backend Backend, cfg ClientConfig, opts ...FactoryOption) *Factory {
	f := &Factory{backend: backend, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Backend returns the factory's shared backend.
func (f *Factory) Backend() Backend { return f.backend }

// NewClient creates a client over the given project collection acting as
// the given agent. Each client owns its own group cache and must not be
// shared across actors.
func (f *Factory) NewClient(projcoll string, who *prov.Agent) *Client {
	opts := []ClientOption{WithLogger(f.log)}
	if f.people != nil {
		opts = append(opts, WithPeopleService(f.people))
	}
	return NewClient(f.backend, projcoll, who, f.cfg, opts...)
}
