package proxy

import (
	"github.com/rs/zerolog"
)

// Config is the persisted proxy configuration. The resolver reads it fresh on
// every resolution; pool contents are derived cache that gets invalidated
// whenever this changes.
type Config struct {
	Enabled     bool
	URL         string
	PoolEnabled bool
}

// ConfigStore is the persistence collaborator behind the resolver.
type ConfigStore interface {
	ProxyConfig() (Config, error)
	UpdateProxyConfig(enabled bool, proxyURL string, poolEnabled bool) error
}

// Resolver picks the egress path for each outbound request. All failure modes
// resolve to "go direct"; a request is never blocked on proxy availability.
type Resolver struct {
	store ConfigStore
	pool  *Pool
	log   zerolog.Logger
}

func NewResolver(store ConfigStore, pool *Pool, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		pool:  pool,
		log:   log.With().Str("component", "proxyresolver").Logger(),
	}
}

// Resolve returns the proxy URL for the next outbound request; ok is false
// for a direct connection. With the pool enabled the strategies run in order,
// each only when the previous yielded nothing: pooled proxy, fixed proxy,
// direct.
func (r *Resolver) Resolve() (proxyURL string, ok bool) {
	cfg, err := r.store.ProxyConfig()
	if err != nil {
		r.log.Warn().Err(err).Msg("proxy config unavailable, going direct")
		return "", false
	}
	if !cfg.Enabled {
		return "", false
	}

	for _, strategy := range r.chain(cfg) {
		if proxyURL, ok = strategy(); ok {
			return proxyURL, true
		}
	}
	return "", false
}

// chain builds the ordered fallback chain for the current configuration.
func (r *Resolver) chain(cfg Config) []func() (string, bool) {
	fixed := func() (string, bool) { return cfg.URL, cfg.URL != "" }
	if cfg.PoolEnabled {
		return []func() (string, bool){r.pool.Next, fixed}
	}
	return []func() (string, bool){fixed}
}

// UpdateConfig persists the new proxy configuration, then resets the pool so
// the next resolution reflects the new config rather than a stale cursor.
func (r *Resolver) UpdateConfig(enabled bool, proxyURL string, poolEnabled bool) error {
	if err := r.store.UpdateProxyConfig(enabled, proxyURL, poolEnabled); err != nil {
		return err
	}
	r.pool.Reset()
	return nil
}
