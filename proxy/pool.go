package proxy

import (
	"sync"

	"github.com/rs/zerolog"
)

// Pool rotates round-robin through a proxy list loaded from a Source. One
// mutex guards both the entry slice and the cursor, so each index is handed
// out exactly once per full cycle no matter how callers interleave.
type Pool struct {
	mu      sync.Mutex
	entries []string
	cursor  int
	source  Source
	log     zerolog.Logger
}

func NewPool(source Source, log zerolog.Logger) *Pool {
	return &Pool{
		source: source,
		log:    log.With().Str("component", "proxypool").Logger(),
	}
}

// Next returns the next pooled proxy in strict cyclic order, lazily loading
// the list on first use or after a Reset. ok is false when the source yields
// nothing; the resolver then falls back to the fixed proxy.
func (p *Pool) Next() (proxyURL string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		p.entries = p.load()
		p.cursor = 0
	}
	if len(p.entries) == 0 {
		return "", false
	}

	proxyURL = p.entries[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.entries)
	return proxyURL, true
}

// Reload discards the cached list, loads fresh from the source and returns
// the new entry count. The cursor restarts at the head of the list.
func (p *Pool) Reload() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = p.load()
	p.cursor = 0
	return len(p.entries)
}

// Reset clears the cached list without touching the source; the next call to
// Next reloads lazily. Called when the proxy configuration changes so stale
// rotation state can never outlive its config.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
	p.cursor = 0
}

// Count probes the source fresh and returns its size. It neither consults nor
// mutates cached rotation state, so it is safe to call from introspection
// paths while rotation is in flight.
func (p *Pool) Count() int {
	entries, err := p.source.Load()
	if err != nil {
		p.log.Warn().Err(err).Msg("proxy list unavailable")
		return 0
	}
	return len(entries)
}

// load absorbs source failures into an empty list. Pool unavailability
// degrades to "no pooled proxies", never a hard error.
func (p *Pool) load() []string {
	entries, err := p.source.Load()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load proxy pool")
		return nil
	}
	p.log.Info().Int("proxies", len(entries)).Msg("proxy pool loaded")
	return entries
}
