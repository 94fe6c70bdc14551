package challenge

import (
	"sync"
	"time"
)

// DefaultCookieDomain scopes clearance cookies when the caller does not
// configure a domain of its own.
const DefaultCookieDomain = ".sora.chatgpt.com"

// CookieSink receives clearance cookies destined for an outbound session.
type CookieSink interface {
	SetCookie(name, value, domain string)
}

// State holds the clearance credentials shared by every outbound request: the
// cookie set and user-agent returned by the solving service. A single instance
// is wired through the client at startup; all request paths read from it and
// the solver replaces its contents wholesale after each successful solve.
//
// Credentials have no expiry timer. Staleness shows up as a fresh challenge on
// some request, which triggers the next solve.
type State struct {
	mu        sync.Mutex
	cookies   map[string]string
	userAgent string
	updatedAt time.Time
}

func NewState() *State {
	return &State{cookies: map[string]string{}}
}

// Cookies returns an independent copy of the current clearance cookies.
func (s *State) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.cookies))
	for name, value := range s.cookies {
		out[name] = value
	}
	return out
}

// UserAgent returns the user-agent the cookies were minted for, or "".
func (s *State) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

// IsValid reports whether a complete credential pair is present. Cookies and
// user-agent are only ever set together, so this is false the moment either
// is missing.
func (s *State) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cookies) > 0 && s.userAgent != ""
}

// LastUpdated returns the time of the last successful Update, zero if the
// state has never been populated or was cleared since.
func (s *State) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Update atomically replaces the entire credential set. Readers never observe
// cookies from one update paired with the user-agent of another.
func (s *State) Update(cookies map[string]string, userAgent string) {
	copied := make(map[string]string, len(cookies))
	for name, value := range cookies {
		copied[name] = value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = copied
	s.userAgent = userAgent
	s.updatedAt = time.Now()
}

// Clear resets the state to empty, e.g. after repeated challenge failures.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = map[string]string{}
	s.userAgent = ""
	s.updatedAt = time.Time{}
}

// HeaderOverrides returns the header patch a caller applies before sending:
// {"User-Agent": ua} when a user-agent is present, empty otherwise.
func (s *State) HeaderOverrides() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userAgent == "" {
		return map[string]string{}
	}
	return map[string]string{"User-Agent": s.userAgent}
}

// ApplyToSession pushes every clearance cookie into the sink, scoped to
// domain. An empty domain falls back to DefaultCookieDomain. No network I/O
// happens here; the sink is expected to be a session cookie jar.
func (s *State) ApplyToSession(sink CookieSink, domain string) {
	if domain == "" {
		domain = DefaultCookieDomain
	}
	for name, value := range s.Cookies() {
		sink.SetCookie(name, value, domain)
	}
}
