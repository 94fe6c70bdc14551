// Package session prepares outbound tls-client sessions: egress proxy
// selection, clearance cookie and user-agent application, and challenge-aware
// request execution on top of the shared credential state.
package session

import (
	"errors"
	"net/url"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/rs/zerolog"

	"cfbroker/challenge"
	"cfbroker/proxy"
)

// ProxySource yields the egress proxy for a session; ok false means direct.
type ProxySource interface {
	Resolve() (string, bool)
}

// Options configures a new Session. State is required; everything else has a
// usable zero value.
type Options struct {
	State          *challenge.State
	Solve          SolveFunc
	Proxies        ProxySource
	Domain         string // clearance cookie domain, default challenge.DefaultCookieDomain
	Profile        *profiles.ClientProfile
	Logger         zerolog.Logger
	TimeoutSeconds int
}

// Session wraps a tls-client HTTP client that carries the shared clearance
// credentials. Safe for concurrent use.
type Session struct {
	client  tls_client.HttpClient
	state   *challenge.State
	solve   SolveFunc
	proxies ProxySource
	domain  string
	log     zerolog.Logger
}

// New builds a session with a browser TLS profile, a cookie jar and an egress
// proxy picked by the resolver, then applies the current clearance state.
func New(opts Options) (*Session, error) {
	if opts.State == nil {
		return nil, errors.New("session: clearance state is required")
	}

	profile := profiles.DefaultClientProfile
	if opts.Profile != nil {
		profile = *opts.Profile
	}
	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}

	jar := tls_client.NewCookieJar()
	clientOpts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeout),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	log := opts.Logger.With().Str("component", "session").Logger()

	if opts.Proxies != nil {
		if proxyURL, ok := opts.Proxies.Resolve(); ok {
			clientOpts = append(clientOpts, tls_client.WithProxyUrl(proxyURL))
			log.Info().Str("proxy", proxy.Display(proxyURL)).Msg("session egress via proxy")
		}
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), clientOpts...)
	if err != nil {
		return nil, err
	}

	domain := opts.Domain
	if domain == "" {
		domain = challenge.DefaultCookieDomain
	}

	s := &Session{
		client:  client,
		state:   opts.State,
		solve:   opts.Solve,
		proxies: opts.Proxies,
		domain:  domain,
		log:     log,
	}
	s.Prepare()
	return s, nil
}

// Prepare applies the current shared clearance cookies to this session's
// cookie jar. Called on construction and again after every solve.
func (s *Session) Prepare() {
	s.state.ApplyToSession(jarSink{client: s.client}, s.domain)
}

// Client exposes the underlying tls-client for callers that need raw access.
func (s *Session) Client() tls_client.HttpClient {
	return s.client
}

// jarSink adapts the tls-client cookie jar to the challenge.CookieSink
// contract.
type jarSink struct {
	client tls_client.HttpClient
}

func (j jarSink) SetCookie(name, value, domain string) {
	u := &url.URL{Scheme: "https", Host: strings.TrimPrefix(domain, ".")}
	j.client.SetCookies(u, []*http.Cookie{{
		Name:   name,
		Value:  value,
		Domain: domain,
		Path:   "/",
	}})
}
