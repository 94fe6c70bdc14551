package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxAttempts bounds a single solve run.
const DefaultMaxAttempts = 3

// attemptTimeout is sized for a slow browser-automation pipeline on the other
// end of the solving service, not a plain API call.
const attemptTimeout = 120 * time.Second

// SolverConfig gates the solver. Both fields come from the settings store and
// are read fresh on every solve run.
type SolverConfig struct {
	Enabled bool
	APIURL  string
}

// ConfigSource supplies the current solver configuration.
type ConfigSource interface {
	SolverConfig() (SolverConfig, error)
}

// Result is the credential pair returned by a successful solve.
type Result struct {
	Cookies   map[string]string
	UserAgent string
}

// solveEnvelope is the solving-service response body.
type solveEnvelope struct {
	Success        bool              `json:"success"`
	Cookies        map[string]string `json:"cookies"`
	UserAgent      string            `json:"user_agent"`
	Error          string            `json:"error"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
}

// Solver obtains fresh clearance credentials from the external solving service
// and publishes them into the shared State. Every failure mode is absorbed:
// Solve returns nil after exhausting its attempts and never propagates an
// error to the request path that triggered it.
type Solver struct {
	config  ConfigSource
	state   *State
	client  *http.Client
	backoff func(attempt int) time.Duration
	log     zerolog.Logger
}

func NewSolver(config ConfigSource, state *State, log zerolog.Logger) *Solver {
	return &Solver{
		config:  config,
		state:   state,
		client:  &http.Client{Timeout: attemptTimeout},
		backoff: Backoff,
		log:     log.With().Str("component", "solver").Logger(),
	}
}

// Backoff returns the wait after a failed attempt (1-based): 2s, 4s, 6s, ...
// No wait follows the final attempt.
func Backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 2 * time.Second
}

// Solve calls the solving service up to maxAttempts times (DefaultMaxAttempts
// when maxAttempts <= 0) and returns the credential pair, or nil once the
// attempts are exhausted or the solver is not configured. A successful solve
// updates the shared State before returning, so concurrent requests pick up
// the new credentials immediately.
func (s *Solver) Solve(ctx context.Context, maxAttempts int) *Result {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	cfg, err := s.config.SolverConfig()
	if err != nil {
		s.log.Warn().Err(err).Msg("solver config unavailable")
		return nil
	}
	if !cfg.Enabled || cfg.APIURL == "" {
		s.log.Warn().Msg("solving service disabled or unaddressed, skipping solve")
		return nil
	}

	runID := uuid.New().String()[:8]
	log := s.log.With().Str("run", runID).Logger()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info().Int("attempt", attempt).Int("max", maxAttempts).Msg("calling solving service")

		res, err := s.attempt(ctx, cfg.APIURL, log)
		if err == nil {
			s.state.Update(res.Cookies, res.UserAgent)
			log.Info().Int("cookies", len(res.Cookies)).Msg("clearance credentials updated")
			return res
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("solve attempt failed")

		if attempt < maxAttempts {
			wait := s.backoff(attempt)
			log.Info().Dur("wait", wait).Msg("backing off before retry")
			select {
			case <-ctx.Done():
				log.Warn().Err(ctx.Err()).Msg("solve run canceled")
				return nil
			case <-time.After(wait):
			}
		}
	}

	log.Error().Int("attempts", maxAttempts).Msg("solving service exhausted all attempts")
	return nil
}

// attempt performs a single GET against the solving service. Any transport
// fault, non-200 status, failure envelope or incomplete payload comes back as
// an error for the retry loop to absorb.
func (s *Solver) attempt(ctx context.Context, apiURL string, log zerolog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solving service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var env solveEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed solving service response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("solving service reported failure: %s", env.Error)
	}
	// A success envelope without a usable credential pair is retried rather
	// than published half-empty.
	if len(env.Cookies) == 0 || env.UserAgent == "" {
		return nil, fmt.Errorf("solving service payload incomplete: %d cookies, user-agent %q", len(env.Cookies), env.UserAgent)
	}

	log.Info().Float64("elapsed_seconds", env.ElapsedSeconds).Msg("solving service succeeded")
	return &Result{Cookies: env.Cookies, UserAgent: env.UserAgent}, nil
}
