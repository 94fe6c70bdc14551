package session

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"cfbroker/challenge"
	"cfbroker/proxy"
)

// SolveFunc obtains fresh clearance credentials and publishes them into the
// shared state; nil means the solve failed and the challenge stands.
type SolveFunc func(ctx context.Context) *challenge.Result

var solveMu sync.Mutex

// Do sends a request through the session. A Cloudflare challenge response
// triggers one solve (deduplicated against concurrent callers) and one replay
// with the refreshed credentials; transient transport faults get one retry on
// a rotated proxy. In every failure case the caller receives either the
// original response or the original error, never a panic or a synthetic one.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := s.sendWithRotation(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return resp, nil
	}

	// Candidate challenge: the body has to be read to classify it, then
	// restored so an unconvinced caller still gets a usable response.
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if !challenge.IsChallenge(resp.StatusCode, resp.Header, string(body)) {
		return resp, nil
	}
	s.log.Info().Int("status", resp.StatusCode).Msg("challenge detected")

	if !s.refreshClearance(req.Context(), start) {
		return resp, nil
	}
	s.Prepare()

	clone, ok := replayableClone(req)
	if !ok {
		s.log.Warn().Msg("request body not replayable, returning challenge response")
		return resp, nil
	}
	retry, err := s.sendWithRotation(clone)
	if err != nil {
		s.log.Warn().Err(err).Msg("replay after solve failed")
		return resp, nil
	}
	return retry, nil
}

// refreshClearance makes sure fresh credentials exist, solving at most once
// across concurrent challenged requests: whoever holds the lock first solves,
// everyone queued behind reuses the state that solve produced.
func (s *Session) refreshClearance(ctx context.Context, since time.Time) bool {
	solveMu.Lock()
	defer solveMu.Unlock()

	if s.state.IsValid() && s.state.LastUpdated().After(since) {
		return true
	}
	if s.solve == nil {
		return false
	}
	return s.solve(ctx) != nil
}

// sendWithRotation sends the request, retrying once on a rotated proxy when
// the failure is a transient transport fault.
func (s *Session) sendWithRotation(req *http.Request) (*http.Response, error) {
	resp, err := s.send(req)
	if err == nil || !IsRetryable(err) || s.proxies == nil {
		return resp, err
	}

	next, ok := s.proxies.Resolve()
	if !ok {
		return nil, err
	}
	clone, replayable := replayableClone(req)
	if !replayable {
		return nil, err
	}
	if perr := s.client.SetProxy(next); perr != nil {
		return nil, err
	}
	s.log.Warn().Err(err).Str("proxy", proxy.Display(next)).Msg("transport fault, retrying on rotated proxy")
	return s.send(clone)
}

// send applies the shared user-agent override and dispatches the request.
func (s *Session) send(req *http.Request) (*http.Response, error) {
	for name, value := range s.state.HeaderOverrides() {
		req.Header.Set(name, value)
	}
	return s.client.Do(req)
}

// replayableClone clones a request for resending. Requests with a consumed
// body and no GetBody cannot be replayed.
func replayableClone(req *http.Request) (*http.Request, bool) {
	clone := req.Clone(req.Context())
	if req.Body == nil {
		return clone, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	clone.Body = body
	return clone, true
}

// readBody decompresses and drains the response body, closing it.
func readBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}
