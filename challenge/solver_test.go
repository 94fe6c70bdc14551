package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type staticConfig struct {
	cfg SolverConfig
	err error
}

func (c staticConfig) SolverConfig() (SolverConfig, error) {
	return c.cfg, c.err
}

// newTestSolver swaps the real backoff for an instant one while recording the
// waits the solver would have taken.
func newTestSolver(t *testing.T, cfg SolverConfig, state *State) (*Solver, *[]time.Duration) {
	t.Helper()
	s := NewSolver(staticConfig{cfg: cfg}, state, zerolog.Nop())
	waits := &[]time.Duration{}
	s.backoff = func(attempt int) time.Duration {
		*waits = append(*waits, Backoff(attempt))
		return time.Millisecond
	}
	return s, waits
}

func TestBackoffIsLinear(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 6 * time.Second,
	} {
		if got := Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestSolveDisabledShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  SolverConfig
	}{
		{"disabled", SolverConfig{Enabled: false, APIURL: srv.URL}},
		{"no address", SolverConfig{Enabled: true, APIURL: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewState()
			s, _ := newTestSolver(t, tt.cfg, state)
			if res := s.Solve(context.Background(), 3); res != nil {
				t.Errorf("Solve = %+v, want nil", res)
			}
			if hits.Load() != 0 {
				t.Errorf("solving service was called %d times, want 0", hits.Load())
			}
			if state.IsValid() {
				t.Error("state should stay empty on short-circuit")
			}
		})
	}
}

func TestSolveSucceedsOnThirdAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"cookies":{"a":"1"},"user_agent":"UA","elapsed_seconds":4.2}`))
	}))
	defer srv.Close()

	state := NewState()
	s, waits := newTestSolver(t, SolverConfig{Enabled: true, APIURL: srv.URL}, state)

	res := s.Solve(context.Background(), 3)
	if res == nil {
		t.Fatal("Solve = nil, want result")
	}
	if res.Cookies["a"] != "1" || res.UserAgent != "UA" {
		t.Errorf("result = %+v, want cookies a=1 and UA", res)
	}
	if hits.Load() != 3 {
		t.Errorf("solving service called %d times, want 3", hits.Load())
	}
	if !state.IsValid() {
		t.Error("state should be valid after successful solve")
	}
	if got := state.Cookies()["a"]; got != "1" {
		t.Errorf("state cookie a = %q, want 1", got)
	}

	// Two failed attempts mean two backoff windows: 2s then 4s.
	wantWaits := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*waits) != len(wantWaits) {
		t.Fatalf("backoff invoked %d times, want %d", len(*waits), len(wantWaits))
	}
	for i, want := range wantWaits {
		if (*waits)[i] != want {
			t.Errorf("backoff[%d] = %v, want %v", i, (*waits)[i], want)
		}
	}
}

func TestSolveExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "failure envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"success":false,"error":"browser pool exhausted"}`))
			},
		},
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>not json</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			state := NewState()
			s, _ := newTestSolver(t, SolverConfig{Enabled: true, APIURL: srv.URL}, state)

			if res := s.Solve(context.Background(), 3); res != nil {
				t.Errorf("Solve = %+v, want nil", res)
			}
			if hits.Load() != 3 {
				t.Errorf("solving service called %d times, want 3", hits.Load())
			}
			if state.IsValid() {
				t.Error("state should stay empty after exhausted solve")
			}
		})
	}
}

// A success envelope without a complete credential pair is a soft failure:
// it is retried and never published into the shared state.
func TestSolveIncompletePayloadIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"success":true,"cookies":{},"user_agent":"UA"}`))
	}))
	defer srv.Close()

	state := NewState()
	s, _ := newTestSolver(t, SolverConfig{Enabled: true, APIURL: srv.URL}, state)

	if res := s.Solve(context.Background(), 2); res != nil {
		t.Errorf("Solve = %+v, want nil", res)
	}
	if hits.Load() != 2 {
		t.Errorf("solving service called %d times, want 2", hits.Load())
	}
	if state.IsValid() {
		t.Error("incomplete payload must not update the state")
	}
}

func TestSolveDefaultsMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, _ := newTestSolver(t, SolverConfig{Enabled: true, APIURL: srv.URL}, NewState())
	s.Solve(context.Background(), 0)

	if got := hits.Load(); got != DefaultMaxAttempts {
		t.Errorf("solving service called %d times, want %d", got, DefaultMaxAttempts)
	}
}

func TestSolveCanceledBetweenAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	state := NewState()
	s := NewSolver(staticConfig{cfg: SolverConfig{Enabled: true, APIURL: srv.URL}}, state, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.backoff = func(int) time.Duration {
		cancel() // cancel while the solver is waiting to retry
		return time.Minute
	}

	if res := s.Solve(ctx, 3); res != nil {
		t.Errorf("Solve = %+v, want nil", res)
	}
	if hits.Load() != 1 {
		t.Errorf("solving service called %d times, want 1", hits.Load())
	}
}

func TestSolveConfigError(t *testing.T) {
	s := NewSolver(staticConfig{err: context.DeadlineExceeded}, NewState(), zerolog.Nop())
	if res := s.Solve(context.Background(), 3); res != nil {
		t.Errorf("Solve = %+v, want nil", res)
	}
}
