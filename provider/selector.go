// Package provider selects the model backend for each model call. Candidates
// are tried in priority order; a candidate that fails with an outage is
// blacklisted for a fixed window and the call fails over to the next one.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
	"github.com/hupe1980/researchmail/model"
)

// Health is the selector's view of a candidate.
type Health string

const (
	// Healthy candidates are tried first.
	Healthy Health = "healthy"
	// Degraded candidates are tried after all healthy ones. A candidate is
	// degraded after its blacklist window elapsed or after it rate limited us.
	Degraded Health = "degraded"
	// Blacklisted candidates are skipped until their window elapses.
	Blacklisted Health = "blacklisted"
)

// Candidate is one configured model backend.
type Candidate struct {
	Name     string
	Endpoint string
	Model    model.Model
}

// Status is a point-in-time snapshot of a candidate.
type Status struct {
	Name             string            `json:"name"`
	Model            string            `json:"model"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Health           Health            `json:"health"`
	BlacklistedUntil time.Time         `json:"blacklisted_until,omitempty"`
	LastError        *core.ErrorRecord `json:"last_error,omitempty"`
}

// Options configure a Selector.
type Options struct {
	// BlacklistWindow is how long a failed candidate is skipped.
	BlacklistWindow time.Duration
	// CallTimeout bounds a single model call. Expiry counts as an outage of
	// the candidate.
	CallTimeout time.Duration
	Logger      logging.Logger
	// Now is the clock used for blacklist bookkeeping.
	Now func() time.Time
}

type entry struct {
	candidate Candidate
	health    Health
	until     time.Time
	lastErr   *core.ErrorRecord
}

// Selector is shared by all conversations of a process. It is safe for
// concurrent use.
type Selector struct {
	opts Options

	mu      sync.RWMutex
	entries []*entry
}

// NewSelector creates a selector over candidates in priority order.
func NewSelector(candidates []Candidate, optFns ...func(o *Options)) (*Selector, error) {
	opts := Options{
		BlacklistWindow: time.Minute,
		CallTimeout:     2 * time.Minute,
		Logger:          logging.NoOpLogger{},
		Now:             time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if len(candidates) == 0 {
		return nil, errors.New("provider: at least one candidate is required")
	}

	seen := map[string]bool{}
	entries := make([]*entry, 0, len(candidates))

	for _, c := range candidates {
		if c.Model == nil {
			return nil, fmt.Errorf("provider: candidate %q has no model", c.Name)
		}
		if c.Name == "" {
			c.Name = c.Model.Info().Provider
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("provider: duplicate candidate %q", c.Name)
		}
		seen[c.Name] = true

		entries = append(entries, &entry{candidate: c, health: Healthy})
	}

	return &Selector{opts: opts, entries: entries}, nil
}

// Generate runs req against the best available candidate, failing over on
// outages and rate limits. Streamed text is passed to onDelta and always
// concatenates to the returned response text: while another candidate could
// still take over, a candidate's deltas are held back until it succeeds. The
// last candidate in line streams live.
func (s *Selector) Generate(ctx context.Context, req model.Request, onDelta func(string)) (model.Response, error) {
	order := s.order()
	if len(order) == 0 {
		return model.Response{}, core.Errorf(core.KindAllProvidersUnavailable, "all model providers are unavailable")
	}

	var failures []error

	for i, e := range order {
		name := e.candidate.Name

		deliver := onDelta

		var held []string
		if onDelta != nil && i < len(order)-1 {
			deliver = func(d string) { held = append(held, d) }
		}

		start := s.opts.Now()
		resp, err := s.call(ctx, e.candidate.Model, req, deliver)
		dur := s.opts.Now().Sub(start)

		if err == nil {
			for _, d := range held {
				onDelta(d)
			}

			s.markSuccess(e)

			tokens := 0
			if resp.Usage != nil {
				tokens = resp.Usage.TotalTokens
			}
			logging.LogModelCall(s.opts.Logger, name, e.candidate.Model.Info().Name, tokens, dur, nil)

			return resp, nil
		}

		logging.LogModelCall(s.opts.Logger, name, e.candidate.Model.Info().Name, 0, dur, err)

		switch core.KindOf(err) {
		case core.KindProviderUnavailable:
			s.markBlacklisted(e, err)
		case core.KindRateLimited:
			s.markDegraded(e, err)
		default:
			return model.Response{}, err
		}

		failures = append(failures, fmt.Errorf("%s: %w", name, err))
		s.opts.Logger.Warn("provider.failover", "provider", name, "error", core.SafeMessage(err))
	}

	return model.Response{}, core.NewError(core.KindAllProvidersUnavailable, "all model providers are unavailable", errors.Join(failures...))
}

func (s *Selector) call(ctx context.Context, m model.Model, req model.Request, onDelta func(string)) (model.Response, error) {
	callCtx := ctx
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}

	resp, err := model.Collect(callCtx, m, req, onDelta)
	if err == nil {
		return resp, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Response{}, core.NewError(core.KindCancelled, "operation cancelled", ctxErr)
	}

	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
		e := core.NewError(core.KindProviderUnavailable, "model call timed out", err)
		e.Timeout = true
		return model.Response{}, e
	}

	var ce *core.Error
	if !errors.As(err, &ce) {
		return model.Response{}, model.ClassifyTransport(m.Info().Provider, err)
	}

	return model.Response{}, err
}

// order returns the candidates to try: healthy ones first, then degraded
// ones, each group in priority order. Expired blacklist entries are degraded.
func (s *Selector) order() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()

	var healthy, degraded []*entry

	for _, e := range s.entries {
		if e.health == Blacklisted && !now.Before(e.until) {
			e.health = Degraded
			e.until = time.Time{}
		}

		switch e.health {
		case Healthy:
			healthy = append(healthy, e)
		case Degraded:
			degraded = append(degraded, e)
		}
	}

	return append(healthy, degraded...)
}

func (s *Selector) markSuccess(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.health != Healthy {
		s.opts.Logger.Info("provider.restored", "provider", e.candidate.Name)
	}

	e.health = Healthy
	e.until = time.Time{}
	e.lastErr = nil
}

func (s *Selector) markBlacklisted(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.health = Blacklisted
	e.until = s.opts.Now().Add(s.opts.BlacklistWindow)
	e.lastErr = core.RecordOf(err)
}

func (s *Selector) markDegraded(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.health = Degraded
	e.lastErr = core.RecordOf(err)
}

// Snapshot returns the current status of every candidate in priority order.
func (s *Selector) Snapshot() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.opts.Now()
	out := make([]Status, 0, len(s.entries))

	for _, e := range s.entries {
		st := Status{
			Name:      e.candidate.Name,
			Model:     e.candidate.Model.Info().Name,
			Endpoint:  e.candidate.Endpoint,
			Health:    e.health,
			LastError: e.lastErr,
		}

		if e.health == Blacklisted {
			if now.Before(e.until) {
				st.BlacklistedUntil = e.until
			} else {
				st.Health = Degraded
			}
		}

		out = append(out, st)
	}

	return out
}
