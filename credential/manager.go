package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
)

// Source binds a credential kind to its store and refresher.
type Source struct {
	Store     Store
	Refresher Refresher
}

// Options configure a Manager.
type Options struct {
	// RefreshMargin is how long before expiry a token counts as expiring and
	// is refreshed proactively.
	RefreshMargin time.Duration
	// RefreshTimeout bounds a single refresh, independent of the caller's
	// context so that one cancelled caller cannot abort a shared refresh.
	RefreshTimeout time.Duration
	Logger         logging.Logger
	Now            func() time.Time
}

type slot struct {
	source  Source
	loaded  bool
	token   *Token
	revoked bool
}

// Manager is the single owner of credential state. It is safe for concurrent
// use and shared by every conversation of a process.
type Manager struct {
	opts Options

	mu    sync.RWMutex
	slots map[Kind]*slot
	group singleflight.Group
}

// NewManager creates a Manager for the given sources.
func NewManager(sources map[Kind]Source, optFns ...func(o *Options)) *Manager {
	opts := Options{
		RefreshMargin:  5 * time.Minute,
		RefreshTimeout: 30 * time.Second,
		Logger:         logging.NoOpLogger{},
		Now:            time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	slots := make(map[Kind]*slot, len(sources))
	for k, src := range sources {
		if src.Refresher == nil {
			src.Refresher = &OAuth2Refresher{}
		}
		slots[k] = &slot{source: src}
	}

	return &Manager{opts: opts, slots: slots}
}

// Kinds returns the configured credential kinds.
func (m *Manager) Kinds() []Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Kind, 0, len(m.slots))
	for k := range m.slots {
		out = append(out, k)
	}

	return out
}

// State returns the lifecycle state of kind, loading it from its store on
// first use.
func (m *Manager) State(kind Kind) State {
	return m.Status(kind).State
}

// Status describes kind without exposing secret material.
func (m *Manager) Status(kind Kind) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Kind: kind, State: StateAbsent}

	s, ok := m.slots[kind]
	if !ok {
		return st
	}

	m.loadLocked(s)

	st.State = m.stateLocked(s)
	if s.token != nil {
		st.Expiry = s.token.Expiry
		st.Scopes = append([]string(nil), s.token.Scopes...)
		st.HasRefreshToken = !s.token.RefreshToken.IsZero()
	}

	return st
}

// Get returns a usable token for kind. Expiring and expired tokens are
// refreshed first; a failed refresh yields auth_expired and the current token
// is never handed out. Absent and revoked credentials yield auth_expired.
func (m *Manager) Get(ctx context.Context, kind Kind) (*Token, error) {
	m.mu.Lock()

	s, ok := m.slots[kind]
	if !ok {
		m.mu.Unlock()
		return nil, core.Errorf(core.KindAuthExpired, "no %s credentials configured", kind)
	}

	m.loadLocked(s)
	state := m.stateLocked(s)
	current := s.token.Clone()
	m.mu.Unlock()

	switch state {
	case StateValid:
		return current, nil
	case StateAbsent:
		return nil, core.Errorf(core.KindAuthExpired, "%s credentials are missing, authorize the account first", kind)
	case StateRevoked:
		return nil, core.Errorf(core.KindAuthExpired, "%s authorization was revoked, re-authorize the account", kind)
	}

	return m.refresh(ctx, kind)
}

// Refresh forces a refresh of kind. Concurrent calls share one refresh.
func (m *Manager) Refresh(ctx context.Context, kind Kind) error {
	_, err := m.refresh(ctx, kind)
	return err
}

// Revoke marks kind as revoked. Get fails until a new token is stored.
func (m *Manager) Revoke(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.slots[kind]; ok {
		s.loaded = true
		s.revoked = true
		m.opts.Logger.Warn("credential.revoked", "kind", kind)
	}
}

// Reload discards cached state so the next access reads the store again.
// It is used after an external grant deposited a new token.
func (m *Manager) Reload(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.slots[kind]; ok {
		s.loaded = false
		s.revoked = false
		s.token = nil
	}
}

func (m *Manager) refresh(ctx context.Context, kind Kind) (*Token, error) {
	ch := m.group.DoChan(string(kind), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()

		return m.doRefresh(rctx, kind)
	})

	select {
	case <-ctx.Done():
		return nil, core.NewError(core.KindCancelled, "operation cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token).Clone(), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, kind Kind) (*Token, error) {
	m.mu.Lock()

	s, ok := m.slots[kind]
	if !ok {
		m.mu.Unlock()
		return nil, core.Errorf(core.KindAuthExpired, "no %s credentials configured", kind)
	}

	m.loadLocked(s)

	if s.token == nil {
		m.mu.Unlock()
		return nil, core.Errorf(core.KindAuthExpired, "%s credentials are missing, authorize the account first", kind)
	}

	if s.revoked {
		m.mu.Unlock()
		return nil, core.Errorf(core.KindAuthExpired, "%s authorization was revoked, re-authorize the account", kind)
	}

	current := s.token.Clone()
	refresher := s.source.Refresher
	store := s.source.Store
	m.mu.Unlock()

	start := m.opts.Now()

	tok, err := refresher.Refresh(ctx, current)
	if err != nil {
		if IsRevoked(err) {
			m.Revoke(kind)
		}

		m.opts.Logger.Warn("credential.refresh.failed", "kind", kind, "error", core.SafeMessage(err))

		if IsRevoked(err) {
			return nil, err
		}

		return nil, errRefreshFailed(fmt.Sprintf("%s token refresh failed: %s", kind, core.SafeMessage(err)), err)
	}

	if err := store.Save(tok); err != nil {
		// The refreshed token is still usable for this process.
		m.opts.Logger.Warn("credential.persist.failed", "kind", kind, "error", err)
	}

	m.mu.Lock()
	s.token = tok.Clone()
	s.loaded = true
	s.revoked = false
	m.mu.Unlock()

	m.opts.Logger.Info("credential.refreshed", "kind", kind, "expiry", tok.Expiry, "duration", m.opts.Now().Sub(start))

	return tok, nil
}

func (m *Manager) loadLocked(s *slot) {
	if s.loaded {
		return
	}

	s.loaded = true

	tok, err := s.source.Store.Load()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.opts.Logger.Warn("credential.load.failed", "error", err)
		}
		s.token = nil
		return
	}

	s.token = tok
}

func (m *Manager) stateLocked(s *slot) State {
	switch {
	case s.revoked:
		return StateRevoked
	case s.token == nil:
		return StateAbsent
	case s.token.AccessToken.IsZero():
		return StateExpired
	case s.token.Expiry.IsZero():
		return StateValid
	}

	now := m.opts.Now()

	switch {
	case !now.Before(s.token.Expiry):
		return StateExpired
	case !now.Add(m.opts.RefreshMargin).Before(s.token.Expiry):
		return StateExpiring
	default:
		return StateValid
	}
}
