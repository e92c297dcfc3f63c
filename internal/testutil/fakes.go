package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/tool/mail"
	"github.com/hupe1980/researchmail/tool/search"
)

// Searcher returns two fixed results and records the queries it saw. A zero
// key fails like an unconfigured backend.
type Searcher struct {
	mu      sync.Mutex
	queries []search.Query
	keys    []core.Secret
}

// Search implements search.Searcher.
func (s *Searcher) Search(_ context.Context, key core.Secret, q search.Query) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, q)
	s.keys = append(s.keys, key)

	if key.IsZero() {
		return nil, core.Errorf(core.KindInternal, "search API key is not configured")
	}

	return []search.Result{
		{Title: "Solar capacity doubles", URL: "https://example.com/solar", Content: "Solar leads " + q.Text, Score: 1},
		{Title: "Wind policy update", URL: "https://example.com/wind", Content: "Offshore wind", Score: 0.95},
	}, nil
}

// Queries returns the queries received so far.
func (s *Searcher) Queries() []search.Query {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]search.Query(nil), s.queries...)
}

// Keys returns the keys the queries were made with.
func (s *Searcher) Keys() []core.Secret {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]core.Secret(nil), s.keys...)
}

// Drafts is an in-memory draft service. Draft ids are draft-1, draft-2 and
// so on.
type Drafts struct {
	mu      sync.Mutex
	created []mail.Draft
	refs    map[string]mail.DraftRef
}

// CreateDraft implements mail.DraftService.
func (d *Drafts) CreateDraft(_ context.Context, _ *credential.Token, draft mail.Draft) (mail.DraftRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs == nil {
		d.refs = make(map[string]mail.DraftRef)
	}

	d.created = append(d.created, draft)
	ref := mail.DraftRef{DraftID: "draft-" + strconv.Itoa(len(d.created)), MessageID: "m-" + strconv.Itoa(len(d.created))}

	if draft.MessageID != "" {
		d.refs[draft.MessageID] = ref
	}

	return ref, nil
}

// FindDraftByMessageID implements mail.DraftService.
func (d *Drafts) FindDraftByMessageID(_ context.Context, _ *credential.Token, messageID string) (mail.DraftRef, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ref, ok := d.refs[messageID]

	return ref, ok, nil
}

// Created returns the drafts created so far.
func (d *Drafts) Created() []mail.Draft {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]mail.Draft(nil), d.created...)
}

// Credentials answers every lookup with a valid token, or with Err when set.
type Credentials struct {
	Err error
}

// Get implements mail.Credentials.
func (c Credentials) Get(context.Context, credential.Kind) (*credential.Token, error) {
	if c.Err != nil {
		return nil, c.Err
	}

	return &credential.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

// Status implements mail.Credentials.
func (c Credentials) Status(kind credential.Kind) credential.Status {
	if c.Err != nil {
		return credential.Status{Kind: kind, State: credential.StateAbsent}
	}

	return credential.Status{Kind: kind, State: credential.StateValid}
}

// MissingMailCredentials is the failure of a mail account that was never
// authorized.
func MissingMailCredentials() Credentials {
	return Credentials{Err: core.Errorf(core.KindAuthExpired, "mail credentials are missing, authorize the account first")}
}
