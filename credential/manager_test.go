package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func tokenExpiringAt(exp time.Time) *Token {
	return &Token{
		AccessToken:  "access-old",
		RefreshToken: "refresh-1",
		ClientID:     "client",
		ClientSecret: "client-secret",
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.compose"},
		Expiry:       exp,
	}
}

func newManager(store Store, r Refresher) *Manager {
	return NewManager(map[Kind]Source{KindMail: {Store: store, Refresher: r}}, func(o *Options) {
		o.RefreshMargin = 5 * time.Minute
		o.Now = func() time.Time { return epoch }
	})
}

func staticRefresher(calls *atomic.Int32) RefresherFunc {
	return func(_ context.Context, tok *Token) (*Token, error) {
		calls.Add(1)
		out := tok.Clone()
		out.AccessToken = "access-new"
		out.Expiry = epoch.Add(time.Hour)
		return out, nil
	}
}

func TestManager_States(t *testing.T) {
	tests := []struct {
		name string
		tok  *Token
		want State
	}{
		{"absent", nil, StateAbsent},
		{"valid", tokenExpiringAt(epoch.Add(time.Hour)), StateValid},
		{"no expiry", tokenExpiringAt(time.Time{}), StateValid},
		{"expiring", tokenExpiringAt(epoch.Add(time.Minute)), StateExpiring},
		{"expired", tokenExpiringAt(epoch.Add(-time.Minute)), StateExpired},
		{"refresh only", &Token{RefreshToken: "r"}, StateExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(NewMemoryStore(tt.tok), nil)
			assert.Equal(t, tt.want, m.State(KindMail))
		})
	}
}

func TestManager_GetRefreshesExpiredToken(t *testing.T) {
	var calls atomic.Int32
	store := NewMemoryStore(tokenExpiringAt(epoch.Add(-time.Minute)))
	m := newManager(store, staticRefresher(&calls))

	tok, err := m.Get(context.Background(), KindMail)
	require.NoError(t, err)
	assert.Equal(t, "access-new", tok.AccessToken.Reveal())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, store.Saves())
	assert.Equal(t, StateValid, m.State(KindMail))

	// Valid now: no further refresh.
	_, err = m.Get(context.Background(), KindMail)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_RefreshFailureIsAuthExpired(t *testing.T) {
	cause := core.Errorf(core.KindTransient, "token endpoint unreachable")

	tests := []struct {
		name  string
		tok   *Token
		cause error
	}{
		{"expiring transient", tokenExpiringAt(epoch.Add(time.Minute)), cause},
		{"expired transient", tokenExpiringAt(epoch.Add(-time.Minute)), cause},
		{"expired rate limited", tokenExpiringAt(epoch.Add(-time.Minute)), &core.Error{Kind: core.KindRateLimited, Reason: "quota", RetryAfter: time.Second}},
		{"expiring plain error", tokenExpiringAt(epoch.Add(time.Minute)), errors.New("dial tcp: refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			m := newManager(NewMemoryStore(tt.tok), RefresherFunc(func(context.Context, *Token) (*Token, error) {
				calls.Add(1)
				return nil, tt.cause
			}))

			tok, err := m.Get(context.Background(), KindMail)
			require.Error(t, err)
			assert.Nil(t, tok)
			assert.Equal(t, core.KindAuthExpired, core.KindOf(err))
			assert.True(t, IsRefreshFailure(err))
			assert.False(t, IsRevoked(err))
			assert.ErrorIs(t, err, tt.cause)
			assert.NotContains(t, err.Error(), "access-old")
			assert.NotContains(t, err.Error(), "refresh-1")
			assert.EqualValues(t, 1, calls.Load())

			assert.Equal(t, core.KindAuthExpired, core.KindOf(m.Refresh(context.Background(), KindMail)))
		})
	}
}

func TestManager_AbsentAndRevoked(t *testing.T) {
	m := newManager(NewMemoryStore(nil), nil)

	_, err := m.Get(context.Background(), KindMail)
	assert.Equal(t, core.KindAuthExpired, core.KindOf(err))

	_, err = m.Get(context.Background(), Kind("calendar"))
	assert.Equal(t, core.KindAuthExpired, core.KindOf(err))

	m = newManager(NewMemoryStore(tokenExpiringAt(epoch.Add(time.Hour))), nil)
	m.Revoke(KindMail)
	assert.Equal(t, StateRevoked, m.State(KindMail))

	_, err = m.Get(context.Background(), KindMail)
	assert.Equal(t, core.KindAuthExpired, core.KindOf(err))
	assert.NotContains(t, err.Error(), "access-old")

	m.Reload(KindMail)
	assert.Equal(t, StateValid, m.State(KindMail))
}

func TestManager_ConcurrentRefreshesCollapse(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	m := newManager(NewMemoryStore(tokenExpiringAt(epoch.Add(-time.Minute))), RefresherFunc(func(ctx context.Context, tok *Token) (*Token, error) {
		calls.Add(1)
		<-release
		return staticRefresher(&atomic.Int32{})(ctx, tok)
	}))

	var wg sync.WaitGroup
	errs := make([]error, 8)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Refresh(context.Background(), KindMail)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_RefreshRevokedGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	tok := tokenExpiringAt(epoch.Add(-time.Minute))
	tok.TokenURI = srv.URL

	m := newManager(NewMemoryStore(tok), &OAuth2Refresher{HTTPClient: srv.Client()})

	err := m.Refresh(context.Background(), KindMail)
	assert.Equal(t, core.KindAuthExpired, core.KindOf(err))
	assert.True(t, IsRevoked(err))
	assert.Equal(t, StateRevoked, m.State(KindMail))
}

func TestOAuth2Refresher_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tok := tokenExpiringAt(epoch)
	tok.TokenURI = srv.URL

	r := &OAuth2Refresher{HTTPClient: srv.Client()}
	out, err := r.Refresh(context.Background(), tok)
	require.NoError(t, err)

	assert.Equal(t, "access-fresh", out.AccessToken.Reveal())
	assert.Equal(t, "refresh-1", out.RefreshToken.Reveal())
	assert.True(t, out.Expiry.After(time.Now()))
}

func TestOAuth2Refresher_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tok := tokenExpiringAt(epoch)
	tok.TokenURI = srv.URL

	_, err := (&OAuth2Refresher{HTTPClient: srv.Client()}).Refresh(context.Background(), tok)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
	assert.False(t, IsRevoked(err))

	_, err = (&OAuth2Refresher{}).Refresh(context.Background(), &Token{AccessToken: "a"})
	assert.True(t, IsRevoked(err))
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials", "token.json")
	s := NewFileStore(path)

	_, err := s.Load()
	assert.True(t, errors.Is(err, ErrNotFound))

	tok := tokenExpiringAt(epoch.Add(time.Hour))
	require.NoError(t, s.Save(tok))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"refresh_token": "refresh-1"`)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-old", got.AccessToken.Reveal())
	assert.Equal(t, "client-secret", got.ClientSecret.Reveal())
	assert.True(t, tok.Expiry.Equal(got.Expiry))
	assert.Equal(t, tok.Scopes, got.Scopes)
}

func TestFileStore_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestFileStore_ClientSecretsFillMissingClient(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token.json")
	secretsPath := filepath.Join(dir, "credentials.json")

	require.NoError(t, os.WriteFile(tokenPath, []byte(`{"token":"access-old","refresh_token":"refresh-1"}`), 0o600))
	require.NoError(t, os.WriteFile(secretsPath, []byte(`{"installed":{
		"client_id":"client-from-file",
		"client_secret":"secret-from-file",
		"auth_uri":"https://accounts.google.com/o/oauth2/auth",
		"token_uri":"https://oauth2.googleapis.com/token",
		"redirect_uris":["http://localhost"]
	}}`), 0o600))

	s := NewFileStore(tokenPath, func(o *FileStoreOptions) { o.ClientSecretsPath = secretsPath })

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "client-from-file", got.ClientID)
	assert.Equal(t, "secret-from-file", got.ClientSecret.Reveal())
	assert.Equal(t, "https://oauth2.googleapis.com/token", got.TokenURI)

	// A missing secrets file leaves the token as stored.
	s = NewFileStore(tokenPath, func(o *FileStoreOptions) { o.ClientSecretsPath = filepath.Join(dir, "missing.json") })

	got, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, got.ClientID)
}

func TestStatus_HasNoSecrets(t *testing.T) {
	m := newManager(NewMemoryStore(tokenExpiringAt(epoch.Add(time.Hour))), nil)

	b, err := json.Marshal(m.Status(KindMail))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "access-old")
	assert.NotContains(t, string(b), "refresh-1")
	assert.Contains(t, string(b), `"state":"valid"`)
}
