package credential

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hupe1980/researchmail/core"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, tok *Token) (*Token, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, tok *Token) (*Token, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, tok *Token) (*Token, error) { return f(ctx, tok) }

// DefaultTokenURI is used when a token file does not name one.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// OAuth2Refresher refreshes tokens against the token URI recorded in the
// token using golang.org/x/oauth2.
type OAuth2Refresher struct {
	// HTTPClient is used for the token request when set.
	HTTPClient *http.Client
}

// Refresh implements Refresher. An invalid_grant answer is reported as a
// revoked credential; server and network failures as transient.
func (r *OAuth2Refresher) Refresh(ctx context.Context, tok *Token) (*Token, error) {
	if tok.RefreshToken.IsZero() {
		return nil, errRevoked("no refresh token available", nil)
	}

	tokenURI := tok.TokenURI
	if tokenURI == "" {
		tokenURI = DefaultTokenURI
	}

	cfg := &oauth2.Config{
		ClientID:     tok.ClientID,
		ClientSecret: tok.ClientSecret.Reveal(),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURI, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       tok.Scopes,
	}

	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	// An empty access token forces the token source to refresh.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken.Reveal()})

	nt, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	out := tok.Clone()
	out.AccessToken = core.Secret(nt.AccessToken)
	out.Expiry = nt.Expiry

	if nt.RefreshToken != "" {
		out.RefreshToken = core.Secret(nt.RefreshToken)
	}

	return out, nil
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant":
			return errRevoked("mail authorization was revoked, re-authorize the account", err)
		case re.Response != nil && re.Response.StatusCode >= 500:
			return core.NewError(core.KindTransient, "token endpoint unavailable", err)
		case re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests:
			e := core.NewError(core.KindRateLimited, "token endpoint rate limited", err)
			e.RetryAfter = time.Second
			return e
		default:
			return core.NewError(core.KindAuthExpired, "token refresh rejected", err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return core.NewError(core.KindCancelled, "operation cancelled", err)
	}

	return core.NewError(core.KindTransient, "token endpoint unreachable", err)
}

// revokedError marks a refresh failure that invalidates the grant.
type revokedError struct{ err *core.Error }

func (e revokedError) Error() string { return e.err.Error() }

func (e revokedError) Unwrap() error { return e.err }

func errRevoked(reason string, cause error) error {
	return revokedError{err: core.NewError(core.KindAuthExpired, reason, cause)}
}

// IsRevoked reports whether err reports a revoked grant.
func IsRevoked(err error) bool {
	var re revokedError
	return errors.As(err, &re)
}

// refreshError marks an auth_expired failure caused by a failed refresh.
type refreshError struct{ err *core.Error }

func (e refreshError) Error() string { return e.err.Error() }

func (e refreshError) Unwrap() error { return e.err }

func errRefreshFailed(reason string, cause error) error {
	return refreshError{err: core.NewError(core.KindAuthExpired, reason, cause)}
}

// IsRefreshFailure reports whether err comes from a refresh that already
// failed, so refreshing again cannot help. Revoked grants count as failures.
func IsRefreshFailure(err error) bool {
	var re refreshError
	return errors.As(err, &re) || IsRevoked(err)
}
