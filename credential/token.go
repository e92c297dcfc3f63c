// Package credential manages OAuth style credentials for external services.
// The Manager owns every token: it loads tokens from a Store, classifies
// them (absent, valid, expiring, expired, revoked), refreshes them through a
// Refresher and persists the result. Concurrent refreshes of the same
// credential collapse into one.
package credential

import (
	"time"

	"github.com/hupe1980/researchmail/core"
)

// Kind names a credential.
type Kind string

// KindMail is the mail service credential used for drafts.
const KindMail Kind = "mail"

// State is the lifecycle state of a credential.
type State string

const (
	// StateAbsent means no token is stored.
	StateAbsent State = "absent"
	// StateValid means the access token can be used as is.
	StateValid State = "valid"
	// StateExpiring means the token is valid but inside the refresh margin.
	StateExpiring State = "expiring"
	// StateExpired means the access token can no longer be used.
	StateExpired State = "expired"
	// StateRevoked means the grant was revoked; only a new interactive grant helps.
	StateRevoked State = "revoked"
)

// Token is an OAuth token together with what is needed to refresh it.
// Secret fields never render in logs or JSON.
type Token struct {
	AccessToken  core.Secret
	RefreshToken core.Secret
	TokenURI     string
	ClientID     string
	ClientSecret core.Secret
	Scopes       []string
	Expiry       time.Time
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Scopes = append([]string(nil), t.Scopes...)

	return &cp
}

// Status describes a credential without exposing secret material.
type Status struct {
	Kind            Kind      `json:"kind"`
	State           State     `json:"state"`
	Expiry          time.Time `json:"expiry,omitempty"`
	Scopes          []string  `json:"scopes,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}
