package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/hupe1980/researchmail/core"
)

// ErrNotFound is returned by a Store that holds no token.
var ErrNotFound = errors.New("credential: token not found")

// Store persists a single token.
type Store interface {
	Load() (*Token, error)
	Save(tok *Token) error
}

// authorizedUser is the on-disk format of an authorized user token file as
// written by Google's client libraries.
type authorizedUser struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// ClientSecretsPath names the OAuth client secrets file (credentials.json)
	// that supplies client id, secret and token URI when the token file
	// carries none.
	ClientSecretsPath string
}

// FileStore reads and writes an authorized user token file.
type FileStore struct {
	path string
	opts FileStoreOptions
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string, optFns ...func(o *FileStoreOptions)) *FileStore {
	opts := FileStoreOptions{}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &FileStore{path: path, opts: opts}
}

// Path returns the token file path.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load() (*Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credential: read %s: %w", s.path, err)
	}

	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("credential: parse %s: %w", s.path, err)
	}

	if au.Token == "" && au.RefreshToken == "" {
		return nil, ErrNotFound
	}

	tok := &Token{
		AccessToken:  core.Secret(au.Token),
		RefreshToken: core.Secret(au.RefreshToken),
		TokenURI:     au.TokenURI,
		ClientID:     au.ClientID,
		ClientSecret: core.Secret(au.ClientSecret),
		Scopes:       au.Scopes,
		Expiry:       au.Expiry,
	}

	if tok.ClientID == "" && s.opts.ClientSecretsPath != "" {
		if err := s.fillClient(tok); err != nil {
			return nil, err
		}
	}

	return tok, nil
}

// fillClient completes tok from the client secrets file. A missing file
// leaves tok unchanged; the refresh then fails as auth_expired.
func (s *FileStore) fillClient(tok *Token) error {
	data, err := os.ReadFile(s.opts.ClientSecretsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("credential: read %s: %w", s.opts.ClientSecretsPath, err)
	}

	cfg, err := google.ConfigFromJSON(data)
	if err != nil {
		return fmt.Errorf("credential: parse %s: %w", s.opts.ClientSecretsPath, err)
	}

	tok.ClientID = cfg.ClientID
	tok.ClientSecret = core.Secret(cfg.ClientSecret)

	if tok.TokenURI == "" {
		tok.TokenURI = cfg.Endpoint.TokenURL
	}

	return nil
}

// Save implements Store. The file is replaced atomically with mode 0600.
func (s *FileStore) Save(tok *Token) error {
	au := authorizedUser{
		Token:        tok.AccessToken.Reveal(),
		RefreshToken: tok.RefreshToken.Reveal(),
		TokenURI:     tok.TokenURI,
		ClientID:     tok.ClientID,
		ClientSecret: tok.ClientSecret.Reveal(),
		Scopes:       tok.Scopes,
		Expiry:       tok.Expiry.UTC(),
	}

	data, err := json.MarshalIndent(au, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("credential: write %s: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.path)
}

// MemoryStore keeps a token in memory.
type MemoryStore struct {
	mu    sync.Mutex
	tok   *Token
	saves int
}

// NewMemoryStore creates a MemoryStore holding tok (which may be nil).
func NewMemoryStore(tok *Token) *MemoryStore {
	return &MemoryStore{tok: tok.Clone()}
}

// Load implements Store.
func (s *MemoryStore) Load() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok == nil {
		return nil, ErrNotFound
	}

	return s.tok.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = tok.Clone()
	s.saves++

	return nil
}

// Saves returns how often Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves
}
