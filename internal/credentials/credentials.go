// Package credentials stores the bearer token used to reach the cloud
// document store. A token file holds an OAuth2 token plus string metadata;
// when the metadata names a token endpoint, the token is refreshed
// silently and every refresh is written back to disk.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// Metadata keys that configure refresh.
const (
	MetaTokenURL     = "token_url"
	MetaClientID     = "client_id"
	MetaClientSecret = "client_secret"
	MetaScopes       = "scopes"
)

// ErrNotLoggedIn is returned when no token file exists.
var ErrNotLoggedIn = errors.New("credentials: no saved token")

// File is the on-disk format for token files.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a saved token file. Returns (nil, nil, nil) if the file does
// not exist.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("credentials: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("credentials: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, nil, fmt.Errorf("credentials: %s missing token field", path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes a token file atomically (temp file + rename) with 0600
// permissions. Never logs token values.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	data, err := json.MarshalIndent(File{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credentials: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("credentials: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: writing: %w", err)
	}

	// A power loss between close and rename must not leave a partial file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credentials: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credentials: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credentials: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string, logger *slog.Logger) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no token file to remove", slog.String("path", path))
		return nil
	}

	if err != nil {
		return fmt.Errorf("credentials: removing %s: %w", path, err)
	}

	logger.Info("removed token file", slog.String("path", path))

	return nil
}

// TokenSource loads the token at path and returns a source that refreshes
// it when the metadata carries a token_url, persisting each new token.
// ctx must outlive the source; refreshes run under it.
func TokenSource(ctx context.Context, path string, logger *slog.Logger) (oauth2.TokenSource, error) {
	tok, meta, err := Load(path)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("%w at %s", ErrNotLoggedIn, path)
	}

	logger.Info("loaded saved token",
		slog.String("path", path),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("refreshable", tok.RefreshToken != "" && meta[MetaTokenURL] != ""),
	)

	var src oauth2.TokenSource
	if cfg := oauthConfig(meta); cfg != nil && tok.RefreshToken != "" {
		src = cfg.TokenSource(ctx, tok)
	} else {
		src = oauth2.StaticTokenSource(tok)
	}

	return &persistingSource{
		src:    src,
		path:   path,
		meta:   meta,
		last:   tok.AccessToken,
		logger: logger,
	}, nil
}

func oauthConfig(meta map[string]string) *oauth2.Config {
	tokenURL := meta[MetaTokenURL]
	if tokenURL == "" {
		return nil
	}

	var scopes []string
	if s := strings.TrimSpace(meta[MetaScopes]); s != "" {
		scopes = strings.Fields(s)
	}

	return &oauth2.Config{
		ClientID:     meta[MetaClientID],
		ClientSecret: meta[MetaClientSecret],
		Scopes:       scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
}

// persistingSource saves every token whose access token differs from the
// last one it saw.
type persistingSource struct {
	src    oauth2.TokenSource
	path   string
	meta   map[string]string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		p.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("credentials: obtaining token: %w", err)
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()

	if changed {
		if err := Save(p.path, tok, p.meta); err != nil {
			p.logger.Warn("failed to persist refreshed token",
				slog.String("path", p.path),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.Info("persisted refreshed token",
				slog.String("path", p.path),
				slog.Time("new_expiry", tok.Expiry),
			)
		}
	}

	return tok, nil
}
