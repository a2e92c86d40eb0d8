// Package credstore implements the credential store: a filesystem-backed
// JSON credential file plus the token-refresh flow the Relay Link uses to
// recover from an expired bearer token.
//
// Grounded on pkg/fleet/store_sqlite.go's atomic-persistence discipline
// (write-then-rename is this stack's idiom for durable local state) and on
// this stack's config loader for field-tag conventions; the refresh flow
// itself is new, built on golang.org/x/oauth2/clientcredentials the way
// this stack's go.mod already commits to that library for any
// token-bearing external call.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/agentrelay/broker/pkg/logger"
)

// Credentials is the on-disk shape of <project>/.agent-relay/relaycast.json.
type Credentials struct {
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	APIKey      string    `json:"api_key"`
	AgentName   string    `json:"agent_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const credFileMode = 0o600

// credPath returns the fixed relative location of the credential file
// under the project directory.
func credPath(projectDir string) string {
	return filepath.Join(projectDir, ".agent-relay", "relaycast.json")
}

// Load reads the credential file. A missing file is reported as an *os.PathError
// the caller can check with os.IsNotExist, since first-run bootstrap (via
// `agent-relay auth login`) is expected to create it.
func Load(projectDir string) (*Credentials, error) {
	data, err := os.ReadFile(credPath(projectDir))
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return &c, nil
}

// Save atomically writes creds to disk via a temp file plus rename, mode
// 600, so a crash mid-write never leaves a torn or world-readable file.
func Save(projectDir string, creds *Credentials) error {
	dir := filepath.Dir(credPath(projectDir))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".relaycast-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Chmod(credFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Rename(tmpPath, credPath(projectDir)); err != nil {
		return fmt.Errorf("rename credential file into place: %w", err)
	}
	return nil
}

// Store implements relaylink.TokenSource: it hands out the current
// in-memory api_key and, on Rotate, exchanges it for a fresh one via the
// client-credentials flow and persists the result.
type Store struct {
	projectDir string
	tokenURL   string

	mu    sync.RWMutex
	creds *Credentials
}

// Open loads the credential file and returns a Store backed by it.
func Open(projectDir, relaycastBaseURL string) (*Store, error) {
	creds, err := Load(projectDir)
	if err != nil {
		return nil, fmt.Errorf("load credential store: %w", err)
	}
	return &Store{
		projectDir: projectDir,
		tokenURL:   relaycastBaseURL + "/oauth/token",
		creds:      creds,
	}, nil
}

// Token returns the currently cached api_key.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.APIKey
}

// AgentID returns the Relay-assigned agent id this credential file was
// issued for, used by the Router to recognize the broker's own traffic.
func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AgentID
}

// Rotate exchanges the workspace's client credentials for a fresh api_key
// and persists it, returning the new token. Called by the Relay Link after
// an auth failure.
func (s *Store) Rotate(ctx context.Context) (string, error) {
	s.mu.RLock()
	cfg := clientcredentials.Config{
		ClientID:     s.creds.WorkspaceID,
		ClientSecret: s.creds.APIKey,
		TokenURL:     s.tokenURL,
	}
	projectDir := s.projectDir
	s.mu.RUnlock()

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("rotate relaycast token: %w", err)
	}

	s.mu.Lock()
	s.creds.APIKey = tok.AccessToken
	s.creds.UpdatedAt = time.Now()
	updated := *s.creds
	s.mu.Unlock()

	if err := Save(projectDir, &updated); err != nil {
		logger.WarnCF("credstore", "token rotated but persist failed", map[string]any{"err": err.Error()})
	}
	return tok.AccessToken, nil
}
