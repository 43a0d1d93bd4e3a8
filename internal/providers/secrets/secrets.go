// Package secrets stores provider API keys. Environment variables win
// over the on-disk store so deployments can inject keys without touching
// the data directory.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/retracehq/retrace/internal/faults"
)

// Store reads and writes API keys by provider name.
type Store interface {
	Get(provider string) (string, error)
	Set(provider, key string) error
	Delete(provider string) error
}

// FileStore keeps one 0600 file per provider under dir, with an
// environment override named RETRACE_<PROVIDER>_API_KEY.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	const op = "secrets.NewFileStore"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, faults.E(faults.KindPersistence, op, "failed to create secrets directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func envVar(provider string) string {
	name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return fmt.Sprintf("RETRACE_%s_API_KEY", name)
}

func (s *FileStore) path(provider string) string {
	return filepath.Join(s.dir, provider+".key")
}

func (s *FileStore) Get(provider string) (string, error) {
	const op = "secrets.Get"
	if v := os.Getenv(envVar(provider)); v != "" {
		return v, nil
	}
	raw, err := os.ReadFile(s.path(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.E(faults.KindNotFound, op, fmt.Sprintf("no API key configured for %q", provider), nil)
		}
		return "", faults.E(faults.KindPersistence, op, "failed to read API key", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *FileStore) Set(provider, key string) error {
	const op = "secrets.Set"
	if strings.TrimSpace(key) == "" {
		return faults.E(faults.KindInvalid, op, "API key must not be empty", nil)
	}
	if err := os.WriteFile(s.path(provider), []byte(key), 0o600); err != nil {
		return faults.E(faults.KindPersistence, op, "failed to write API key", err)
	}
	return nil
}

func (s *FileStore) Delete(provider string) error {
	const op = "secrets.Delete"
	if err := os.Remove(s.path(provider)); err != nil && !os.IsNotExist(err) {
		return faults.E(faults.KindPersistence, op, "failed to delete API key", err)
	}
	return nil
}
