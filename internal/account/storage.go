package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poemonsense/cloudpool/internal/utils"
)

// storeFile is the on-disk shape of the accounts file
type storeFile struct {
	Version  int        `json:"version"`
	Accounts []*Account `json:"accounts"`
}

// Store persists the account list to a JSON file. Writes go through a
// temp file and an atomic rename so a crash never leaves a torn file.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load reads all accounts from disk. A missing file yields an empty
// list. Rate limits that expired while the process was down are dropped,
// and transient failure counters start at zero.
func (s *Store) Load() ([]*Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Account{}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", s.path, err)
	}

	now := time.Now()
	accounts := make([]*Account, 0, len(f.Accounts))
	for _, acc := range f.Accounts {
		if acc == nil || acc.Email == "" {
			continue
		}
		acc.ConsecutiveFailures = 0
		acc.ClearExpiredLimits(now)
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Save writes all accounts to disk atomically. The file is chmod 0600
// since it holds refresh tokens.
func (s *Store) Save(accounts []*Account) error {
	if err := utils.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	f := storeFile{
		Version:  1,
		Accounts: accounts,
	}
	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename accounts file: %w", err)
	}
	return nil
}
