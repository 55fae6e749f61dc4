package connection

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// session is the on-disk record that lets the manager resume an authenticated
// session without a fresh scan, and recover a pending challenge after a
// process restart mid-login.
type session struct {
	Token      string    `json:"token,omitempty"`
	Address    string    `json:"address,omitempty"`
	Challenge  string    `json:"challenge,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func loadSession(path string) (session, error) {
	var s session
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return session{}, err
	}
	return s, nil
}

// saveSession writes atomically (temp + rename) with owner-only permissions;
// the token is a credential.
func saveSession(path string, s session) error {
	if path == "" {
		return nil
	}
	s.UpdatedAt = time.Now()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clearSession(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
