/*
session.go - Browser session artifact validation and self-heal

The session artifact is a JSON file of cookies and origin storage saved after a
successful login so the next run can skip credentials and MFA. It is an
untrusted input: a crash mid-write leaves truncated JSON, and loading garbage
into the browser wedges the login flow in ways that look like portal bugs.

SELF-HEAL FLOW (mirrors the state store's):
  1. validate: must parse as a JSON object carrying "cookies" or "origins"
  2. invalid -> quarantine: rename to <path>.corrupt-<UTC stamp>, keep for
     post-mortem, never delete
  3. restore from <path>.bak when present and itself valid
  4. otherwise: no session, the login flow starts fresh

The .bak copy is refreshed only after a fully successful authenticated run.
*/
package portal

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SessionArtifact manages the on-disk browser session file.
type SessionArtifact struct {
	Path string
}

func (s SessionArtifact) backupPath() string { return s.Path + ".bak" }

// Validate reports whether the artifact at Path is usable. A missing file is
// not an error; it just means "no stored session".
func (s SessionArtifact) Validate() (exists bool, valid bool) {
	return validateSessionFile(s.Path)
}

// EnsureUsable quarantines an invalid artifact and restores from backup when
// possible. Returns whether a usable artifact exists at Path afterwards.
func (s SessionArtifact) EnsureUsable() (bool, error) {
	exists, valid := s.Validate()
	if !exists {
		return s.restoreFromBackup()
	}
	if valid {
		return true, nil
	}

	if err := s.quarantine(); err != nil {
		return false, err
	}
	return s.restoreFromBackup()
}

// Clear removes the artifact so the next login starts from a clean session.
// The .bak copy is left alone: it is the last known-good state.
func (s SessionArtifact) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session artifact: %w", err)
	}
	return nil
}

// RefreshBackup copies the current artifact over the .bak file. Call only
// after a fully successful run.
func (s SessionArtifact) RefreshBackup() error {
	exists, valid := s.Validate()
	if !exists || !valid {
		return nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read session artifact: %w", err)
	}
	tmp := s.backupPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session backup: %w", err)
	}
	if err := os.Rename(tmp, s.backupPath()); err != nil {
		return fmt.Errorf("swap session backup: %w", err)
	}
	return nil
}

func (s SessionArtifact) quarantine() error {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dest := fmt.Sprintf("%s.corrupt-%s", s.Path, stamp)
	if err := os.Rename(s.Path, dest); err != nil {
		return fmt.Errorf("quarantine session artifact: %w", err)
	}
	return nil
}

func (s SessionArtifact) restoreFromBackup() (bool, error) {
	exists, valid := validateSessionFile(s.backupPath())
	if !exists || !valid {
		return false, nil
	}
	data, err := os.ReadFile(s.backupPath())
	if err != nil {
		return false, fmt.Errorf("read session backup: %w", err)
	}
	if err := os.WriteFile(s.Path, data, 0o600); err != nil {
		return false, fmt.Errorf("restore session artifact: %w", err)
	}
	return true, nil
}

func validateSessionFile(path string) (exists bool, valid bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, false
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		return true, false
	}
	_, hasCookies := parsed["cookies"]
	_, hasOrigins := parsed["origins"]
	return true, hasCookies || hasOrigins
}
