// Package storage holds solution payloads on disk: a transient area for
// submissions whose validation phase is open, keyed by submission id, and a
// durable area holding the current best solution per problem instance. Rows
// in the ledger point into these areas; the payloads themselves never go
// through SQLite.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

type Store struct {
	activeDir string
	bestDir   string
}

// Open prepares the payload areas under the workspace.
func Open(workspace string) (*Store, error) {
	if workspace == "" {
		workspace = "."
	}
	s := &Store{
		activeDir: filepath.Join(workspace, ".dos", "active_solutions"),
		bestDir:   filepath.Join(workspace, ".dos", "best_solutions"),
	}
	for _, dir := range []string{s.activeDir, s.bestDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// ActivePath returns where the open submission's payload lives.
func (s *Store) ActivePath(submissionID string) string {
	return filepath.Join(s.activeDir, submissionID+".sol")
}

// BestPath returns where the instance's accepted payload lives.
func (s *Store) BestPath(instanceName string) string {
	return filepath.Join(s.bestDir, instanceName+".sol")
}

// WriteActive stores the payload of a newly uploaded submission.
func (s *Store) WriteActive(submissionID, data string) (string, error) {
	path := s.ActivePath(submissionID)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return "", fmt.Errorf("write solution payload: %w", err)
	}
	return path, nil
}

// ReadActive returns the payload of an open submission.
func (s *Store) ReadActive(submissionID string) (string, error) {
	data, err := os.ReadFile(s.ActivePath(submissionID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RemoveActive deletes the transient payload. Missing files are fine: the
// finalize fail-safe may run after a partial cleanup.
func (s *Store) RemoveActive(submissionID string) error {
	err := os.Remove(s.ActivePath(submissionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PromoteBest replaces the instance's best payload with the accepted
// submission's payload. Write-to-temp plus rename keeps the replace atomic:
// a concurrent download sees either the old best or the new one, never a
// torn file.
func (s *Store) PromoteBest(instanceName, submissionID string) (string, error) {
	data, err := os.ReadFile(s.ActivePath(submissionID))
	if err != nil {
		return "", fmt.Errorf("read accepted payload: %w", err)
	}
	dst := s.BestPath(instanceName)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("stage best payload: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace best payload: %w", err)
	}
	return dst, nil
}

// ReadBest returns the current best payload for an instance.
func (s *Store) ReadBest(instanceName string) (string, error) {
	data, err := os.ReadFile(s.BestPath(instanceName))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
