// Package workspace owns the per-session scratch paths used while a file is split.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	inputPrefix  = "input_"
	outputPrefix = "segments_"
)

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Manager derives scratch paths from a session id under a shared root directory.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root. The directory is created lazily.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the shared scratch directory.
func (m *Manager) Root() string {
	return m.root
}

// Paths returns the input file and output directory for a session without touching disk.
// inputExt is kept only when it looks like a plain extension such as ".mp3".
func (m *Manager) Paths(sessionID, inputExt string) (inputPath, outputDir string) {
	if !safeExt.MatchString(inputExt) {
		inputExt = ""
	}
	inputPath = filepath.Join(m.root, inputPrefix+sessionID+inputExt)
	outputDir = filepath.Join(m.root, outputPrefix+sessionID)
	return inputPath, outputDir
}

// Allocate returns the session paths and creates the output directory, parents included.
func (m *Manager) Allocate(sessionID, inputExt string) (inputPath, outputDir string, err error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", "", fmt.Errorf("invalid session id %q", sessionID)
	}

	inputPath, outputDir = m.Paths(sessionID, inputExt)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}
	return inputPath, outputDir, nil
}

// Release removes the input file and the output directory. Missing paths are
// not an error, so Release may be called any number of times.
func (m *Manager) Release(inputPath, outputDir string) error {
	var errs []error

	if inputPath != "" {
		if err := os.Remove(inputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove input %s: %w", inputPath, err))
		}
	}
	if outputDir != "" {
		if err := os.RemoveAll(outputDir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove output directory %s: %w", outputDir, err))
		}
	}

	return errors.Join(errs...)
}

// Leftovers lists entries under the root that belong to sessionID. It is used by
// tests and by the split command to verify cleanup.
func (m *Manager) Leftovers(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var found []string
	for _, e := range entries {
		if strings.Contains(e.Name(), sessionID) {
			found = append(found, filepath.Join(m.root, e.Name()))
		}
	}
	return found, nil
}
