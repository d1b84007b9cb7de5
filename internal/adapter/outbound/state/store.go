// Package state persists the approvals configuration document on disk and
// watches it for external edits.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

// Format is the on-disk encoding of the document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// FileConfigStore reads and writes the approvals document. Writes are
// atomic (write-tmp-then-rename), keep a .bak of the previous file and are
// serialized by a mutex in-process and flock across processes.
type FileConfigStore struct {
	path   string
	format Format
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileConfigStore creates a store for path.
func NewFileConfigStore(path string, logger *slog.Logger) *FileConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileConfigStore{
		path:   path,
		format: FormatForPath(path),
		logger: logger,
	}
}

// Load reads the document. A missing file is created with the default
// configuration.
func (s *FileConfigStore) Load() (*policy.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read approvals config: %w", err)
		}
		doc := &policy.Document{Approvals: *policy.DefaultSnapshot()}
		s.logger.Info("approvals config not found, writing defaults", "path", s.path)
		if err := s.Save(doc); err != nil {
			return nil, err
		}
		return doc, nil
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("approvals config has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	doc, err := Decode(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("parse approvals config %s: %w", s.path, err)
	}
	return doc, nil
}

// Decode parses a document, filling omitted top-level fields with defaults.
func Decode(data []byte, format Format) (*policy.Document, error) {
	doc := &policy.Document{Approvals: *policy.DefaultSnapshot()}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, err
	}
	if doc.Approvals.Rules == nil {
		doc.Approvals.Rules = []policy.ApprovalRule{}
	}
	return doc, nil
}

// Encode serializes a document in the given format.
func Encode(doc *policy.Document, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yaml.Marshal(doc)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes doc to disk atomically.
func (s *FileConfigStore) Save(doc *policy.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := Encode(doc, s.format)
	if err != nil {
		return fmt.Errorf("encode approvals config: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on approvals config", "error", err)
	}

	s.logger.Debug("approvals config saved", "path", s.path, "rules", len(doc.Approvals.Rules))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it and renames it over
// the target path. The temp file is removed on any error.
func (s *FileConfigStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to config: %w", err)
	}
	return nil
}

// Path returns the configured file path.
func (s *FileConfigStore) Path() string {
	return s.path
}

// Exists reports whether the file exists on disk.
func (s *FileConfigStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
