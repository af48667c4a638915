package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store owns the on-disk JSON document, serializing every mutation behind a
// single lock and persisting atomically after each change. It never holds
// its lock across upstream I/O; callers only ever see cloned documents.
type Store struct {
	mu       sync.RWMutex
	mutateMu sync.Mutex
	doc      *Document
	filePath string

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	onChange func(*Document)
}

// DefaultPath returns the per-user waveproxy.json location (spec §6
// Persistence: "One JSON file in the user config directory").
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "waveproxy", "waveproxy.json"), nil
}

// Open loads filePath if present, else starts from Default(), and begins
// watching the file for external edits. An empty filePath disables both
// persistence and watching (used by tests).
func Open(filePath string) (*Store, error) {
	s := &Store{filePath: filePath, stopCh: make(chan struct{})}

	if filePath != "" {
		if err := s.load(); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
				return nil, fmt.Errorf("config: create config directory: %w", err)
			}
			s.doc = Default()
		}
	} else {
		s.doc = Default()
	}

	if filePath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("config: create watcher: %w", err)
		}
		s.watcher = watcher
		if err := watcher.Add(filepath.Dir(filePath)); err != nil {
			log.WithError(err).Warn("config: could not watch config directory, hot-reload disabled")
		} else {
			go s.watchLoop()
		}
	}

	return s, nil
}

// Get returns a deep copy of the current document.
func (s *Store) Get() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// OnChange registers a callback invoked (with the new document) after any
// successful Update or external reload. Only one callback is supported.
func (s *Store) OnChange(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Update validates, stores, and persists doc, then notifies OnChange.
func (s *Store) Update(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	clone := doc.Clone()

	s.mu.Lock()
	s.doc = clone
	filePath := s.filePath
	s.mu.Unlock()

	if filePath != "" {
		if err := s.persist(clone, filePath); err != nil {
			return err
		}
	}
	s.notify(clone)
	return nil
}

// Mutate runs fn against a clone of the current document and persists the
// result; it is the primitive every channel/port/access-key CRUD op uses so
// every mutation goes through the same validate-then-atomic-write path.
func (s *Store) Mutate(fn func(*Document) error) error {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	working := s.doc.Clone()
	s.mu.RUnlock()

	if err := fn(working); err != nil {
		return err
	}
	return s.Update(working)
}

// Close stops the watcher goroutine.
func (s *Store) Close() error {
	close(s.stopCh)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) notify(doc *Document) {
	s.mu.RLock()
	cb := s.onChange
	s.mu.RUnlock()
	if cb != nil {
		cb(doc)
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", s.filePath, err)
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = &doc
	s.mu.Unlock()
	return nil
}

// persist writes doc to filePath atomically: a temp file in the same
// directory, fsync'd, then renamed over the target. On any error the
// previous file is left untouched.
func (s *Store) persist(doc *Document, filePath string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".waveproxy-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		log.WithError(err).Warn("config: could not restrict permissions on config file")
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				log.WithError(err).Warn("config: failed to reload after external change")
				continue
			}
			s.mu.RLock()
			doc := s.doc.Clone()
			s.mu.RUnlock()
			s.notify(doc)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")
		case <-s.stopCh:
			return
		}
	}
}
