package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pedrofnts/consumer/internal/domain"
)

const documentVersion = "1.0.0"

// document is the on-disk shape. Every mutation rewrites it whole; there
// are no partial writes.
type document struct {
	Version     string                         `json:"version"`
	LastUpdated time.Time                      `json:"last_updated"`
	Queues      map[string]domain.StoredConfig `json:"queues"`
}

// Stats summarises the store for the control plane.
type Stats struct {
	Path        string    `json:"path"`
	QueueCount  int       `json:"queueCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store is a durable queue → consumer-config mapping backed by a single
// JSON document. Writes are atomic: temp file then rename.
type Store struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

// NewStore creates the store, its parent directory and an empty document if
// none exists yet.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(&document{
			Version:     documentVersion,
			LastUpdated: time.Now().UTC(),
			Queues:      map[string]domain.StoredConfig{},
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Save persists the configuration for a queue, stamping saved_at.
func (s *Store) Save(name string, cfg domain.StoredConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	cfg.SavedAt = time.Now().UTC()
	doc.Queues[name] = cfg
	return s.write(doc)
}

// Remove deletes a queue's configuration. Returns whether it existed.
func (s *Store) Remove(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}
	if _, ok := doc.Queues[name]; !ok {
		return false, nil
	}
	delete(doc.Queues, name)
	return true, s.write(doc)
}

// Load returns the configuration for one queue, or nil if absent.
func (s *Store) Load(name string) (*domain.StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	cfg, ok := doc.Queues[name]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

// LoadAll returns every stored configuration keyed by queue name.
func (s *Store) LoadAll() (map[string]domain.StoredConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Queues, nil
}

// Has reports whether a configuration exists for the queue.
func (s *Store) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}
	_, ok := doc.Queues[name]
	return ok, nil
}

// Clear empties the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(&document{
		Version:     documentVersion,
		LastUpdated: time.Now().UTC(),
		Queues:      map[string]domain.StoredConfig{},
	})
}

// Backup copies the current document to the given path. An empty path
// derives "<store>.backup.<epoch>.json".
func (s *Store) Backup(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		path = fmt.Sprintf("%s.backup.%d.json", s.path, time.Now().Unix())
	}

	doc, err := s.read()
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	s.logger.Info("Configuration backup written", zap.String("path", path))
	return path, nil
}

// Restore overwrites the store with the document at path after validating
// its top-level queues object. Returns the restored queue names.
func (s *Store) Restore(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}

	// Validate shape before touching the live document.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	}
	rawQueues, ok := probe["queues"]
	if !ok {
		return nil, fmt.Errorf("backup has no queues object")
	}
	var queues map[string]domain.StoredConfig
	if err := json.Unmarshal(rawQueues, &queues); err != nil {
		return nil, fmt.Errorf("backup queues object is malformed: %w", err)
	}

	doc := &document{
		Version:     documentVersion,
		LastUpdated: time.Now().UTC(),
		Queues:      queues,
	}
	if err := s.write(doc); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	s.logger.Info("Configuration store restored",
		zap.String("path", path),
		zap.Int("queues", len(names)))
	return names, nil
}

// StatsSnapshot returns summary information about the store.
func (s *Store) StatsSnapshot() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Path:        s.path,
		QueueCount:  len(doc.Queues),
		LastUpdated: doc.LastUpdated,
	}, nil
}

func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Version: documentVersion, Queues: map[string]domain.StoredConfig{}}, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}

	doc := &document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	if doc.Queues == nil {
		doc.Queues = map[string]domain.StoredConfig{}
	}
	return doc, nil
}

// write rewrites the whole document atomically.
func (s *Store) write(doc *document) error {
	doc.Version = documentVersion
	doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}
