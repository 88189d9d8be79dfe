// Package snapshot persists classified valve board photos to disk so an
// operator can review what the model actually saw. Persistence is optional
// and best-effort; the classification pipeline works without it.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the metadata persisted alongside each stored image.
type Snapshot struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	TakenAt   time.Time `json:"taken_at"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures the filesystem snapshot store.
type Config struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	BaseDir     string        `yaml:"base_dir" json:"base_dir"`
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
	MaxFileSize int64         `yaml:"max_file_size" json:"max_file_size"`
}

// DefaultConfig returns the default snapshot configuration. Snapshots are
// off unless explicitly enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		BaseDir:     "./data/snapshots",
		TTL:         72 * time.Hour,
		MaxFileSize: 20 * 1024 * 1024, // 20MB
	}
}

// Store writes snapshots and their metadata sidecars to a local directory.
type Store struct {
	cfg       Config
	logger    *slog.Logger
	mu        sync.RWMutex
	metaCache map[string]*Snapshot
}

// New creates a filesystem-backed snapshot store.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data/snapshots"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 72 * time.Hour
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 20 * 1024 * 1024
	}
	return &Store{
		cfg:       cfg,
		logger:    logger.With("component", "snapshot-store"),
		metaCache: make(map[string]*Snapshot),
	}
}

// EnsureDir creates the storage directories if they don't exist.
func (s *Store) EnsureDir() error {
	for _, dir := range []string{s.cfg.BaseDir, filepath.Join(s.cfg.BaseDir, "meta")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save persists one image and returns its snapshot ID.
func (s *Store) Save(ctx context.Context, sender string, takenAt time.Time, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("no data provided")
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return "", fmt.Errorf("image size %d exceeds maximum %d", len(data), s.cfg.MaxFileSize)
	}

	if err := s.EnsureDir(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	hash := sha256.Sum256(data)

	now := time.Now()
	snap := &Snapshot{
		ID:        id,
		Sender:    sender,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Hash:      hex.EncodeToString(hash[:])[:16],
		TakenAt:   takenAt,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	dataPath := filepath.Join(s.cfg.BaseDir, id+extFromMIME(mimeType))
	if err := os.WriteFile(dataPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing snapshot file: %w", err)
	}

	metaData, err := json.Marshal(snap)
	if err != nil {
		os.Remove(dataPath)
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(id), metaData, 0600); err != nil {
		os.Remove(dataPath)
		return "", fmt.Errorf("writing metadata file: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = snap
	s.mu.Unlock()

	s.logger.Debug("snapshot saved", "id", id, "sender", sender, "size", len(data))
	return id, nil
}

// Get retrieves a snapshot's image bytes and metadata by ID.
func (s *Store) Get(ctx context.Context, id string) ([]byte, *Snapshot, error) {
	if id == "" {
		return nil, nil, errors.New("id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil, fmt.Errorf("invalid id format: %w", err)
	}

	snap, err := s.getMeta(id)
	if err != nil {
		return nil, nil, err
	}

	matches, err := filepath.Glob(filepath.Join(s.cfg.BaseDir, id+"*"))
	if err != nil {
		return nil, snap, fmt.Errorf("finding snapshot file: %w", err)
	}
	var dataPath string
	for _, m := range matches {
		if !strings.HasSuffix(m, ".json") {
			dataPath = m
			break
		}
	}
	if dataPath == "" {
		return nil, snap, errors.New("snapshot file not found")
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, snap, fmt.Errorf("reading snapshot file: %w", err)
	}
	return data, snap, nil
}

// List returns all stored snapshots, newest first.
func (s *Store) List(ctx context.Context) ([]*Snapshot, error) {
	ids, err := s.listIDs()
	if err != nil {
		return nil, err
	}

	results := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.getMeta(id)
		if err != nil {
			continue
		}
		results = append(results, snap)
	}

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].CreatedAt.After(results[i].CreatedAt) {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	return results, nil
}

// Delete removes one snapshot and its metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	if _, err := s.getMeta(id); err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(s.cfg.BaseDir, id+"*"))
	if err != nil {
		return fmt.Errorf("finding snapshot files: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to delete snapshot file", "path", path, "error", err)
		}
	}

	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete metadata file", "path", s.metaPath(id), "error", err)
	}

	s.mu.Lock()
	delete(s.metaCache, id)
	s.mu.Unlock()
	return nil
}

// DeleteExpired removes all snapshots past their expiration and returns
// how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	ids, err := s.listIDs()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	count := 0
	for _, id := range ids {
		snap, err := s.getMeta(id)
		if err != nil {
			continue
		}
		if now.After(snap.ExpiresAt) {
			if err := s.Delete(ctx, id); err != nil {
				s.logger.Warn("failed to delete expired snapshot", "id", id, "error", err)
				continue
			}
			count++
		}
	}
	return count, nil
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.cfg.BaseDir, "meta", id+".json")
}

func (s *Store) listIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.BaseDir, "meta"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading meta directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

func (s *Store) getMeta(id string) (*Snapshot, error) {
	s.mu.RLock()
	if snap, ok := s.metaCache[id]; ok {
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot not found: %s", id)
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = &snap
	s.mu.Unlock()
	return &snap, nil
}

func extFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/webp"):
		return ".webp"
	default:
		return ".bin"
	}
}
