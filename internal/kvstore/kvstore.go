package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidKey = errors.New("invalid store key")
	ErrClosed     = errors.New("store closed")
)

// A small persistent key-value store for counters and append-only logs.
// Writes are staged in memory and only persisted by Commit.
type Store interface {
	// The value under key, or fallback if there is none.
	GetI32(key string, fallback int32) int32
	SetI32(key string, value int32) error
	AppendBlob(key string, blob []byte) error
	// Every blob appended under key, oldest first.
	Blobs(key string) [][]byte
	Commit() error
	Close() error
}

// On-disk layout of the store file.
type document struct {
	Counters map[string]int32    `yaml:"counters,omitempty"`
	Blobs    map[string][]string `yaml:"blobs,omitempty"`
}

func newDocument() document {
	return document{
		Counters: make(map[string]int32),
		Blobs:    make(map[string][]string),
	}
}

// A Store persisted as a YAML file. Commit writes a temporary file next to
// the target and renames it into place, so a crash never leaves a torn file.
type YAMLStore struct {
	logger *slog.Logger
	path   string

	mu     sync.Mutex
	doc    document
	dirty  bool
	closed bool
}

// Open the store at path. A missing file is an empty store; a file that
// exists but cannot be read or parsed is an error.
func Open(path string) (*YAMLStore, error) {
	s := &YAMLStore{
		logger: slog.Default().With(
			"store uuid", uuid.New(),
			"path", path,
		),
		path: path,
		doc:  newDocument(),
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("store file not found, starting empty")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", path, err)
	}
	if s.doc.Counters == nil {
		s.doc.Counters = make(map[string]int32)
	}
	if s.doc.Blobs == nil {
		s.doc.Blobs = make(map[string][]string)
	}
	s.logger.Debug(
		"opened store",
		"counters", len(s.doc.Counters),
		"blobs", len(s.doc.Blobs),
	)
	return s, nil
}

// A store that lives only in memory. Commit is a no-op.
func NewMemoryStore() *YAMLStore {
	return &YAMLStore{
		logger: slog.Default().With(
			"store uuid", uuid.New(),
		),
		doc: newDocument(),
	}
}

func (s *YAMLStore) GetI32(key string, fallback int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.doc.Counters[key]; ok {
		return v
	}
	return fallback
}

func (s *YAMLStore) SetI32(key string, value int32) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.doc.Counters[key] = value
	s.dirty = true
	return nil
}

func (s *YAMLStore) AppendBlob(key string, blob []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.doc.Blobs[key] = append(s.doc.Blobs[key], string(blob))
	s.dirty = true
	return nil
}

func (s *YAMLStore) Blobs(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.doc.Blobs[key]
	blobs := make([][]byte, len(stored))
	for i, b := range stored {
		blobs[i] = []byte(b)
	}
	return blobs
}

func (s *YAMLStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.dirty || s.path == "" {
		s.dirty = false
		return nil
	}

	raw, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create store temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(raw)
	err = errors.Join(writeErr, tmp.Sync(), tmp.Close())
	if err == nil {
		err = os.Rename(tmpPath, s.path)
	}
	if err != nil {
		os.Remove(tmpPath)
		s.logger.Error(
			"could not commit store",
			"err", err,
		)
		return fmt.Errorf("commit store: %w", err)
	}

	s.dirty = false
	s.logger.Debug("committed store", "bytes", len(raw))
	return nil
}

// Commit any staged writes and refuse further ones.
func (s *YAMLStore) Close() error {
	err := s.Commit()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
