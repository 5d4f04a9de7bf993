package nodecfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoRecord is returned by Storage when nothing has been written yet.
var ErrNoRecord = errors.New("no record stored")

// Storage is the non-volatile slot holding the node record.
type Storage interface {
	ReadRecord() ([]byte, error)
	WriteRecord(data []byte) error
}

// Load reads and decodes the record. A missing record yields
// ErrNotInitialized; a record from another layout version yields
// ErrVersionMismatch.
func Load(s Storage) (*NodeConfig, error) {
	data, err := s.ReadRecord()
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to read node config: %w", err)
	}
	return Decode(data)
}

// Save encodes and writes the record.
func Save(s Storage, c *NodeConfig) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	if err := s.WriteRecord(data); err != nil {
		return fmt.Errorf("failed to write node config: %w", err)
	}
	return nil
}

// FileStorage keeps the record in a single file.
type FileStorage struct {
	Path string
}

// NewFileStorage returns storage backed by path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{Path: path}
}

// ReadRecord returns the file contents.
func (f *FileStorage) ReadRecord() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoRecord, f.Path)
		}
		return nil, err
	}
	return data, nil
}

// WriteRecord replaces the file atomically.
func (f *FileStorage) WriteRecord(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := f.Path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tempPath, f.Path); err != nil {
		os.Remove(tempPath)
		return err
	}

	return nil
}

// Exists reports whether the record file is present.
func (f *FileStorage) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// MemoryStorage keeps the record in memory.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// ReadRecord returns a copy of the stored bytes.
func (m *MemoryStorage) ReadRecord() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), m.data...), nil
}

// WriteRecord stores a copy of data.
func (m *MemoryStorage) WriteRecord(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}
