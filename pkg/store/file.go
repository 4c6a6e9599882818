package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// fileExtension is the extension used for entry files.
const fileExtension = ".entry"

// FileStore keeps one file per key in a directory.
// Writes go to a temporary file that is renamed into place, so readers see
// either the old or the new value. File names are the base64url encoding of the key.
type FileStore struct {
	directory string
	quota     int64

	// mu guards used and serializes writers.
	mu   sync.RWMutex
	used int64
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a file store rooted at directory.
// Existing entries are counted against quotaBytes.
func NewFileStore(directory string, quotaBytes int64) (*FileStore, error) {
	if directory == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	if err := os.MkdirAll(directory, 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &FileStore{
		directory: directory,
		quota:     quotaBytes,
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}
	for _, dirEntry := range entries {
		key, ok := s.fileNameToKey(dirEntry)
		if !ok {
			continue
		}
		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			continue
		}
		s.used += int64(len(key)) + info.Size()
	}

	return s, nil
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyToFilePath(key)
	need := entrySize(key, value)
	var old int64
	if info, err := os.Stat(path); err == nil {
		old = int64(len(key)) + info.Size()
	}
	if s.quota > 0 && s.used-old+need > s.quota {
		return capacityError(key, s.used, need, s.quota)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, value, 0600); err != nil {
		_ = os.Remove(tempPath)
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
		}
		return fmt.Errorf("write entry file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename entry file: %w", err)
	}

	s.used += need - old
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keyToFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read entry file: %w", err)
	}
	return data, nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.keyToFilePath(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat entry file: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete entry file: %w", err)
	}
	s.used -= int64(len(key)) + info.Size()
	return nil
}

func (s *FileStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for _, dirEntry := range entries {
		if key, ok := s.fileNameToKey(dirEntry); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *FileStore) UsedBytes(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, nil
}

func (s *FileStore) QuotaBytes() int64 {
	return s.quota
}

func (s *FileStore) Close() error {
	return nil
}

// Directory returns the store directory path.
func (s *FileStore) Directory() string {
	return s.directory
}

func (s *FileStore) keyToFilePath(key string) string {
	return filepath.Join(s.directory, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExtension)
}

func (s *FileStore) fileNameToKey(dirEntry os.DirEntry) (string, bool) {
	if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != fileExtension {
		return "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(dirEntry.Name(), fileExtension))
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
