// Package storage keeps uploaded files on the local filesystem, one
// directory per user.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrFileNotFound is returned by Open when the file does not exist
	ErrFileNotFound = errors.New("file not found")
	// ErrInvalidFilename rejects names that would escape the user directory
	ErrInvalidFilename = errors.New("invalid filename")
)

// DiskStore stores files under <baseDir>/<username>/<filename>
type DiskStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewDiskStore creates baseDir if needed
func NewDiskStore(baseDir string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}
	return &DiskStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory
func (d *DiskStore) BaseDir() string {
	return d.baseDir
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

func (d *DiskStore) userDir(username string) (string, error) {
	if err := validName(username); err != nil {
		return "", err
	}
	return filepath.Join(d.baseDir, username), nil
}

func (d *DiskStore) path(username, filename string) (string, error) {
	dir, err := d.userDir(username)
	if err != nil {
		return "", err
	}
	if err := validName(filename); err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// Save writes data, replacing any existing file. The write goes through a
// temporary file so a concurrent Load never sees a partial file.
func (d *DiskStore) Save(username, filename string, data []byte) error {
	path, err := d.path(username, filename)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Open reads a stored file, returning ErrFileNotFound if it is absent
func (d *DiskStore) Open(username, filename string) ([]byte, error) {
	path, err := d.path(username, filename)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return data, nil
}

// Load implements the server's FileStore
func (d *DiskStore) Load(username, filename string) ([]byte, bool, error) {
	data, err := d.Open(username, filename)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// List returns the user's file names, sorted
func (d *DiskStore) List(username string) ([]string, error) {
	dir, err := d.userDir(username)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".upload-") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
