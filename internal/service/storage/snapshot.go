// Package storage keeps violation snapshots on disk and prunes them.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/disintegration/imaging"

	"ppegate/internal/logger"
)

// SnapshotJPEGQuality is the encoder quality used for saved snapshots.
const SnapshotJPEGQuality = 90

// SnapshotStore writes snapshots into one flat directory.
type SnapshotStore struct {
	dir      string
	maxWidth int
	mu       sync.Mutex
	logger   *logger.Logger
}

// NewSnapshotStore creates a store rooted at dir. Images wider than maxWidth are scaled down; 0 keeps the size.
func NewSnapshotStore(dir string, maxWidth int, logger *logger.Logger) *SnapshotStore {
	return &SnapshotStore{
		dir:      dir,
		maxWidth: maxWidth,
		logger:   logger,
	}
}

// Dir returns the snapshot directory.
func (s *SnapshotStore) Dir() string {
	return s.dir
}

// Save decodes an encoded frame, bounds its width and writes it as JPEG under name.
// It returns the path stored with the violation record.
func (s *SnapshotStore) Save(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("failed to save snapshot %s: empty frame", name)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if s.maxWidth > 0 && img.Bounds().Dx() > s.maxWidth {
		img = imaging.Resize(img, s.maxWidth, 0, imaging.Lanczos)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	path := filepath.Join(s.dir, filepath.Base(name))
	if err := imaging.Save(img, path, imaging.JPEGQuality(SnapshotJPEGQuality)); err != nil {
		return "", fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}

	s.logger.Debug("Saved snapshot %s", path)
	return path, nil
}

// File is one snapshot on disk.
type File struct {
	Path    string
	Size    int64
	ModTime int64 // unix nanoseconds
}

// Files lists the snapshots in the directory, oldest first.
func (s *SnapshotStore) Files() ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat snapshot %s: %w", entry.Name(), err)
		}
		files = append(files, File{
			Path:    filepath.Join(s.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime == files[j].ModTime {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime < files[j].ModTime
	})
	return files, nil
}

// Remove deletes one snapshot. A missing file is not an error.
func (s *SnapshotStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot %s: %w", path, err)
	}
	return nil
}
