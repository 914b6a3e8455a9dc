package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autopilot/internal/types"
)

// LockSuffix marks claim files next to the file they claim.
const LockSuffix = ".lock"

// ErrLockExists is returned by WriteLock when another worker holds the lock.
var ErrLockExists = errors.New("lock already exists")

// VideoExtensions are the file types the monitor picks up.
var VideoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".webm": true, ".m4v": true, ".flv": true, ".wmv": true,
}

// IsCandidate reports whether a directory entry is a pending video.
func IsCandidate(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, LockSuffix) {
		return false
	}
	return VideoExtensions[strings.ToLower(filepath.Ext(name))]
}

// FileInfo describes a regular file in a channel directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileSystem is the storage the monitor scans and archives into.
type FileSystem interface {
	EnsureDir(dir string) error
	// ListFiles returns regular files only, sorted by name.
	ListFiles(dir string) ([]FileInfo, error)
	// ReadLock returns the lock on name, or nil when there is none.
	ReadLock(dir, name string) (*types.LockMarker, error)
	// WriteLock creates the lock exclusively; ErrLockExists when taken.
	WriteLock(dir, name string, m types.LockMarker) error
	RemoveLock(dir, name string) error
	// ReclaimLock removes the lock only while it still holds stale and
	// reports whether it did.
	ReclaimLock(dir, name string, stale types.LockMarker) (bool, error)
	// MoveFile moves dir/name into toDir and returns the final path.
	MoveFile(dir, name, toDir string) (string, error)
}

// OSFileSystem implements FileSystem on the local disk.
type OSFileSystem struct {
	now func() time.Time
}

var _ FileSystem = (*OSFileSystem)(nil)

func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{now: time.Now}
}

func (o *OSFileSystem) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func (o *OSFileSystem) ListFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func lockPath(dir, name string) string {
	return filepath.Join(dir, name+LockSuffix)
}

// ReadLock falls back to the lock file's mod time when its body is not a
// readable marker.
func (o *OSFileSystem) ReadLock(dir, name string) (*types.LockMarker, error) {
	m, err := readMarker(lockPath(dir, name), name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return m, err
}

func readMarker(p, name string) (*types.LockMarker, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var m types.LockMarker
	if json.Unmarshal(data, &m) != nil || m.StartedAt.IsZero() {
		info, statErr := os.Stat(p)
		if statErr != nil {
			return nil, statErr
		}
		m = types.LockMarker{FileName: name, StartedAt: info.ModTime()}
	}
	return &m, nil
}

// ReclaimLock renames the lock aside before checking it, so of two workers
// reclaiming the same stale marker only one gets it. A lock that turns out
// to be newer than stale is put back.
func (o *OSFileSystem) ReclaimLock(dir, name string, stale types.LockMarker) (bool, error) {
	p := lockPath(dir, name)
	aside := filepath.Join(dir, fmt.Sprintf(".%s%s.%d.reclaim", name, LockSuffix, o.now().UnixNano()))
	if err := os.Rename(p, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	got, readErr := readMarker(aside, name)
	if readErr == nil && got.Holder == stale.Holder && got.StartedAt.Equal(stale.StartedAt) {
		return true, os.Remove(aside)
	}

	// Link fails when yet another lock was created meanwhile; that one wins.
	if err := os.Link(aside, p); err != nil && !errors.Is(err, fs.ErrExist) {
		if renameErr := os.Rename(aside, p); renameErr != nil {
			return false, renameErr
		}
		return false, readErr
	}
	_ = os.Remove(aside)
	return false, readErr
}

func (o *OSFileSystem) WriteLock(dir, name string, m types.LockMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrLockExists
	}
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func (o *OSFileSystem) RemoveLock(dir, name string) error {
	err := os.Remove(lockPath(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MoveFile renames into toDir, falling back to copy and remove across
// devices. An existing target gets a timestamp suffix.
func (o *OSFileSystem) MoveFile(dir, name, toDir string) (string, error) {
	if strings.TrimSpace(toDir) == "" {
		return "", fmt.Errorf("target dir is empty")
	}
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return "", err
	}
	src := filepath.Join(dir, name)
	dst := filepath.Join(toDir, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(toDir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), o.now().UnixNano(), ext))
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dst)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return "", closeErr
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dst, nil
}
