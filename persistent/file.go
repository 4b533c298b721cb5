package persistent

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/spillq/types"
)

const (
	lockFileName = "LOCK"
	tmpSuffix    = ".tmp"
)

// NewFileStore creates file-based store in the directory. Directory is created if it does not exist and locked
// exclusively until store is closed. Temporary files left by interrupted writes are removed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}

	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "directory %s", dir)
		}
		return nil, errors.WithStack(err)
	}

	s := &FileStore{
		dir:      dir,
		lockFile: lockFile,
	}

	removed, err := s.removeTemporaryFiles()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.removedTmp = removed

	return s, nil
}

// FileStore stores each page in its own file named by the decimal page ID.
type FileStore struct {
	dir        string
	lockFile   *os.File
	removedTmp int
}

// Dir returns the directory of the store.
func (s *FileStore) Dir() string {
	return s.dir
}

// RemovedTemporaryFiles returns the number of leftovers of interrupted writes removed when store was opened.
func (s *FileStore) RemovedTemporaryFiles() int {
	return s.removedTmp
}

// Create writes data to temporary file, syncs it and renames it to the final name.
func (s *FileStore) Create(id types.PageID, data []byte) error {
	path := s.path(id)
	if _, err := os.Lstat(path); err == nil {
		return errors.Wrapf(ErrExists, "page %d", id)
	} else if !os.IsNotExist(err) {
		return errors.WithStack(err)
	}

	return s.write(path, data)
}

// Replace writes data to temporary file, syncs it and renames it over the existing file.
func (s *FileStore) Replace(id types.PageID, data []byte) error {
	path := s.path(id)
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "page %d", id)
		}
		return errors.WithStack(err)
	}
	return s.write(path, data)
}

// Open opens file of the page.
func (s *FileStore) Open(id types.PageID) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "page %d", id)
		}
		return nil, errors.WithStack(err)
	}
	return f, nil
}

// Delete deletes file of the page.
func (s *FileStore) Delete(id types.PageID) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "page %d", id)
		}
		return errors.WithStack(err)
	}
	return nil
}

// List lists page files.
func (s *FileStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		id, ok := types.ParsePageID(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		entries = append(entries, Entry{ID: id, Size: info.Size()})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Close releases the directory lock.
func (s *FileStore) Close() error {
	if s.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	if cErr := s.lockFile.Close(); err == nil {
		err = cErr
	}
	s.lockFile = nil
	return errors.WithStack(err)
}

func (s *FileStore) write(path string, data []byte) error {
	tmpPath := path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := writeAndSync(f, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.WithStack(err)
	}
	return s.syncDir()
}

func (s *FileStore) path(id types.PageID) string {
	return filepath.Join(s.dir, id.String())
}

func (s *FileStore) removeTemporaryFiles() (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var removed int
	for _, de := range dirEntries {
		name, ok := strings.CutSuffix(de.Name(), tmpSuffix)
		if !ok {
			continue
		}
		if _, ok := types.ParsePageID(name); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil {
			return removed, errors.WithStack(err)
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()

	return errors.WithStack(d.Sync())
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}
