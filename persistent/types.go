package persistent

import (
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/spillq/types"
)

var (
	// ErrExists is returned when file for the page already exists.
	ErrExists = errors.New("page file already exists")

	// ErrNotFound is returned when file for the page does not exist.
	ErrNotFound = errors.New("page file does not exist")

	// ErrLocked is returned when directory is already used by another queue.
	ErrLocked = errors.New("directory is locked by another queue")
)

// Entry describes stored page file.
type Entry struct {
	ID   types.PageID
	Size int64
}

// Store keeps one immutable blob per page.
type Store interface {
	// Create stores data of the page. Blob is either fully created or not created at all.
	// ErrExists is returned if blob for the page is already there.
	Create(id types.PageID, data []byte) error

	// Replace atomically replaces existing blob of the page. Old blob stays in place if replacement fails.
	// ErrNotFound is returned if there is no blob for the page.
	Replace(id types.PageID, data []byte) error

	// Open opens blob of the page for reading.
	Open(id types.PageID) (io.ReadCloser, error)

	// Delete deletes blob of the page.
	Delete(id types.PageID) error

	// List returns all the stored blobs sorted by page ID.
	List() ([]Entry, error)

	// Close releases resources held by the store.
	Close() error
}
