package spillq

import (
	"github.com/pkg/errors"

	"github.com/outofforest/spillq/page"
	"github.com/outofforest/spillq/persistent"
)

var (
	// ErrClosed is returned by operations executed on closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrInvalidConfig is returned when configuration is rejected.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPageTooLarge is returned when encoded page is bigger than the whole disk quota.
	ErrPageTooLarge = errors.New("page does not fit into disk quota")

	// ErrFlushFailed is returned by the next put after background flush failed.
	ErrFlushFailed = errors.New("page flush failed")

	// ErrCorruptPage is returned when page file can't be decoded. Queue stops serving elements after that.
	ErrCorruptPage = page.ErrCorrupt

	// ErrPageExists is returned when page file exists already.
	ErrPageExists = persistent.ErrExists

	// ErrLocked is returned when directory is used by another queue.
	ErrLocked = persistent.ErrLocked

	errNoQuota = errors.New("disk quota exhausted")
)
