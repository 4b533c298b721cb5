package spillq

import (
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/spillq/pagestore"
	"github.com/outofforest/spillq/persistent"
	"github.com/outofforest/spillq/scheduler"
	"github.com/outofforest/spillq/serializer"
)

// Default configuration values.
const (
	DefaultPageSize        = 1024
	DefaultTerminationWait = 30 * time.Second
)

// Config stores queue configuration. Serializer and Path (or Store) are required, everything else has defaults.
type Config[T any] struct {
	// PageSize is the capacity of each page and the unit of disk I/O.
	PageSize int

	// MemMinCapacity is the number of resident elements below which queue stops spilling pages to disk.
	MemMinCapacity int

	// MemMaxCapacity is the number of resident elements above which full pages are spilled to disk.
	MemMaxCapacity int

	// DiskMaxBytes limits the bytes taken by page files. 0 means no limit.
	DiskMaxBytes int64

	// Serializer encodes elements.
	Serializer serializer.Serializer[T]

	// Path is the directory of page files.
	Path string

	// Store replaces the file store created in Path. It is closed together with the queue.
	Store persistent.Store

	// NumBackgroundThreads is the number of workers executing flushes and loads. 0 means all the I/O is done by the
	// producers and consumers.
	NumBackgroundThreads int

	// Scheduler replaces the pool created by the queue. It is not closed by the queue.
	Scheduler scheduler.Scheduler

	// SharedScheduler makes queue use the process-wide pool instead of the dedicated one. Pool is created by the first
	// queue using it, so NumBackgroundThreads of later queues is ignored.
	SharedScheduler bool

	// TerminationWait is the maximum time Close waits for background tasks.
	TerminationWait time.Duration

	// ShutdownHook closes the queue when process receives SIGINT or SIGTERM.
	ShutdownHook bool

	// Compress turns on deflate compression of page files.
	Compress bool

	// CompressionBufferSize is the size of buffers used to compress and decompress pages.
	CompressionBufferSize int

	// CompressionLevel is the deflate level. Nil selects flate.DefaultCompression.
	CompressionLevel *int

	// MemoryDouble lets resident elements reach twice the MemMaxCapacity while pages are being flushed or
	// prefetched.
	MemoryDouble bool
}

func (c Config[T]) withDefaults() Config[T] {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MemMaxCapacity == 0 {
		c.MemMaxCapacity = 8 * c.PageSize
	}
	if c.MemMinCapacity == 0 {
		c.MemMinCapacity = min(2*c.PageSize, c.MemMaxCapacity)
	}
	if c.TerminationWait == 0 {
		c.TerminationWait = DefaultTerminationWait
	}
	if c.CompressionBufferSize == 0 {
		c.CompressionBufferSize = pagestore.DefaultBufferSize
	}
	if c.CompressionLevel == nil {
		c.CompressionLevel = lo.ToPtr(flate.DefaultCompression)
	}
	return c
}

func (c Config[T]) validate() error {
	switch {
	case c.Serializer == nil:
		return errors.Wrap(ErrInvalidConfig, "serializer is required")
	case c.Path == "" && c.Store == nil:
		return errors.Wrap(ErrInvalidConfig, "path is required")
	case c.PageSize < 1:
		return errors.Wrapf(ErrInvalidConfig, "page size must be greater than 0, got %d", c.PageSize)
	case c.MemMaxCapacity < c.PageSize:
		return errors.Wrapf(ErrInvalidConfig, "max memory capacity %d is smaller than page size %d",
			c.MemMaxCapacity, c.PageSize)
	case c.MemMinCapacity < 0 || c.MemMinCapacity > c.MemMaxCapacity:
		return errors.Wrapf(ErrInvalidConfig, "min memory capacity %d must be in range [0, %d]",
			c.MemMinCapacity, c.MemMaxCapacity)
	case c.DiskMaxBytes < 0:
		return errors.Wrapf(ErrInvalidConfig, "disk quota must not be negative, got %d", c.DiskMaxBytes)
	case c.NumBackgroundThreads < 0:
		return errors.Wrapf(ErrInvalidConfig, "number of background threads must not be negative, got %d",
			c.NumBackgroundThreads)
	case c.TerminationWait < 0:
		return errors.Wrapf(ErrInvalidConfig, "termination wait must not be negative, got %s", c.TerminationWait)
	case c.CompressionBufferSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "compression buffer size must not be negative, got %d",
			c.CompressionBufferSize)
	case c.Compress && (*c.CompressionLevel < flate.HuffmanOnly || *c.CompressionLevel > flate.BestCompression):
		return errors.Wrapf(ErrInvalidConfig, "compression level %d is out of range [%d, %d]",
			*c.CompressionLevel, flate.HuffmanOnly, flate.BestCompression)
	}
	return nil
}
