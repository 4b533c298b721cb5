package pagestore

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/spillq/page"
	"github.com/outofforest/spillq/persistent"
	"github.com/outofforest/spillq/serializer"
	"github.com/outofforest/spillq/types"
)

const (
	// DefaultBufferSize is the default size of the buffers used to read and compress pages.
	DefaultBufferSize = 64 * 1024

	maxCreateAttempts = 3
)

// Config stores configuration of the page store.
type Config struct {
	Store      persistent.Store
	Counters   *types.Counters
	PageSize   uint64
	Log        *zap.Logger
	Compress   bool
	Level      int
	BufferSize int
}

// PageInfo describes page found in the store.
type PageInfo struct {
	ID    types.PageID
	Size  int64
	Count int
}

// New creates new page store.
func New[T any](config Config, s serializer.Serializer[T]) (*Store[T], error) {
	if config.Store == nil {
		return nil, errors.New("store is not set")
	}
	if config.Counters == nil {
		config.Counters = &types.Counters{}
	}
	if config.PageSize == 0 {
		return nil, errors.New("page size must be greater than 0")
	}
	if config.Log == nil {
		config.Log = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.Compress {
		// Validates the level.
		if _, err := flate.NewWriter(io.Discard, config.Level); err != nil {
			return nil, errors.Wrapf(err, "invalid compression level %d", config.Level)
		}
	}

	return &Store[T]{
		config:     config,
		serializer: s,
		sizes:      map[types.PageID]int64{},
	}, nil
}

// Store manages lifecycle of page files and accounts disk space taken by them.
type Store[T any] struct {
	config     Config
	serializer serializer.Serializer[T]

	mu    sync.Mutex
	sizes map[types.PageID]int64
}

// Encode produces the payload of the page file: count prefix and elements, compressed if configured.
// Payload is cached in the page until page is modified.
func (s *Store[T]) Encode(p *page.Page[T]) ([]byte, error) {
	if payload := p.Encoded(); payload != nil {
		return payload, nil
	}

	buf := &bytes.Buffer{}
	if !s.config.Compress {
		if err := p.Flush(buf, s.serializer); err != nil {
			return nil, err
		}
		p.SetEncoded(buf.Bytes())
		return buf.Bytes(), nil
	}

	fw, err := flate.NewWriter(buf, s.config.Level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	bw := bufio.NewWriterSize(fw, s.config.BufferSize)
	if err := p.Flush(bw, s.serializer); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := fw.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	p.SetEncoded(buf.Bytes())
	return buf.Bytes(), nil
}

// Persist creates file of the page. Transient failures are retried with the same payload.
func (s *Store[T]) Persist(id types.PageID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persist(id, payload)
}

// Rewrite replaces file of the page with new payload. It is used to store the remaining elements of partially
// consumed page. Old file stays untouched if replacement fails.
func (s *Store[T]) Rewrite(id types.PageID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, exists := s.sizes[id]
	if !exists {
		return s.persist(id, payload)
	}
	if err := s.config.Store.Replace(id, payload); err != nil {
		return errors.Wrapf(err, "replacing file of page %d failed", id)
	}
	s.sizes[id] = int64(len(payload))
	s.config.Counters.Disk.Add(int64(len(payload)) - size)
	return nil
}

// Load reads page from its file. File stays in place until Delete is called.
func (s *Store[T]) Load(id types.PageID) (*page.Page[T], error) {
	r, err := s.open(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	p, err := page.Load(id, s.config.PageSize, r, s.serializer, &s.config.Counters.Live)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Delete deletes file of the page.
func (s *Store[T]) Delete(id types.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delete(id)
}

// Exists tells if file of the page is tracked by the store.
func (s *Store[T]) Exists(id types.PageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.sizes[id]
	return exists
}

// Scan discovers pages present in the store, reading their element counts. Discovered pages are added to disk
// and live element accounting.
func (s *Store[T]) Scan() ([]PageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.config.Store.List()
	if err != nil {
		return nil, err
	}

	infos := make([]PageInfo, 0, len(entries))
	for _, e := range entries {
		count, err := s.readCount(e.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, PageInfo{ID: e.ID, Size: e.Size, Count: count})
	}

	for _, info := range infos {
		if _, exists := s.sizes[info.ID]; exists {
			continue
		}
		s.sizes[info.ID] = info.Size
		s.config.Counters.Disk.Add(info.Size)
		s.config.Counters.Live.Add(int64(info.Count))
	}

	s.config.Log.Debug("Page store scanned",
		zap.Int("pages", len(infos)),
		zap.Int64("bytes", lo.SumBy(infos, func(info PageInfo) int64 { return info.Size })))

	return infos, nil
}

// DiskBytesUsed returns the number of bytes taken by page files.
func (s *Store[T]) DiskBytesUsed() int64 {
	return s.config.Counters.Disk.Load()
}

// Close closes the underlying store.
func (s *Store[T]) Close() error {
	return s.config.Store.Close()
}

func (s *Store[T]) persist(id types.PageID, payload []byte) error {
	if _, exists := s.sizes[id]; exists {
		return errors.Wrapf(persistent.ErrExists, "page %d", id)
	}

	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		err = s.config.Store.Create(id, payload)
		if err == nil {
			s.sizes[id] = int64(len(payload))
			s.config.Counters.Disk.Add(int64(len(payload)))
			return nil
		}
		if errors.Is(err, persistent.ErrExists) {
			return err
		}
		s.config.Log.Warn("Creating page file failed",
			zap.Uint64("pageID", uint64(id)), zap.Int("attempt", attempt), zap.Error(err))
	}
	return errors.Wrapf(err, "creating file of page %d failed after %d attempts", id, maxCreateAttempts)
}

func (s *Store[T]) delete(id types.PageID) error {
	size, exists := s.sizes[id]
	if !exists {
		return errors.Wrapf(persistent.ErrNotFound, "page %d", id)
	}
	if err := s.config.Store.Delete(id); err != nil {
		return err
	}
	delete(s.sizes, id)
	s.config.Counters.Disk.Add(-size)
	return nil
}

func (s *Store[T]) readCount(id types.PageID) (int, error) {
	r, err := s.open(id)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count, err := page.ReadCount(r)
	if err != nil {
		return 0, errors.Wrapf(err, "page %d", id)
	}
	return int(count), nil
}

func (s *Store[T]) open(id types.PageID) (io.ReadCloser, error) {
	f, err := s.config.Store.Open(id)
	if err != nil {
		return nil, err
	}

	r := bufio.NewReaderSize(f, s.config.BufferSize)
	if !s.config.Compress {
		return &reader{Reader: r, closers: []io.Closer{f}}, nil
	}

	fr := flate.NewReader(r)
	return &reader{Reader: bufio.NewReaderSize(fr, s.config.BufferSize), closers: []io.Closer{fr, f}}, nil
}

type reader struct {
	io.Reader
	closers []io.Closer
}

func (r *reader) Close() error {
	var err error
	for _, c := range r.closers {
		if cErr := c.Close(); err == nil {
			err = cErr
		}
	}
	return errors.WithStack(err)
}
