package types

import (
	"strconv"
	"sync/atomic"
)

const (
	// CountLength is the number of bytes taken by the element count prefix of a page file.
	CountLength = 4

	// LengthPrefixLength is the number of bytes taken by the length prefix of variable-length elements.
	LengthPrefixLength = 4
)

// PageID identifies a page. IDs grow monotonically and are never reused.
type PageID uint64

// String returns the decimal form of the ID, which is also the name of the page file.
func (id PageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParsePageID parses page file name into page ID.
func ParsePageID(name string) (PageID, bool) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	// Rejects names like "+1" or "01" which would map to the same ID as another file.
	if strconv.FormatUint(id, 10) != name {
		return 0, false
	}
	return PageID(id), true
}

// Counters are shared by the queue and all its pages.
type Counters struct {
	// Live is the number of elements stored in all the tiers.
	Live atomic.Int64

	// Disk is the number of bytes taken by persisted page files.
	Disk atomic.Int64
}
