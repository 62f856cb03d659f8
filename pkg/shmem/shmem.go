// Package shmem implements anonymous, named shared-memory segments used
// to hand output payloads from a producer node to the daemon and onward
// to local subscriber nodes without copying through the daemon process.
// Segments are backed by memfd_create + mmap and are reference counted:
// the last Release call unmaps the segment and closes its descriptor.
package shmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Segment is a shared ownership handle over one mapped shared-memory
// region. Copy by calling Retain, not by copying the struct; release
// with Release exactly once per Retain (including the initial Allocate).
type Segment struct {
	id   string
	fd   int
	data []byte
	refs int32

	closeOnce sync.Once
}

// Allocate creates a new anonymous shared-memory segment of size bytes
// and returns a handle holding the first (producer's) reference.
func Allocate(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: size must be positive, got %d", size)
	}

	id := newSegmentID()
	fd, err := unix.MemfdCreate(id, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: ftruncate to %d: %w", size, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap: %w", err)
	}

	return &Segment{id: id, fd: fd, data: data, refs: 1}, nil
}

// ID returns the OS-level identifier subscribers use to attach this
// segment (a memfd name, unique per process lifetime).
func (s *Segment) ID() string { return s.id }

// Bytes returns the mapped region. Callers must not retain the slice
// beyond the holder's own Release call.
func (s *Segment) Bytes() []byte { return s.data }

// Len returns the segment's byte length.
func (s *Segment) Len() int { return len(s.data) }

// Retain adds a reference, returning the same handle for convenience at
// call sites that pass the result straight into a routing table.
func (s *Segment) Retain() *Segment {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release drops one reference. When the last reference is released, the
// mapping is unmapped and the backing descriptor closed.
func (s *Segment) Release() error {
	if atomic.AddInt32(&s.refs, -1) > 0 {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = fmt.Errorf("shmem: munmap %s: %w", s.id, unmapErr)
		}
		if closeErr := unix.Close(s.fd); closeErr != nil && err == nil {
			err = fmt.Errorf("shmem: close %s: %w", s.id, closeErr)
		}
	})
	return err
}

var segmentCounter uint64

// newSegmentID mints a process-unique name for memfd_create. The kernel
// appends its own uniqueness suffix; this only needs to avoid confusing
// log output across segments within one process.
func newSegmentID() string {
	n := atomic.AddUint64(&segmentCounter, 1)
	return fmt.Sprintf("dora-seg-%d", n)
}
