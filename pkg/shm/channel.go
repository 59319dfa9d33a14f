/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: channel.go
Description: Shared coverage channel. A fixed-size, zero-initialized byte region backed by an
anonymous shareable file. The tracing side owns the channel and its writer, the fuzzer side maps
the same region read-only from a descriptor transferred across the process boundary.
*/

package shm

import (
	"fmt"
	"sync"
)

// Descriptor is the transferable half of a channel: the file descriptor of the backing region
// and the agreed-upon size. It is what travels inside the protocol's output configuration.
type Descriptor struct {
	FD   int `json:"fd"`
	Size int `json:"size"`
}

// Channel owns a shareable memory region. The length is fixed at creation and the backing
// allocation never moves while any mapping is alive.
type Channel struct {
	name string
	fd   int
	size int

	writer  *mapping
	readers []*Reader
	sealed  bool
	closed  bool

	mu sync.Mutex
}

// Create allocates a zero-initialized region of exactly size bytes.
// Returns an error wrapping ErrAllocation if the region cannot be provided.
func Create(name string, size int) (*Channel, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocation, size)
	}

	fd, err := createRegion(name, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrAllocation, name, size, err)
	}

	return &Channel{name: name, fd: fd, size: size}, nil
}

// Name returns the name the region was created with.
func (c *Channel) Name() string {
	return c.name
}

// Size returns the fixed region length in bytes.
func (c *Channel) Size() int {
	return c.size
}

// Descriptor returns the transferable descriptor of the region.
func (c *Channel) Descriptor() Descriptor {
	return Descriptor{FD: c.fd, Size: c.size}
}

// Writer returns a handle allowing in-place mutation of the region.
// The first writer seals the region against any future writable mapping, later calls
// in the same process reuse that mapping. After Seal without a writer, ErrSealed is returned.
func (c *Channel) Writer() (*Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.writer != nil {
		return &Writer{m: c.writer}, nil
	}
	if c.sealed {
		return nil, ErrSealed
	}

	mem, err := mapRegion(c.fd, c.size, true)
	if err != nil {
		return nil, fmt.Errorf("failed to map writer for %s: %w", c.name, err)
	}
	if err := sealFutureWrites(c.fd); err != nil {
		unmapRegion(mem)
		return nil, fmt.Errorf("failed to seal %s: %w", c.name, err)
	}

	c.writer = &mapping{mem: mem}
	c.sealed = true
	return &Writer{m: c.writer}, nil
}

// Seal marks the region immutable for future writable mappings without creating a writer.
func (c *Channel) Seal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.sealed {
		return nil
	}
	if err := sealFutureWrites(c.fd); err != nil {
		return fmt.Errorf("failed to seal %s: %w", c.name, err)
	}
	c.sealed = true
	return nil
}

// Sealed reports whether future writable mappings are refused.
func (c *Channel) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// Reader maps the region read-only. It may be called any number of times.
func (c *Channel) Reader() (*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	r, err := OpenReader(c.fd, c.size)
	if err != nil {
		return nil, err
	}
	c.readers = append(c.readers, r)
	return r, nil
}

// Close unmaps every mapping created through the channel and releases the descriptor.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.readers = nil
	if c.writer != nil {
		if err := c.writer.release(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.writer = nil
	}
	if err := closeRegion(c.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// mapping is one mmap of the region. mem is nil once unmapped, so handles that outlive
// the mapping fail with ErrClosed instead of touching released memory.
type mapping struct {
	mu  sync.RWMutex
	mem []byte
}

func (m *mapping) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	return unmapRegion(mem)
}

func (m *mapping) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mem)
}

func (m *mapping) bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem
}

func (m *mapping) readAt(offset, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mem == nil {
		return nil, ErrClosed
	}
	if err := checkBounds(offset, length, len(m.mem)); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.mem[offset:offset+length])
	return out, nil
}

// Writer mutates the shared region in place. Writes are visible to every reader immediately.
type Writer struct {
	m *mapping
}

// Len returns the region size, 0 after the channel is closed.
func (w *Writer) Len() int {
	return w.m.len()
}

// Bytes exposes the mapped region for hot-path updates. The slice is only valid until the
// channel is closed; afterwards Bytes returns nil.
func (w *Writer) Bytes() []byte {
	return w.m.bytes()
}

// WriteAt copies b into the region at offset.
func (w *Writer) WriteAt(offset int, b []byte) error {
	w.m.mu.RLock()
	defer w.m.mu.RUnlock()
	if w.m.mem == nil {
		return ErrClosed
	}
	if err := checkBounds(offset, len(b), len(w.m.mem)); err != nil {
		return err
	}
	copy(w.m.mem[offset:], b)
	return nil
}

// ReadAt returns a copy of length bytes starting at offset.
func (w *Writer) ReadAt(offset, length int) ([]byte, error) {
	return w.m.readAt(offset, length)
}

// Zero clears the whole region. It does nothing after the channel is closed.
func (w *Writer) Zero() {
	w.m.mu.RLock()
	defer w.m.mu.RUnlock()
	clear(w.m.mem)
}

// Reader is a read-only mapping of a shared region.
type Reader struct {
	m mapping
}

// OpenReader maps a region of size bytes from fd read-only. The descriptor may come from
// another process; the mapping stays valid after the descriptor is closed.
func OpenReader(fd int, size int) (*Reader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid reader size %d", size)
	}
	mem, err := mapRegion(fd, size, false)
	if err != nil {
		return nil, fmt.Errorf("failed to map reader: %w", err)
	}
	return &Reader{m: mapping{mem: mem}}, nil
}

// Len returns the region size, 0 after Close.
func (r *Reader) Len() int {
	return r.m.len()
}

// Bytes exposes the read-only mapping. Writing through the slice faults, and the slice is
// only valid until Close; afterwards Bytes returns nil.
func (r *Reader) Bytes() []byte {
	return r.m.bytes()
}

// ReadAt returns a copy of length bytes starting at offset, ErrClosed after Close.
func (r *Reader) ReadAt(offset, length int) ([]byte, error) {
	return r.m.readAt(offset, length)
}

// ReadAll returns a copy of the whole region, nil after Close.
func (r *Reader) ReadAll() []byte {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	if r.m.mem == nil {
		return nil
	}
	out := make([]byte, len(r.m.mem))
	copy(out, r.m.mem)
	return out
}

// Close unmaps the reader. Safe to call more than once.
func (r *Reader) Close() error {
	return r.m.release()
}
