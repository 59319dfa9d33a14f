/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Error taxonomy for the shared coverage channel. Sentinel errors are matched with
errors.Is, the bounds error carries the offending offset for diagnostics.
*/

package shm

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when the OS cannot provide shareable memory of the requested size.
	ErrAllocation = errors.New("shared memory allocation failed")
	// ErrSealed is returned when a writer is requested after the region was sealed against writes.
	ErrSealed = errors.New("shared memory region is sealed for writing")
	// ErrOutOfBounds is returned by accessors when offset+len exceeds the region size.
	ErrOutOfBounds = errors.New("shared memory access out of bounds")
	// ErrClosed is returned when the channel or mapping was already released.
	ErrClosed = errors.New("shared memory region is closed")
)

// BoundsError describes a rejected access. It matches ErrOutOfBounds.
type BoundsError struct {
	Offset int
	Length int
	Size   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("access [%d, %d) outside region of %d bytes", e.Offset, e.Offset+e.Length, e.Size)
}

// Is reports whether target is ErrOutOfBounds.
func (e *BoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}

func checkBounds(offset, length, size int) error {
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return &BoundsError{Offset: offset, Length: length, Size: size}
	}
	return nil
}
