/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memfd_linux.go
Description: Linux backing for shared regions using memfd_create with file seals.
*/

//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func createRegion(name string, size int) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	// The length is fixed for the life of the session.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_ADD_SEALS): %w", err)
	}
	return fd, nil
}

func mapRegion(fd int, size int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}

func sealFutureWrites(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_FUTURE_WRITE)
	if err != nil {
		return fmt.Errorf("fcntl(F_SEAL_FUTURE_WRITE): %w", err)
	}
	return nil
}

func unmapRegion(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}

func closeRegion(fd int) error {
	return unix.Close(fd)
}
