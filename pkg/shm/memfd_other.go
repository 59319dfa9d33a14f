/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memfd_other.go
Description: Fallback for platforms without memfd. Every allocation fails.
*/

//go:build !linux

package shm

import "errors"

var errUnsupported = errors.New("memfd is only available on linux")

func createRegion(name string, size int) (int, error) { return -1, errUnsupported }

func mapRegion(fd int, size int, writable bool) ([]byte, error) { return nil, errUnsupported }

func sealFutureWrites(fd int) error { return errUnsupported }

func unmapRegion(mem []byte) error { return nil }

func closeRegion(fd int) error { return nil }
