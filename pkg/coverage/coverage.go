/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: coverage.go
Description: Fuzzer-side view of the shared coverage map. A MapObserver reads the host's
hit-count map after each run and turns it into an immutable snapshot with AFL-style hit
count buckets, an edge count and a hash for quick comparison.
*/

package coverage

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// Source is a readable coverage region. ReadAll returns a private copy, or nil once the
// region is released.
type Source interface {
	ReadAll() []byte
	Len() int
}

// CoverageCollector is the interface for all coverage collectors
type CoverageCollector interface {
	// Collect snapshots coverage after a run
	Collect() (*interfaces.Coverage, error)
	// Len returns the number of map entries
	Len() int
}

// buckets maps raw hit counts to AFL's power-of-two classes
var buckets = func() [256]byte {
	var t [256]byte
	for i := range t {
		switch {
		case i == 0:
			t[i] = 0
		case i <= 2:
			t[i] = byte(i)
		case i == 3:
			t[i] = 4
		case i <= 7:
			t[i] = 8
		case i <= 15:
			t[i] = 16
		case i <= 31:
			t[i] = 32
		case i <= 127:
			t[i] = 64
		default:
			t[i] = 128
		}
	}
	return t
}()

// Bucket returns the hit count class of a raw counter
func Bucket(count byte) byte {
	return buckets[count]
}

// Classify rewrites a map in place to hit count classes
func Classify(m []byte) {
	for i, v := range m {
		if v != 0 {
			m[i] = buckets[v]
		}
	}
}

// MapObserver reads the shared coverage map. It never writes the region.
type MapObserver struct {
	src      Source
	classify bool
}

// NewMapObserver creates an observer over src. With classify set, snapshots carry hit count
// classes instead of raw counters.
func NewMapObserver(src Source, classify bool) *MapObserver {
	return &MapObserver{src: src, classify: classify}
}

// Len returns the size of the map
func (o *MapObserver) Len() int {
	return o.src.Len()
}

// Snapshot copies the map as it is now
func (o *MapObserver) Snapshot() *interfaces.Coverage {
	bitmap := o.src.ReadAll()
	if bitmap == nil {
		bitmap = []byte{}
	}
	if o.classify {
		Classify(bitmap)
	}

	edges := 0
	for _, v := range bitmap {
		if v != 0 {
			edges++
		}
	}
	return &interfaces.Coverage{
		Bitmap:    bitmap,
		EdgeCount: edges,
		Timestamp: time.Now(),
		Hash:      xxhash.Sum64(bitmap),
	}
}

// Collect implements CoverageCollector
func (o *MapObserver) Collect() (*interfaces.Coverage, error) {
	return o.Snapshot(), nil
}

// Edges returns the indices of non-zero entries in a snapshot
func Edges(c *interfaces.Coverage) []int {
	if c == nil {
		return nil
	}
	out := make([]int, 0, c.EdgeCount)
	for i, v := range c.Bitmap {
		if v != 0 {
			out = append(out, i)
		}
	}
	return out
}
