/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: corpus.go
Description: Corpus management for simfuzz. Holds the inputs that earned their place by
reaching new coverage, picks parents for mutation, trims itself to a maximum size, and
loads and persists entries as plain files.
*/

package core

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxCorpusSize applies when the configuration leaves it unset
const DefaultMaxCorpusSize = 10000

// Corpus manages the collection of kept test cases
type Corpus struct {
	testCases map[string]*TestCase
	order     []string
	maxSize   int
	rng       *rand.Rand
	mu        sync.RWMutex
}

// NewCorpus creates a new corpus instance
func NewCorpus(maxSize int, seed int64) *Corpus {
	if maxSize <= 0 {
		maxSize = DefaultMaxCorpusSize
	}
	return &Corpus{
		testCases: make(map[string]*TestCase),
		maxSize:   maxSize,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Add adds a test case to the corpus. Adding a known ID is a no-op.
func (c *Corpus) Add(testCase *TestCase) error {
	if testCase.ID == "" {
		return fmt.Errorf("test case without id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.testCases[testCase.ID]; exists {
		return nil
	}
	c.testCases[testCase.ID] = testCase
	c.order = append(c.order, testCase.ID)
	if len(c.testCases) > c.maxSize {
		c.cleanupInternal(c.maxSize)
	}
	return nil
}

// Get retrieves a test case by ID
func (c *Corpus) Get(id string) *TestCase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.testCases[id]
}

// Random returns one random entry, or nil for an empty corpus
func (c *Corpus) Random() *TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	return c.testCases[c.order[c.rng.Intn(len(c.order))]]
}

// GetRandom returns up to count distinct random entries
func (c *Corpus) GetRandom(count int) []*TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()

	if count <= 0 || len(c.order) == 0 {
		return nil
	}
	count = min(count, len(c.order))
	out := make([]*TestCase, 0, count)
	for _, i := range c.rng.Perm(len(c.order))[:count] {
		out = append(out, c.testCases[c.order[i]])
	}
	return out
}

// Select picks a parent for mutation. It runs a small tournament between random entries and
// prefers the one fuzzed least, breaking ties on higher priority.
func (c *Corpus) Select() *TestCase {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.order) == 0 {
		return nil
	}
	var best *TestCase
	for i := 0; i < 4; i++ {
		tc := c.testCases[c.order[c.rng.Intn(len(c.order))]]
		if best == nil || tc.Executions < best.Executions ||
			(tc.Executions == best.Executions && tc.Priority > best.Priority) {
			best = tc
		}
	}
	best.Executions++
	return best
}

// Remove removes a test case from the corpus
func (c *Corpus) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.testCases[id]; !exists {
		return false
	}
	delete(c.testCases, id)
	c.rebuildOrder()
	return true
}

// Size returns the current number of test cases in the corpus
func (c *Corpus) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.testCases)
}

// Cleanup trims the corpus to targetSize and returns how many entries were dropped
func (c *Corpus) Cleanup(targetSize int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupInternal(targetSize)
}

func (c *Corpus) cleanupInternal(targetSize int) int {
	if len(c.testCases) <= targetSize {
		return 0
	}
	all := make([]*TestCase, 0, len(c.testCases))
	for _, tc := range c.testCases {
		all = append(all, tc)
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := removalScore(all[i]), removalScore(all[j])
		if si != sj {
			return si > sj
		}
		return all[i].ID < all[j].ID
	})
	removed := 0
	for _, tc := range all[targetSize:] {
		delete(c.testCases, tc.ID)
		removed++
	}
	c.rebuildOrder()
	return removed
}

func (c *Corpus) rebuildOrder() {
	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.testCases[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
}

// removalScore ranks entries for trimming. Higher scores are kept.
func removalScore(tc *TestCase) int {
	score := tc.Priority
	score -= int(tc.Executions) * 5
	if tc.Coverage != nil {
		score += tc.Coverage.EdgeCount * 10
	}
	if tc.Generation == 0 {
		score += 500
	}
	return score
}

// GetAll returns all test cases in insertion order
func (c *Corpus) GetAll() []*TestCase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*TestCase, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.testCases[id])
	}
	return out
}

// GetStats returns corpus statistics
func (c *Corpus) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	generations := make(map[int]int)
	totalEdges := 0
	totalBytes := 0
	for _, tc := range c.testCases {
		generations[tc.Generation]++
		totalBytes += len(tc.Data)
		if tc.Coverage != nil {
			totalEdges += tc.Coverage.EdgeCount
		}
	}
	stats := map[string]interface{}{
		"size":                    len(c.testCases),
		"max_size":                c.maxSize,
		"generation_distribution": generations,
	}
	if n := len(c.testCases); n > 0 {
		stats["avg_edges"] = float64(totalEdges) / float64(n)
		stats["avg_size"] = float64(totalBytes) / float64(n)
	}
	return stats
}

// LoadDir reads every regular file in dir as a seed. A missing directory yields no seeds.
func LoadDir(dir string) ([]*TestCase, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus directory: %w", err)
	}

	var seeds []*TestCase
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed %s: %w", entry.Name(), err)
		}
		seeds = append(seeds, &TestCase{
			ID:        uuid.New().String(),
			Data:      data,
			CreatedAt: time.Now(),
			Priority:  100,
			Metadata:  map[string]interface{}{"seed": entry.Name()},
		})
	}
	return seeds, nil
}

// RandomSeeds builds count random inputs of 1 to 64 bytes
func RandomSeeds(count int, seed int64) []*TestCase {
	rng := rand.New(rand.NewSource(seed))
	seeds := make([]*TestCase, 0, count)
	for i := 0; i < count; i++ {
		data := make([]byte, 1+rng.Intn(64))
		rng.Read(data)
		seeds = append(seeds, &TestCase{
			ID:        uuid.New().String(),
			Data:      data,
			CreatedAt: time.Now(),
			Priority:  100,
			Metadata:  map[string]interface{}{"seed": "random"},
		})
	}
	return seeds
}

// Persist writes a test case's input to dir under its ID
func Persist(dir string, tc *TestCase) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, tc.ID)
	if err := os.WriteFile(path, tc.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
