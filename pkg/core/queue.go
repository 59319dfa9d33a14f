/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: queue.go
Description: Priority queue for test case scheduling in simfuzz. A binary heap keyed on an
externally supplied score, with insertion order breaking ties so equal scores run first in,
first out.
*/

package core

import (
	"container/heap"
	"sync"
)

type queueItem struct {
	tc    *TestCase
	score int
	seq   uint64
	index int
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue implements a thread-safe priority queue for test cases
type PriorityQueue struct {
	mu    sync.Mutex
	items itemHeap
	byID  map[string]*queueItem
	seq   uint64
	score func(*TestCase) int

	insertions int64
	removals   int64
}

// NewPriorityQueue creates a queue ordered by test case priority
func NewPriorityQueue() *PriorityQueue {
	return NewScoredQueue(func(tc *TestCase) int { return tc.Priority })
}

// NewScoredQueue creates a queue ordered by score, highest first
func NewScoredQueue(score func(*TestCase) int) *PriorityQueue {
	return &PriorityQueue{
		byID:  make(map[string]*queueItem),
		score: score,
	}
}

// Put adds a test case. A test case already queued is rescored instead.
func (pq *PriorityQueue) Put(testCase *TestCase) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if item, ok := pq.byID[testCase.ID]; ok {
		item.tc = testCase
		item.score = pq.score(testCase)
		heap.Fix(&pq.items, item.index)
		return
	}
	pq.seq++
	item := &queueItem{tc: testCase, score: pq.score(testCase), seq: pq.seq}
	heap.Push(&pq.items, item)
	pq.byID[testCase.ID] = item
	pq.insertions++
}

// Get removes and returns the highest scored test case, or nil if the queue is empty
func (pq *PriorityQueue) Get() *TestCase {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return nil
	}
	item := heap.Pop(&pq.items).(*queueItem)
	delete(pq.byID, item.tc.ID)
	pq.removals++
	return item.tc
}

// Peek returns the highest scored test case without removing it
func (pq *PriorityQueue) Peek() *TestCase {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if len(pq.items) == 0 {
		return nil
	}
	return pq.items[0].tc
}

// Size returns the current number of test cases in the queue
func (pq *PriorityQueue) Size() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// IsEmpty returns true if the queue is empty
func (pq *PriorityQueue) IsEmpty() bool {
	return pq.Size() == 0
}

// Clear removes all test cases from the queue
func (pq *PriorityQueue) Clear() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.items = nil
	pq.byID = make(map[string]*queueItem)
}

// UpdatePriority changes a queued test case's priority and rescores it
func (pq *PriorityQueue) UpdatePriority(testCaseID string, newPriority int) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	item, ok := pq.byID[testCaseID]
	if !ok {
		return false
	}
	item.tc.Priority = newPriority
	item.score = pq.score(item.tc)
	heap.Fix(&pq.items, item.index)
	return true
}

// Remove removes a specific test case from the queue
func (pq *PriorityQueue) Remove(testCaseID string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	item, ok := pq.byID[testCaseID]
	if !ok {
		return false
	}
	heap.Remove(&pq.items, item.index)
	delete(pq.byID, testCaseID)
	pq.removals++
	return true
}

// GetStats returns queue statistics
func (pq *PriorityQueue) GetStats() map[string]interface{} {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	stats := map[string]interface{}{
		"size":       len(pq.items),
		"insertions": pq.insertions,
		"removals":   pq.removals,
	}
	if len(pq.items) > 0 {
		stats["max_score"] = pq.items[0].score
	}
	return stats
}
