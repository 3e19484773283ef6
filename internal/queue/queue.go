// Package queue implements the playlist Queue of spec.md §3/§4.6: a
// doubly-linked ordering of Tracks with two parallel orders (original and
// mapped/play order) and a lazily-indexed cursor. All mutating operations
// take the queue lock; per-track attribute mutation (internal/track) does
// not, so metadata merges never block playback.
package queue

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/riftaudio/streamd/internal/track"
)

// Order selects which of the two parallel orderings an operation addresses.
type Order int

const (
	OrderOriginal Order = iota
	OrderMapped
)

type node struct {
	item *track.Track

	origPrev, origNext   *node
	mappedPrev, mappedNext *node
}

// Header mirrors spec.md §3's Queue header.
type Header struct {
	ID          string
	Name        string
	LastChanged time.Time
	Length      int
}

// ItemRef identifies an item for remove/move by id. Ids are unique within a
// Queue; Position is not consulted when matching.
type ItemRef struct {
	ID       string
	Position *int
}

// Queue holds the ordered track list plus cursor, guarded by one mutex.
type Queue struct {
	mu sync.Mutex

	header Header

	origHead, origTail     *node
	mappedHead, mappedTail *node
	byID                   map[string]*node

	cursor *node
}

// New creates an empty Queue.
func New(id, name string) *Queue {
	return &Queue{
		header: Header{ID: id, Name: name, LastChanged: time.Now()},
		byID:   make(map[string]*node),
	}
}

func (q *Queue) touch() { q.header.LastChanged = time.Now() }

// Header returns a snapshot of the queue header, including the current
// node count.
func (q *Queue) Header() Header {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.header
	h.Length = len(q.byID)
	return h
}

// Length returns the current node count.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

func (q *Queue) linkOriginal(after *node, n *node) {
	if after == nil {
		n.origNext = q.origHead
		if q.origHead != nil {
			q.origHead.origPrev = n
		}
		q.origHead = n
		if q.origTail == nil {
			q.origTail = n
		}
		return
	}
	n.origNext = after.origNext
	n.origPrev = after
	if after.origNext != nil {
		after.origNext.origPrev = n
	} else {
		q.origTail = n
	}
	after.origNext = n
}

func (q *Queue) unlinkOriginal(n *node) {
	if n.origPrev != nil {
		n.origPrev.origNext = n.origNext
	} else {
		q.origHead = n.origNext
	}
	if n.origNext != nil {
		n.origNext.origPrev = n.origPrev
	} else {
		q.origTail = n.origPrev
	}
	n.origPrev, n.origNext = nil, nil
}

func (q *Queue) linkMapped(after *node, n *node) {
	if after == nil {
		n.mappedNext = q.mappedHead
		if q.mappedHead != nil {
			q.mappedHead.mappedPrev = n
		}
		q.mappedHead = n
		if q.mappedTail == nil {
			q.mappedTail = n
		}
		return
	}
	n.mappedNext = after.mappedNext
	n.mappedPrev = after
	if after.mappedNext != nil {
		after.mappedNext.mappedPrev = n
	} else {
		q.mappedTail = n
	}
	after.mappedNext = n
}

func (q *Queue) unlinkMapped(n *node) {
	if n.mappedPrev != nil {
		n.mappedPrev.mappedNext = n.mappedNext
	} else {
		q.mappedHead = n.mappedNext
	}
	if n.mappedNext != nil {
		n.mappedNext.mappedPrev = n.mappedPrev
	} else {
		q.mappedTail = n.mappedPrev
	}
	n.mappedPrev, n.mappedNext = nil, nil
}

func (q *Queue) nodeAtOriginal(pos int) *node {
	n := q.origHead
	for i := 0; i < pos && n != nil; i++ {
		n = n.origNext
	}
	return n
}

func (q *Queue) nodeAtMapped(pos int) *node {
	n := q.mappedHead
	for i := 0; i < pos && n != nil; i++ {
		n = n.mappedNext
	}
	return n
}

func (q *Queue) nodeAt(order Order, pos int) *node {
	if order == OrderOriginal {
		return q.nodeAtOriginal(pos)
	}
	return q.nodeAtMapped(pos)
}

// Add inserts items before posOriginal/posMapped in their respective
// orderings (appended if the position is nil or past the end). If replace
// is true the existing queue is cleared first.
func (q *Queue) Add(posOriginal, posMapped *int, items []*track.Track, replace bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Reject duplicate ids before touching the queue, so a failed Add
	// leaves it unchanged.
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		_, exists := q.byID[it.ID()]
		if (exists && !replace) || seen[it.ID()] {
			return fmt.Errorf("queue: track id %q already present", it.ID())
		}
		seen[it.ID()] = true
	}

	if replace {
		q.clearLocked()
	}

	origAfter := q.lastBefore(OrderOriginal, posOriginal)
	mappedAfter := q.lastBefore(OrderMapped, posMapped)

	for _, it := range items {
		if _, exists := q.byID[it.ID()]; exists {
			return fmt.Errorf("queue: track id %q already present", it.ID())
		}
		n := &node{item: it}
		q.linkOriginal(origAfter, n)
		q.linkMapped(mappedAfter, n)
		q.byID[it.ID()] = n
		origAfter = n
		mappedAfter = n
	}
	q.touch()
	return nil
}

// lastBefore returns the node to insert after so the new node lands at pos
// (nil pos means append at tail).
func (q *Queue) lastBefore(order Order, pos *int) *node {
	if pos == nil {
		if order == OrderOriginal {
			return q.origTail
		}
		return q.mappedTail
	}
	if *pos <= 0 {
		return nil
	}
	if n := q.nodeAt(order, *pos-1); n != nil {
		return n
	}
	return q.lastBefore(order, nil) // past the end: append at tail
}

func (q *Queue) clearLocked() {
	q.origHead, q.origTail = nil, nil
	q.mappedHead, q.mappedTail = nil, nil
	q.byID = make(map[string]*node)
	q.cursor = nil
}

// Remove deletes the items whose ids match refs from both orderings; ids not
// in the queue are skipped and ref.Position is not consulted.
func (q *Queue) Remove(refs []ItemRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ref := range refs {
		n, ok := q.byID[ref.ID]
		if !ok {
			continue
		}
		if q.cursor == n {
			q.cursor = q.cursor.mappedNext
		}
		q.unlinkOriginal(n)
		q.unlinkMapped(n)
		delete(q.byID, ref.ID)
	}
	q.touch()
	return nil
}

// Move relocates items to targetPos within the given ordering.
func (q *Queue) Move(order Order, targetPos int, refs []ItemRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	nodes := make([]*node, 0, len(refs))
	for _, ref := range refs {
		if n, ok := q.byID[ref.ID]; ok {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return nil
	}

	for _, n := range nodes {
		if order == OrderOriginal {
			q.unlinkOriginal(n)
		} else {
			q.unlinkMapped(n)
		}
	}

	after := q.lastBefore(order, &targetPos)
	for _, n := range nodes {
		if order == OrderOriginal {
			q.linkOriginal(after, n)
		} else {
			q.linkMapped(after, n)
		}
		after = n
	}
	q.touch()
	return nil
}

// cryptoIntn returns a uniform random int in [0,n) using crypto/rand, since
// playlist shuffle fairness is a correctness property (spec.md §8) not a
// place to reach for math/rand's weaker guarantees.
func cryptoIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// Shuffle applies Fisher-Yates over the mapped ordering's [start,end)
// range. If moveCursorToStart and the cursor item lies in the range, it is
// transposed with the range's first element and stays there while the rest
// of the range is shuffled (spec.md §4.6).
func (q *Queue) Shuffle(start, end int, moveCursorToStart bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	nodes := make([]*node, 0, len(q.byID))
	for n := q.mappedHead; n != nil; n = n.mappedNext {
		nodes = append(nodes, n)
	}
	if end > len(nodes) {
		end = len(nodes)
	}
	if start < 0 || start >= end {
		return fmt.Errorf("queue: invalid shuffle range [%d,%d)", start, end)
	}

	if moveCursorToStart && q.cursor != nil {
		cursorIdx := -1
		for i, n := range nodes {
			if n == q.cursor {
				cursorIdx = i
				break
			}
		}
		if cursorIdx >= start && cursorIdx < end {
			nodes[start], nodes[cursorIdx] = nodes[cursorIdx], nodes[start]
			start++
		}
	}

	for i := end - 1; i > start; i-- {
		j := start + cryptoIntn(i-start+1)
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}

	q.relinkMapped(nodes)
	q.touch()
	return nil
}

func (q *Queue) relinkMapped(nodes []*node) {
	q.mappedHead, q.mappedTail = nil, nil
	var prev *node
	for _, n := range nodes {
		n.mappedPrev = prev
		n.mappedNext = nil
		if prev == nil {
			q.mappedHead = n
		} else {
			prev.mappedNext = n
		}
		prev = n
	}
	q.mappedTail = prev
}

// SetCursorPosition moves the cursor to the given index in the mapped
// ordering.
func (q *Queue) SetCursorPosition(pos int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.nodeAtMapped(pos)
	if n == nil {
		return fmt.Errorf("queue: position %d out of range", pos)
	}
	q.cursor = n
	return nil
}

// CursorPosition recomputes the cursor's integer index in the mapped
// ordering on demand — spec.md §3: "only the pointer is authoritative, the
// position integer is recomputed."
func (q *Queue) CursorPosition() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor == nil {
		return 0, false
	}
	i := 0
	for n := q.mappedHead; n != nil; n = n.mappedNext {
		if n == q.cursor {
			return i, true
		}
		i++
	}
	return 0, false
}

// GetCursorItem returns the track the cursor designates, if any.
func (q *Queue) GetCursorItem() (*track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor == nil {
		return nil, false
	}
	return q.cursor.item, true
}

// AdvanceCursor moves the cursor to the next item in the mapped ordering.
// It returns false if the cursor fell past the end.
func (q *Queue) AdvanceCursor() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cursor == nil {
		return false
	}
	q.cursor = q.cursor.mappedNext
	return q.cursor != nil
}

// WrapCursorToStart resets the cursor to position 0 of the mapped
// ordering.
func (q *Queue) WrapCursorToStart() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cursor = q.mappedHead
}

// GetItem returns the item at pos in the given ordering.
func (q *Queue) GetItem(order Order, pos int) (*track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.nodeAt(order, pos)
	if n == nil {
		return nil, false
	}
	return n.item, true
}

// Items returns a snapshot of the tracks in the given ordering.
func (q *Queue) Items(order Order) []*track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*track.Track, 0, len(q.byID))
	if order == OrderOriginal {
		for n := q.origHead; n != nil; n = n.origNext {
			out = append(out, n.item)
		}
		return out
	}
	for n := q.mappedHead; n != nil; n = n.mappedNext {
		out = append(out, n.item)
	}
	return out
}

// RemapFromOriginal rebuilds the mapped ordering to match the original
// ordering — used when the original ordering was edited while a
// non-shuffle mode is active (spec.md §4.6: "remap afterwards").
func (q *Queue) RemapFromOriginal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	nodes := make([]*node, 0, len(q.byID))
	for n := q.origHead; n != nil; n = n.origNext {
		nodes = append(nodes, n)
	}
	q.relinkMapped(nodes)
	q.touch()
}
