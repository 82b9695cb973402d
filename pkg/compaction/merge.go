package compaction

import (
	"bytes"
	"container/heap"

	"github.com/cuemby/qaxcore/pkg/manifest"
	"github.com/cuemby/qaxcore/pkg/record"
	"github.com/cuemby/qaxcore/pkg/sstable"
)

type mergeItem struct {
	key      []byte
	value    []byte
	sequence uint64
	srcIndex int // index into the source files slice; higher = newer
	it       *sstable.Iterator
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	// Same key from two sources: the newer source (higher srcIndex)
	// must win, so order it first within the tie.
	return h[i].srcIndex > h[j].srcIndex
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeNewestWins performs a k-way merge over readers (one per source
// file, index-aligned with files, files assumed ascending by recency) and
// resolves duplicate keys by keeping the value from the most recently
// flushed source. Keys are business-entity identifiers (see record.Key),
// so collisions across files are routine: any order, trade or account
// with more than one event in the level being compacted produces one key
// per event, and this is what converges those rows on the entity's
// current state.
func mergeNewestWins(readers []*sstable.Reader, files []manifest.Entry) []keyValue {
	h := &mergeHeap{}
	heap.Init(h)

	for i, r := range readers {
		it := r.NewIterator()
		if it.Next() {
			heap.Push(h, &mergeItem{key: it.Key(), value: it.Value(), srcIndex: i, it: it})
		}
	}

	var out []keyValue
	for h.Len() > 0 {
		top := heap.Pop(h).(*mergeItem)

		// Drain and discard any other heap entries sharing this key;
		// they're from older sources and already lose by construction
		// (the heap's tie-break pops the newest srcIndex first).
		for h.Len() > 0 && bytes.Equal((*h)[0].key, top.key) {
			stale := heap.Pop(h).(*mergeItem)
			if stale.it.Next() {
				heap.Push(h, &mergeItem{key: stale.it.Key(), value: stale.it.Value(), srcIndex: stale.srcIndex, it: stale.it})
			}
		}

		if archived, err := record.DecodeValidated(top.value); err == nil {
			out = append(out, keyValue{key: top.key, value: top.value, sequence: archived.Sequence()})
		}

		if top.it.Next() {
			heap.Push(h, &mergeItem{key: top.it.Key(), value: top.it.Value(), srcIndex: top.srcIndex, it: top.it})
		}
	}
	return out
}
