// Package neighbors implements k-nearest-neighbor search over named feature
// dimensions, with a KD-tree for production use and a brute-force scan used to
// verify it.
package neighbors

import (
	"container/heap"
	"sort"
)

// Point is a position in feature space, keyed by dimension name. Every point
// in one tree must carry the same dimensions.
type Point = map[string]float64

// Entry pairs a search point with the value it stands for.
type Entry[T any] struct {
	Point Point
	Value T
}

type node[T any] struct {
	entry Entry[T]
	axis  string
	left  *node[T]
	right *node[T]
}

// KDTree answers nearest-neighbor queries in O(log n) on average. The zero
// value is not usable; call Build.
type KDTree[T any] struct {
	root *node[T]
	dims []string
	size int
}

// Build constructs a tree over the given entries. At each level the split
// axis is the dimension with the highest variance among the remaining points,
// and the median point along that axis becomes the node.
func Build[T any](entries []Entry[T]) *KDTree[T] {
	t := &KDTree[T]{size: len(entries)}
	if len(entries) == 0 {
		return t
	}
	t.dims = make([]string, 0, len(entries[0].Point))
	for dim := range entries[0].Point {
		t.dims = append(t.dims, dim)
	}
	sort.Strings(t.dims)

	scratch := make([]Entry[T], len(entries))
	copy(scratch, entries)
	t.root = t.build(scratch)
	return t
}

// Size reports how many entries the tree holds.
func (t *KDTree[T]) Size() int {
	return t.size
}

func (t *KDTree[T]) build(entries []Entry[T]) *node[T] {
	if len(entries) == 0 {
		return nil
	}

	axis := t.highestVarianceAxis(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Point[axis] < entries[j].Point[axis]
	})
	median := len(entries) / 2

	return &node[T]{
		entry: entries[median],
		axis:  axis,
		left:  t.build(entries[:median]),
		right: t.build(entries[median+1:]),
	}
}

func (t *KDTree[T]) highestVarianceAxis(entries []Entry[T]) string {
	best, bestVariance := t.dims[0], -1.0
	for _, dim := range t.dims {
		var mean float64
		for _, e := range entries {
			mean += e.Point[dim]
		}
		mean /= float64(len(entries))

		var variance float64
		for _, e := range entries {
			d := e.Point[dim] - mean
			variance += d * d
		}
		variance /= float64(len(entries))

		if variance > bestVariance {
			best, bestVariance = dim, variance
		}
	}
	return best
}

// candidate heap: a max-heap on distance so the worst of the current k
// candidates sits at the top and is cheap to evict.
type candidate[T any] struct {
	dist  float64
	entry Entry[T]
}

type candidateHeap[T any] []candidate[T]

func (h candidateHeap[T]) Len() int           { return len(h) }
func (h candidateHeap[T]) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h candidateHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap[T]) Push(x any)        { *h = append(*h, x.(candidate[T])) }
func (h *candidateHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Nearest returns up to k entries closest to target by squared Euclidean
// distance over the target's dimensions, ordered closest first.
func (t *KDTree[T]) Nearest(target Point, k int) []Entry[T] {
	if t.root == nil || k <= 0 {
		return nil
	}

	best := &candidateHeap[T]{}
	t.search(t.root, target, k, best)

	out := make([]Entry[T], best.Len())
	for i := best.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(best).(candidate[T]).entry
	}
	return out
}

func (t *KDTree[T]) search(n *node[T], target Point, k int, best *candidateHeap[T]) {
	if n == nil {
		return
	}

	dist := squaredDistance(target, n.entry.Point)
	if best.Len() < k {
		heap.Push(best, candidate[T]{dist: dist, entry: n.entry})
	} else if dist <= (*best)[0].dist {
		(*best)[0] = candidate[T]{dist: dist, entry: n.entry}
		heap.Fix(best, 0)
	}

	next, other := n.left, n.right
	if target[n.axis] >= n.entry.Point[n.axis] {
		next, other = n.right, n.left
	}
	t.search(next, target, k, best)

	// Only cross the splitting plane when the current search sphere reaches
	// it, or the candidate set is still short.
	planeDist := target[n.axis] - n.entry.Point[n.axis]
	if best.Len() < k || (*best)[0].dist > planeDist*planeDist {
		t.search(other, target, k, best)
	}
}

func squaredDistance(a, b Point) float64 {
	var sum float64
	for dim, av := range a {
		d := av - b[dim]
		sum += d * d
	}
	return sum
}
