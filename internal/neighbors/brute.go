package neighbors

import "sort"

// BruteForceNearest checks every entry and returns up to k closest to target,
// ordered closest first. It exists to verify the KD-tree and as a fallback
// for tiny data sets.
func BruteForceNearest[T any](entries []Entry[T], target Point, k int) []Entry[T] {
	if k <= 0 || len(entries) == 0 {
		return nil
	}

	type scored struct {
		dist  float64
		entry Entry[T]
	}
	distances := make([]scored, len(entries))
	for i, e := range entries {
		distances[i] = scored{dist: squaredDistance(target, e.Point), entry: e}
	}
	sort.SliceStable(distances, func(i, j int) bool {
		return distances[i].dist < distances[j].dist
	})

	if k > len(distances) {
		k = len(distances)
	}
	out := make([]Entry[T], k)
	for i := range out {
		out[i] = distances[i].entry
	}
	return out
}
