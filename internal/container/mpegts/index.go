package mpegts

import (
	"sort"
)

// indexEntry is a keyframe of the reference stream and the byte offset of
// the packet that starts it.
type indexEntry struct {
	pts    int64
	offset int64
}

// keyIndex is a sorted keyframe index. It only ever grows from a region
// read contiguously from the start of the input, so every entry below
// coveredTo is known.
type keyIndex struct {
	entries   []indexEntry
	coveredTo int64
	complete  bool
}

func (x *keyIndex) add(pts, offset int64) {
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].pts >= pts })
	if i < len(x.entries) && x.entries[i].pts == pts {
		return
	}
	x.entries = append(x.entries, indexEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = indexEntry{pts: pts, offset: offset}
}

// observe extends the covered range to pts.
func (x *keyIndex) observe(pts int64) {
	if pts > x.coveredTo {
		x.coveredTo = pts
	}
}

// covers reports whether every keyframe up to pts is already indexed.
func (x *keyIndex) covers(pts int64) bool {
	return x.complete || pts < x.coveredTo
}

// search returns the entry closest to pts: the last one at or before it
// when backward, otherwise the first one at or after it.
func (x *keyIndex) search(pts int64, backward bool) (indexEntry, bool) {
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].pts > pts })
	if backward {
		if i == 0 {
			return indexEntry{}, false
		}
		return x.entries[i-1], true
	}
	if i > 0 && x.entries[i-1].pts == pts {
		return x.entries[i-1], true
	}
	if i == len(x.entries) {
		return indexEntry{}, false
	}
	return x.entries[i], true
}

// last returns the final entry, if any.
func (x *keyIndex) last() (indexEntry, bool) {
	if len(x.entries) == 0 {
		return indexEntry{}, false
	}
	return x.entries[len(x.entries)-1], true
}

func (x *keyIndex) reset() {
	*x = keyIndex{}
}
