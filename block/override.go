package block

import (
	"sort"
	"sync"

	"github.com/anvilsec/evilmsc/internal/obs"
)

// ReadOverrideFunc supplies the bytes for an intercepted read. src and
// start/count identify the underlying image and range the override is
// shadowing, in case the callback wants to blend its own data with the
// original contents (e.g. corrupt one field and pass the rest through).
// A nil return means "decline, fall through to the base image".
type ReadOverrideFunc func(src Image, startBlock uint64, count uint32) []byte

// overrideKind distinguishes a single-block override from a range override.
type overrideKind int

const (
	overrideSingle overrideKind = iota
	overrideRange
)

// overrideEntry is one registered interception, sorted by its lowest block.
type overrideEntry struct {
	kind     overrideKind
	lo, hi   uint64 // inclusive; lo == hi for overrideSingle
	callback ReadOverrideFunc
}

func (e overrideEntry) contains(block uint64) bool {
	return block >= e.lo && block <= e.hi
}

// OverrideImage intercepts reads over a base image with a sorted list of
// per-block or per-range callbacks. Write traffic always passes straight
// through to src; overrides only ever affect what the host reads back.
//
// The walk below is the corrected form of the algorithm this package is
// modeled on: every entry whose range intersects the request is invoked
// (never skipped due to a stale state flag), and an entry that does not
// intersect the current block is simply skipped rather than treated as a
// reason to stop scanning the rest of the list.
type OverrideImage struct {
	mu      sync.RWMutex
	src     Image
	entries []overrideEntry
}

// NewOverrideImage wraps src with an empty override list.
func NewOverrideImage(src Image) *OverrideImage {
	return &OverrideImage{src: src}
}

// AddSingle registers a callback that may override reads of exactly one block.
func (o *OverrideImage) AddSingle(block uint64, cb ReadOverrideFunc) {
	o.add(overrideEntry{kind: overrideSingle, lo: block, hi: block, callback: cb})
}

// AddRange registers a callback that may override reads anywhere in [lo, hi].
func (o *OverrideImage) AddRange(lo, hi uint64, cb ReadOverrideFunc) {
	if hi < lo {
		lo, hi = hi, lo
	}
	o.add(overrideEntry{kind: overrideRange, lo: lo, hi: hi, callback: cb})
}

func (o *OverrideImage) add(e overrideEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	sort.Slice(o.entries, func(i, j int) bool { return o.entries[i].lo < o.entries[j].lo })
}

func (o *OverrideImage) BlockSize() uint32 { return o.src.BlockSize() }
func (o *OverrideImage) Capacity() uint64  { return o.src.Capacity() }

// ReadBlocks walks the requested range one run at a time. For each block it
// finds the first matching entry (sorted order) and, if one matches,
// invokes its callback for the longest contiguous run that entry covers;
// otherwise it reads that block straight from src. Entries that don't
// intersect the current block are skipped, not treated as a stop condition.
func (o *OverrideImage) ReadBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !inRange(lba, count, o.src.Capacity()) {
		return 0, obs.ErrOutOfRange
	}
	if count == 0 {
		return 0, nil
	}

	blockSize := uint64(o.BlockSize())
	end := lba + uint64(count)
	var produced uint32

	for block := lba; block < end; {
		entry, matched := o.firstMatch(block)
		if !matched {
			// Find the run of blocks up to the next override boundary (or
			// the end of the request) and read it straight from src.
			runEnd := o.nextBoundary(block, end)
			n := uint32(runEnd - block)
			off := (block - lba) * blockSize
			got, err := o.src.ReadBlocks(block, n, buf[off:])
			if err != nil {
				return produced, err
			}
			if got != n {
				return produced, obs.ErrShortRead
			}
			produced += n
			block = runEnd
			continue
		}

		runEnd := entry.hi + 1
		if runEnd > end {
			runEnd = end
		}
		n := uint32(runEnd - block)
		off := (block - lba) * blockSize
		length := uint64(n) * blockSize

		data := entry.callback(o.src, block, n)
		if data == nil {
			got, err := o.src.ReadBlocks(block, n, buf[off:])
			if err != nil {
				return produced, err
			}
			if got != n {
				return produced, obs.ErrShortRead
			}
		} else {
			m := uint64(len(data))
			if m > length {
				m = length
			}
			copy(buf[off:off+m], data[:m])
		}
		produced += n
		block = runEnd
	}

	return produced, nil
}

// firstMatch returns the first (lowest-lo) entry containing block.
func (o *OverrideImage) firstMatch(block uint64) (overrideEntry, bool) {
	for _, e := range o.entries {
		if e.contains(block) {
			return e, true
		}
	}
	return overrideEntry{}, false
}

// nextBoundary returns the first block at or after start where some entry
// begins, capped at limit.
func (o *OverrideImage) nextBoundary(start, limit uint64) uint64 {
	boundary := limit
	for _, e := range o.entries {
		if e.lo > start && e.lo < boundary {
			boundary = e.lo
		}
	}
	return boundary
}

// WriteBlocks passes straight through to src; overrides never intercept writes.
func (o *OverrideImage) WriteBlocks(lba uint64, count uint32, buf []byte) (uint32, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.src.WriteBlocks(lba, count, buf)
}

func (o *OverrideImage) Sync() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.src.Sync()
}

func (o *OverrideImage) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.src.Close()
}

var _ Image = (*OverrideImage)(nil)
