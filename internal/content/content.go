// Package content implements content addressing for tile payloads.
// Normalized containers key their blob table by the MD5 of the payload,
// so identical tiles share one stored copy. MD5 is the identity the
// MBTiles ecosystem agreed on for this table; it is used here as a
// content fingerprint, not as a security primitive.
package content

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
)

// ID returns the lowercase hex MD5 of the payload. Two payloads receive
// the same ID exactly when their bytes are identical; an empty payload
// has a well-defined ID too.
func ID(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Sum returns the raw 16-byte MD5 of the payload, for callers that feed
// digests into other hashes and do not want the hex detour.
func Sum(data []byte) [md5.Size]byte {
	return md5.Sum(data)
}

// Tracker counts distinct blobs versus total references over one write
// session. The copy engine uses it to report how much deduplication the
// destination's content table achieved.
type Tracker struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	refs     uint64
	blobSize uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]struct{})}
}

// Observe records one reference to the payload with the given ID and
// reports whether this is the first time the tracker has seen it.
func (t *Tracker) Observe(id string, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	t.blobSize += uint64(size)
	return true
}

// Distinct returns the number of unique payloads observed.
func (t *Tracker) Distinct() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(len(t.seen))
}

// Refs returns the total number of references observed.
func (t *Tracker) Refs() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs
}

// Deduped returns how many references resolved to an already-stored
// payload.
func (t *Tracker) Deduped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs - uint64(len(t.seen))
}

// DistinctBytes returns the total size of the unique payloads observed.
func (t *Tracker) DistinctBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blobSize
}
