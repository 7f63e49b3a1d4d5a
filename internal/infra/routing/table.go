// Package routing implements the XOR-distance routing table: 64 buckets of at
// most k contacts each, indexed by the length of the common GUID prefix with
// the local node.
//
// The table never talks to the network. When a bucket is full, Insert reports
// the least-recently-seen entry so the caller can challenge it.
package routing

import (
	"math/bits"
	"slices"
	"sync"

	"github.com/meshwork/meshnode/internal/domain"
)

// DefaultBucketSize is the default k.
const DefaultBucketSize = 20

// BucketCount is the number of buckets, one per bit of a GUID.
const BucketCount = 64

// Outcome classifies what Insert did.
type Outcome int

const (
	// Ignored means the contact was the local node.
	Ignored Outcome = iota
	// Refreshed means the contact was known and is now most-recently-seen.
	Refreshed
	// Inserted means the contact was added to a bucket with room.
	Inserted
	// Deferred means the bucket is full; Stale should be challenged.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Refreshed:
		return "refreshed"
	case Inserted:
		return "inserted"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// InsertResult is returned by Insert. Stale is set only for Deferred.
type InsertResult struct {
	Outcome Outcome
	Stale   domain.Contact
}

// BucketStats summarizes one non-empty bucket.
type BucketStats struct {
	Index        int              `json:"index"`
	Contacts     []domain.Contact `json:"contacts"`
	Replacements int              `json:"replacements"`
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	self    domain.Contact
	k       int
	buckets [BucketCount]bucket
}

// New creates an empty table for self. k <= 0 selects DefaultBucketSize.
func New(self domain.Contact, k int) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	return &Table{self: self, k: k}
}

// Self returns the local contact.
func (t *Table) Self() domain.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// SetSelf replaces the local contact. The GUID must not change.
func (t *Table) SetSelf(c domain.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.GUID == t.self.GUID {
		t.self = c
	}
}

// K returns the bucket capacity.
func (t *Table) K() int { return t.k }

// bucketIndex must not be called with the local GUID.
func (t *Table) bucketIndex(g domain.GUID) int {
	return bits.LeadingZeros64(uint64(t.self.GUID ^ g))
}

// Insert offers c to the table.
func (t *Table) Insert(c domain.Contact) InsertResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.GUID == t.self.GUID {
		return InsertResult{Outcome: Ignored}
	}
	b := &t.buckets[t.bucketIndex(c.GUID)]
	if i := b.indexOf(c.GUID); i >= 0 {
		b.touch(i, c)
		return InsertResult{Outcome: Refreshed}
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, c)
		b.dropReplacement(c.GUID)
		return InsertResult{Outcome: Inserted}
	}
	return InsertResult{Outcome: Deferred, Stale: b.entries[0]}
}

// Remove deletes guid if present and promotes the newest replacement
// candidate into the freed slot. Removing an absent GUID is a no-op.
func (t *Table) Remove(guid domain.GUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if guid == t.self.GUID {
		return false
	}
	b := &t.buckets[t.bucketIndex(guid)]
	i := b.indexOf(guid)
	if i < 0 {
		b.dropReplacement(guid)
		return false
	}
	b.remove(i)
	if c, ok := b.popReplacement(); ok {
		b.entries = append(b.entries, c)
	}
	return true
}

// Replace evicts stale and inserts fresh in its bucket. It reports whether
// fresh is now in the table. When stale is already gone and the bucket has
// filled up again, fresh is kept as a replacement candidate instead.
func (t *Table) Replace(stale domain.GUID, fresh domain.Contact) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fresh.GUID == t.self.GUID {
		return false
	}
	if stale != t.self.GUID {
		sb := &t.buckets[t.bucketIndex(stale)]
		if i := sb.indexOf(stale); i >= 0 {
			sb.remove(i)
		}
	}
	b := &t.buckets[t.bucketIndex(fresh.GUID)]
	if i := b.indexOf(fresh.GUID); i >= 0 {
		b.touch(i, fresh)
		return true
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, fresh)
		b.dropReplacement(fresh.GUID)
		return true
	}
	b.addReplacement(fresh)
	return false
}

// AddReplacement remembers c as a candidate for its bucket.
func (t *Table) AddReplacement(c domain.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.GUID == t.self.GUID {
		return
	}
	b := &t.buckets[t.bucketIndex(c.GUID)]
	if b.indexOf(c.GUID) >= 0 {
		return
	}
	b.addReplacement(c)
}

// Get returns the stored contact for guid.
func (t *Table) Get(guid domain.GUID) (domain.Contact, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if guid == t.self.GUID {
		return domain.Contact{}, false
	}
	b := &t.buckets[t.bucketIndex(guid)]
	if i := b.indexOf(guid); i >= 0 {
		return b.entries[i], true
	}
	return domain.Contact{}, false
}

// Len returns the number of stored contacts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lenLocked()
}

// Nodes returns a snapshot of every stored contact.
func (t *Table) Nodes() []domain.Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Contact, 0, t.lenLocked())
	for i := range t.buckets {
		out = append(out, t.buckets[i].entries...)
	}
	return out
}

func (t *Table) lenLocked() int {
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

// Buckets returns a snapshot of the non-empty buckets.
func (t *Table) Buckets() []BucketStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []BucketStats
	for i := range t.buckets {
		b := &t.buckets[i]
		if len(b.entries) == 0 && len(b.repl) == 0 {
			continue
		}
		out = append(out, BucketStats{
			Index:        i,
			Contacts:     slices.Clone(b.entries),
			Replacements: len(b.repl),
		})
	}
	return out
}

// FindClosest returns up to count contacts ordered by ascending XOR distance
// to target. Ties cannot occur between distinct GUIDs.
func (t *Table) FindClosest(target domain.GUID, count int) []domain.Contact {
	if count <= 0 {
		return []domain.Contact{}
	}
	all := t.Nodes()
	slices.SortStableFunc(all, func(a, b domain.Contact) int {
		da, db := domain.Distance(a.GUID, target), domain.Distance(b.GUID, target)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}
