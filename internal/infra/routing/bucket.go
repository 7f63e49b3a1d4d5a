package routing

import "github.com/meshwork/meshnode/internal/domain"

// replacementCap bounds each bucket's replacement cache.
const replacementCap = 32

// bucket holds up to k contacts, least-recently-seen first.
type bucket struct {
	entries []domain.Contact
	repl    []domain.Contact
}

func (b *bucket) indexOf(g domain.GUID) int {
	for i, c := range b.entries {
		if c.GUID == g {
			return i
		}
	}
	return -1
}

// touch moves entry i to the most-recently-seen end, storing c in its place.
func (b *bucket) touch(i int, c domain.Contact) {
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = c
}

func (b *bucket) remove(i int) domain.Contact {
	c := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return c
}

// addReplacement keeps the newest candidates, without duplicates.
func (b *bucket) addReplacement(c domain.Contact) {
	b.dropReplacement(c.GUID)
	if len(b.repl) >= replacementCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:replacementCap-1]
	}
	b.repl = append(b.repl, c)
}

func (b *bucket) dropReplacement(g domain.GUID) {
	for i := range b.repl {
		if b.repl[i].GUID == g {
			b.repl = append(b.repl[:i], b.repl[i+1:]...)
			return
		}
	}
}

// popReplacement returns the most recent candidate.
func (b *bucket) popReplacement() (domain.Contact, bool) {
	n := len(b.repl)
	if n == 0 {
		return domain.Contact{}, false
	}
	c := b.repl[n-1]
	b.repl = b.repl[:n-1]
	return c, true
}
