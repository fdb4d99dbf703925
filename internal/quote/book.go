package quote

import (
	"sync"
	"time"
)

// retention keeps consumed and expired quotes around long enough to report
// why they can't be used.
const retention = 10 * time.Minute

type bookEntry struct {
	quote    *Quote
	consumed bool
}

// Book holds issued quotes until they expire. Each quote is consumed at
// most once.
type Book struct {
	mu     sync.Mutex
	quotes map[string]*bookEntry
	now    func() time.Time
}

// NewBook creates an empty quote book.
func NewBook(clock func() time.Time) *Book {
	if clock == nil {
		clock = time.Now
	}
	return &Book{
		quotes: make(map[string]*bookEntry),
		now:    clock,
	}
}

// Put stores a quote and prunes stale entries.
func (b *Book) Put(q *Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	b.quotes[q.ID] = &bookEntry{quote: q}
}

// Lookup returns a live quote.
func (b *Book) Lookup(id string) (*Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return e.quote, nil
}

// Consume marks a live quote used and returns it.
func (b *Book) Consume(id string) (*Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.liveLocked(id)
	if err != nil {
		return nil, err
	}
	e.consumed = true
	return e.quote, nil
}

// Release makes a consumed quote usable again, for when the swap it was
// consumed for could not be created.
func (b *Book) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.quotes[id]; ok {
		e.consumed = false
	}
}

// Len returns the number of tracked quotes.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.quotes)
}

// Prune drops entries that expired more than the retention window ago.
func (b *Book) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pruneLocked(b.now())
}

func (b *Book) liveLocked(id string) (*bookEntry, error) {
	e, ok := b.quotes[id]
	if !ok {
		return nil, ErrQuoteNotFound
	}
	if e.consumed {
		return nil, ErrQuoteConsumed
	}
	if e.quote.Expired(b.now()) {
		return nil, ErrQuoteExpired
	}
	return e, nil
}

func (b *Book) pruneLocked(now time.Time) int {
	n := 0
	for id, e := range b.quotes {
		if now.Sub(e.quote.ExpiresAt) > retention {
			delete(b.quotes, id)
			n++
		}
	}
	return n
}
