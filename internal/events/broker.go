package events

import (
	"context"
	"sync"
	"time"

	"medgate.org/internal/store"
)

// Change names.
const (
	InstitutionsChanged = "institutions.changed"
	AccountsChanged     = "accounts.changed"
	CasesChanged        = "cases.changed"
	DecisionsChanged    = "decisions.changed"
)

// Change tells dashboards which collections moved and should be re-read.
type Change struct {
	Name        string             `json:"name"`
	Collections []store.Collection `json:"collections,omitempty"`
	At          time.Time          `json:"at"`
}

// For returns the change name emitted when c is written.
func For(c store.Collection) string {
	switch c {
	case store.Institutions:
		return InstitutionsChanged
	case store.Accounts:
		return AccountsChanged
	case store.Cases:
		return CasesChanged
	case store.DecisionDiary:
		return DecisionsChanged
	default:
		return string(c) + ".changed"
	}
}

// Broker fan-outs changes to all active subscribers (SSE clients).
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	next   int
	buffer int
}

// NewBroker returns a broker whose subscribers buffer up to buffer changes.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[int]chan Change), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive changes.
// The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the change to all subscribers.
func (b *Broker) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- c:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishWrites emits one change per written collection, in write order.
func (b *Broker) PublishWrites(at time.Time, writes ...store.Write) {
	for _, w := range writes {
		b.Publish(Change{Name: For(w.Collection), Collections: []store.Collection{w.Collection}, At: at})
	}
}

// Subscribers reports the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
