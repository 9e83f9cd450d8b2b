// Package live delivers contract snapshots to whoever is watching a contract:
// in-process subscribers through the Broker and remote ones through the
// WebSocket Hub.
package live

import (
	"context"
	"errors"
	"sync"

	"github.com/atmx/liquidation-engine/internal/model"
)

// AllContracts subscribes to every contract.
const AllContracts = ""

var ErrBrokerClosed = errors.New("live: broker closed")

// Subscriber streams snapshots of one contract. The channel is closed when
// ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, contractID string) (<-chan model.Contract, error)
}

// Publisher accepts new contract snapshots.
type Publisher interface {
	Publish(c model.Contract)
}

type subscription struct {
	ch chan model.Contract
}

// Broker fans contract snapshots out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the update and catches up on the next.
type Broker struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

// NewBroker creates a broker with the given per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{buffer: buffer, subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe implements Subscriber. Use AllContracts to receive every update.
func (b *Broker) Subscribe(ctx context.Context, contractID string) (<-chan model.Contract, error) {
	s := &subscription{ch: make(chan model.Contract, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if b.subs[contractID] == nil {
		b.subs[contractID] = make(map[*subscription]struct{})
	}
	b.subs[contractID][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(contractID, s)
	}()
	return s.ch, nil
}

// Publish implements Publisher.
func (b *Broker) Publish(c model.Contract) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{c.ID, AllContracts} {
		for s := range b.subs[key] {
			select {
			case s.ch <- c:
			default:
			}
		}
	}
}

// Subscribers returns the number of open subscriptions for a contract.
func (b *Broker) Subscribers(contractID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[contractID])
}

// Close closes every subscription channel and refuses new subscriptions.
// Each subscription's goroutine still exits only when its context is done.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	for key, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()
}

func (b *Broker) remove(contractID string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[contractID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
	if len(set) == 0 {
		delete(b.subs, contractID)
	}
}
