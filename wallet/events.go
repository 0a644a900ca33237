package wallet

import (
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
)

// EventKind enumerates wallet events.
type EventKind string

const (
	EventSynced            EventKind = "synced"
	EventPaymentReceived   EventKind = "paymentReceived"
	EventPaymentSent       EventKind = "paymentSent"
	EventPaymentPending    EventKind = "paymentPending"
	EventPaymentFailed     EventKind = "paymentFailed"
	EventUnclaimedDeposits EventKind = "unclaimedDeposits"
	EventClaimedDeposits   EventKind = "claimedDeposits"
)

const subscriptionBuffer = 32

// Event is a single wallet notification.
type Event struct {
	Kind      EventKind      `json:"type"`
	Account   uint32         `json:"account"`
	PaymentID string         `json:"paymentId,omitempty"`
	Rail      Rail           `json:"rail,omitempty"`
	Amount    btcutil.Amount `json:"amountSats,omitempty"`
	Deposits  []Deposit      `json:"deposits,omitempty"`
	At        time.Time      `json:"timestamp"`
}

// Subscription is a cancellable stream of events. Close must be called once
// the consumer is done so the publisher drops the handler.
type Subscription struct {
	events <-chan Event
	cancel func()
}

// Events returns the receive side of the subscription. The channel is closed
// after Close.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Broker fans events out to subscribers scoped to one account. Slow
// subscribers miss events rather than blocking the publisher.
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

type subscriber struct {
	account uint32
	kinds   map[EventKind]struct{}
	ch      chan Event
}

func (s *subscriber) wants(evt Event) bool {
	if evt.Account != s.account {
		return false
	}
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[evt.Kind]
	return ok
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber for events on account.
func (b *Broker) Subscribe(account uint32, kinds ...EventKind) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &subscriber{account: account, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return &Subscription{events: ch, cancel: func() {}}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		events: ch,
		cancel: func() {
			once.Do(func() {
				b.mu.Lock()
				if existing, ok := b.subs[id]; ok {
					delete(b.subs, id)
					close(existing.ch)
				}
				b.mu.Unlock()
			})
		},
	}
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Broker) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.wants(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Len reports the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
