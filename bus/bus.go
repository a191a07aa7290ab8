// bus/bus.go
package bus

import (
	"errors"
	"sync"

	"github.com/wfunc/dicematch/logger"
)

var ErrClosed = errors.New("section bus closed")

// Section identifies one UI surface on the bus.
type Section string

const (
	SectionMatching Section = "matching"
	SectionEnergy   Section = "energy"
	SectionMailbox  Section = "mailbox"
	SectionProfile  Section = "profile"
	SectionSettings Section = "settings"
)

// Message kinds exchanged between sections.
const (
	KindEnergyQuery  = "energy_query"
	KindEnergyStatus = "energy_status"
	KindMatchReady   = "match_ready"
	KindModeChanged  = "mode_changed"
	KindError        = "error"
)

type Message struct {
	From    Section
	Kind    string
	Payload interface{}
}

type Handler func(Message)

type subscriber struct {
	id      int64
	handler Handler
}

// Bus is a typed per-instance pub/sub between UI sections. Subscriber
// lists belong to the instance and are dropped on Close, so no
// subscriptions survive a session teardown.
type Bus struct {
	subscribers map[Section][]subscriber
	nextID      int64
	closed      bool
	mutex       sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Section][]subscriber),
		nextID:      1,
	}
}

// Subscribe registers handler for messages addressed to section (and
// broadcasts). The returned func removes the subscription.
func (b *Bus) Subscribe(section Section, handler Handler) func() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[section] = append(b.subscribers[section], subscriber{id: id, handler: handler})

	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		subs := b.subscribers[section]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[section] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Send delivers msg to the target section's subscribers, synchronously
// in the caller's goroutine.
func (b *Bus) Send(target Section, msg Message) error {
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return ErrClosed
	}
	subs := make([]subscriber, len(b.subscribers[target]))
	copy(subs, b.subscribers[target])
	b.mutex.RUnlock()

	if len(subs) == 0 {
		logger.Log.Debugf("bus: no subscribers for section %s, kind %s", target, msg.Kind)
	}
	for _, s := range subs {
		s.handler(msg)
	}
	return nil
}

// Broadcast delivers msg to every subscriber on every section, each
// exactly once.
func (b *Bus) Broadcast(msg Message) error {
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return ErrClosed
	}
	var subs []subscriber
	for _, list := range b.subscribers {
		subs = append(subs, list...)
	}
	b.mutex.RUnlock()

	for _, s := range subs {
		s.handler(msg)
	}
	return nil
}

// Close drops all subscriptions. Further Send/Broadcast calls fail
// with ErrClosed.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	b.subscribers = make(map[Section][]subscriber)
}
