// energy/ledger.go
package energy

import (
	"sync"
)

// Ledger is the external energy balance shared with other subsystems
// (recharge timers, gift claims). TryReserve must check and deduct in
// one atomic step; a check-then-act pair is not enough, another
// consumer may spend the balance in between.
type Ledger interface {
	CurrentAmount() int
	TryReserve(amount int) bool
	Release(amount int)
}

// MemoryLedger is a mutex-guarded in-memory ledger. It backs the
// locally cached balance and tests; production wiring uses the
// database-backed ledger in the services package.
type MemoryLedger struct {
	amount   int
	capacity int
	mutex    sync.Mutex
}

// NewMemoryLedger creates a ledger holding amount. capacity bounds
// refunds and grants; zero means unbounded.
func NewMemoryLedger(amount, capacity int) *MemoryLedger {
	return &MemoryLedger{amount: amount, capacity: capacity}
}

func (l *MemoryLedger) CurrentAmount() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.amount
}

func (l *MemoryLedger) TryReserve(amount int) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if amount < 0 || l.amount < amount {
		return false
	}
	l.amount -= amount
	return true
}

func (l *MemoryLedger) Release(amount int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.amount += amount
	if l.capacity > 0 && l.amount > l.capacity {
		l.amount = l.capacity
	}
}

// Grant adds energy outside any reservation, e.g. a recharge tick.
func (l *MemoryLedger) Grant(amount int) {
	l.Release(amount)
}
