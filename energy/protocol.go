// energy/protocol.go
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wfunc/dicematch/catalog"
	"github.com/wfunc/dicematch/logger"
)

var (
	ErrInsufficientEnergy = errors.New("insufficient energy")
	// ErrReservationHeld means a previous attempt has not settled yet.
	ErrReservationHeld = errors.New("energy reservation already outstanding")
	// ErrReservationSettled means Commit or Refund already ran for this
	// reservation; calling either again is a programming error.
	ErrReservationSettled = errors.New("energy reservation already settled")
	ErrForeignReservation = errors.New("reservation does not belong to this protocol")
)

// Reservation is a provisional hold on energy tied to one matching
// attempt. The deduction is applied at reservation time; Refund
// reverses it, Commit makes it permanent. Single-use.
type Reservation struct {
	amount   int
	consumed bool
	settled  bool
}

// Amount returns the reserved energy.
func (r *Reservation) Amount() int { return r.amount }

// Consumed reports whether the reservation was committed.
func (r *Reservation) Consumed() bool { return r.consumed }

// MetricsHook observes settled energy movement. The monitor package
// implements it; a nil hook is valid.
type MetricsHook interface {
	EnergyReserved(amount int)
	EnergyRefunded(amount int)
}

// Protocol validates, reserves, commits and refunds the energy cost of
// a matching attempt. At most one reservation is outstanding at a time;
// the task queue's in-flight guard already serializes attempts, this is
// the backstop.
type Protocol struct {
	ledger      Ledger
	metrics     MetricsHook
	outstanding *Reservation
	mutex       sync.Mutex
}

func NewProtocol(ledger Ledger) *Protocol {
	return &Protocol{ledger: ledger}
}

// SetMetrics installs the hook. Call before the protocol is in use.
func (p *Protocol) SetMetrics(hook MetricsHook) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.metrics = hook
}

// Validate is an optimistic pre-filter for early user feedback. Only
// Reserve decides; a concurrent consumer may still win the balance
// between Validate and Reserve.
func (p *Protocol) Validate(mode catalog.ModeConfig) error {
	if mode.EnergyCost == 0 {
		return nil
	}
	if have := p.ledger.CurrentAmount(); have < mode.EnergyCost {
		return fmt.Errorf("mode %s needs %d energy, have %d: %w",
			mode.ID, mode.EnergyCost, have, ErrInsufficientEnergy)
	}
	return nil
}

// Reserve atomically deducts the mode's cost from the ledger and
// records the hold. Zero-cost modes still get a reservation so every
// attempt settles through exactly one Commit or Refund.
func (p *Protocol) Reserve(mode catalog.ModeConfig) (*Reservation, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.outstanding != nil {
		return nil, ErrReservationHeld
	}
	if mode.EnergyCost > 0 && !p.ledger.TryReserve(mode.EnergyCost) {
		return nil, fmt.Errorf("mode %s needs %d energy, have %d: %w",
			mode.ID, mode.EnergyCost, p.ledger.CurrentAmount(), ErrInsufficientEnergy)
	}

	r := &Reservation{amount: mode.EnergyCost}
	p.outstanding = r
	if p.metrics != nil && r.amount > 0 {
		p.metrics.EnergyReserved(r.amount)
	}
	logger.Log.Debugf("reserved %d energy for mode %s", r.amount, mode.ID)
	return r, nil
}

// Commit makes the deduction permanent and discards the reservation.
func (p *Protocol) Commit(r *Reservation) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.checkSettle(r); err != nil {
		return err
	}
	r.settled = true
	r.consumed = true
	p.outstanding = nil
	logger.Log.Debugf("committed %d energy", r.amount)
	return nil
}

// Refund returns the reserved amount to the ledger and discards the
// reservation.
func (p *Protocol) Refund(r *Reservation) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := p.checkSettle(r); err != nil {
		return err
	}
	r.settled = true
	p.outstanding = nil
	if r.amount > 0 {
		p.ledger.Release(r.amount)
		if p.metrics != nil {
			p.metrics.EnergyRefunded(r.amount)
		}
	}
	logger.Log.Debugf("refunded %d energy", r.amount)
	return nil
}

// Available reports the ledger's current balance.
func (p *Protocol) Available() int {
	return p.ledger.CurrentAmount()
}

// Outstanding reports whether a reservation is currently held.
func (p *Protocol) Outstanding() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.outstanding != nil
}

func (p *Protocol) checkSettle(r *Reservation) error {
	if r == nil {
		return ErrForeignReservation
	}
	if r.settled {
		return ErrReservationSettled
	}
	if p.outstanding != r {
		return ErrForeignReservation
	}
	return nil
}
