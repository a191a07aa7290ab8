package energy

import (
	"errors"
	"sync"
	"testing"

	"github.com/wfunc/dicematch/catalog"
)

func testMode(cost int) catalog.ModeConfig {
	return catalog.ModeConfig{ID: "test", EnergyCost: cost}
}

func TestProtocol_ReserveAndCommit(t *testing.T) {
	ledger := NewMemoryLedger(3, 5)
	p := NewProtocol(ledger)

	r, err := p.Reserve(testMode(2))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if ledger.CurrentAmount() != 1 {
		t.Errorf("Expected 1 energy after reserve, got %d", ledger.CurrentAmount())
	}

	if err := p.Commit(r); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if ledger.CurrentAmount() != 1 {
		t.Errorf("Commit must not change the ledger, got %d", ledger.CurrentAmount())
	}
	if !r.Consumed() {
		t.Error("Expected reservation to be consumed after commit")
	}
}

type recordingMetrics struct {
	reserved int
	refunded int
}

func (m *recordingMetrics) EnergyReserved(amount int) { m.reserved += amount }
func (m *recordingMetrics) EnergyRefunded(amount int) { m.refunded += amount }

// The metrics hook sees every priced reserve and refund, and nothing
// for zero-cost modes or commits.
func TestProtocol_MetricsHook(t *testing.T) {
	ledger := NewMemoryLedger(5, 5)
	p := NewProtocol(ledger)
	metrics := &recordingMetrics{}
	p.SetMetrics(metrics)

	r, err := p.Reserve(testMode(2))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Refund(r); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if metrics.reserved != 2 || metrics.refunded != 2 {
		t.Errorf("Expected reserved=2 refunded=2, got reserved=%d refunded=%d",
			metrics.reserved, metrics.refunded)
	}

	r, err = p.Reserve(testMode(3))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Commit(r); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if metrics.reserved != 5 {
		t.Errorf("Expected reserved=5 after second reserve, got %d", metrics.reserved)
	}
	if metrics.refunded != 2 {
		t.Errorf("Commit must not count as refund, got refunded=%d", metrics.refunded)
	}

	// Zero-cost reservations never reach the hook.
	r, err = p.Reserve(testMode(0))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Refund(r); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if metrics.reserved != 5 || metrics.refunded != 2 {
		t.Errorf("Zero-cost attempt moved metrics: reserved=%d refunded=%d",
			metrics.reserved, metrics.refunded)
	}
}

func TestProtocol_ReserveAndRefund(t *testing.T) {
	ledger := NewMemoryLedger(3, 5)
	p := NewProtocol(ledger)

	r, err := p.Reserve(testMode(2))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Refund(r); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	// Conservation: balance is back where it started.
	if ledger.CurrentAmount() != 3 {
		t.Errorf("Expected 3 energy after refund, got %d", ledger.CurrentAmount())
	}
}

func TestProtocol_InsufficientEnergy(t *testing.T) {
	ledger := NewMemoryLedger(0, 5)
	p := NewProtocol(ledger)

	if err := p.Validate(testMode(1)); !errors.Is(err, ErrInsufficientEnergy) {
		t.Errorf("Expected ErrInsufficientEnergy from Validate, got %v", err)
	}
	if _, err := p.Reserve(testMode(1)); !errors.Is(err, ErrInsufficientEnergy) {
		t.Errorf("Expected ErrInsufficientEnergy from Reserve, got %v", err)
	}
	if ledger.CurrentAmount() != 0 {
		t.Errorf("Failed reserve must not change the ledger, got %d", ledger.CurrentAmount())
	}
}

func TestProtocol_SingleUseReservation(t *testing.T) {
	ledger := NewMemoryLedger(5, 5)
	p := NewProtocol(ledger)

	r, err := p.Reserve(testMode(1))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := p.Refund(r); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	// Neither a second refund nor a late commit may run.
	if err := p.Refund(r); !errors.Is(err, ErrReservationSettled) {
		t.Errorf("Expected ErrReservationSettled on double refund, got %v", err)
	}
	if err := p.Commit(r); !errors.Is(err, ErrReservationSettled) {
		t.Errorf("Expected ErrReservationSettled on commit after refund, got %v", err)
	}
	if ledger.CurrentAmount() != 5 {
		t.Errorf("Expected 5 energy, got %d", ledger.CurrentAmount())
	}
}

func TestProtocol_OneOutstandingReservation(t *testing.T) {
	p := NewProtocol(NewMemoryLedger(5, 5))

	r, err := p.Reserve(testMode(1))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := p.Reserve(testMode(1)); !errors.Is(err, ErrReservationHeld) {
		t.Errorf("Expected ErrReservationHeld, got %v", err)
	}

	if err := p.Commit(r); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if p.Outstanding() {
		t.Error("Expected no outstanding reservation after commit")
	}
	if _, err := p.Reserve(testMode(1)); err != nil {
		t.Errorf("Reserve after settle failed: %v", err)
	}
}

func TestProtocol_ZeroCostStillSettles(t *testing.T) {
	ledger := NewMemoryLedger(0, 5)
	p := NewProtocol(ledger)

	r, err := p.Reserve(testMode(0))
	if err != nil {
		t.Fatalf("Reserve of free mode failed: %v", err)
	}
	if !p.Outstanding() {
		t.Error("Expected an outstanding reservation for a free mode")
	}
	if err := p.Refund(r); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if ledger.CurrentAmount() != 0 {
		t.Errorf("Zero-cost refund must not mint energy, got %d", ledger.CurrentAmount())
	}
}

func TestMemoryLedger_ConcurrentReserve(t *testing.T) {
	ledger := NewMemoryLedger(10, 10)

	var wg sync.WaitGroup
	var succeeded int32
	var mutex sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ledger.TryReserve(1) {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("Expected exactly 10 reserves to win, got %d", succeeded)
	}
	if ledger.CurrentAmount() != 0 {
		t.Errorf("Expected drained ledger, got %d", ledger.CurrentAmount())
	}
}

func TestMemoryLedger_ReleaseCapped(t *testing.T) {
	ledger := NewMemoryLedger(4, 5)
	ledger.Release(10)
	if ledger.CurrentAmount() != 5 {
		t.Errorf("Expected release capped at capacity 5, got %d", ledger.CurrentAmount())
	}
}
