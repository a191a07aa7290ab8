package queue

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wfunc/dicematch/catalog"
	"github.com/wfunc/dicematch/energy"
	"github.com/wfunc/dicematch/matching"
	"github.com/wfunc/dicematch/models"
	"github.com/wfunc/dicematch/timer"
)

// scriptedLobby is a RoomService double whose hooks simulate the
// backend answering over the wire.
type scriptedLobby struct {
	onStartMatch func(modeID string)
	onJoinRoom   func(code string)
	onCreateRoom func(modeID string)
}

func (s *scriptedLobby) StartMatch(modeID string, ranked bool) error {
	if s.onStartMatch != nil {
		s.onStartMatch(modeID)
	}
	return nil
}

func (s *scriptedLobby) CancelMatch() error { return nil }

func (s *scriptedLobby) CreateRoom(modeID string, maxPlayers int, private bool) error {
	if s.onCreateRoom != nil {
		s.onCreateRoom(modeID)
	}
	return nil
}

func (s *scriptedLobby) JoinRoom(code string) error {
	if s.onJoinRoom != nil {
		s.onJoinRoom(code)
	}
	return nil
}

func (s *scriptedLobby) LeaveRoom() error { return nil }

func (s *scriptedLobby) IsConnected() bool { return true }

type harness struct {
	orchestrator *Orchestrator
	machine      *matching.Machine
	lobby        *scriptedLobby
	ledger       *energy.MemoryLedger
}

func newHarness(t *testing.T, overrides ...catalog.Override) *harness {
	t.Helper()

	cat, err := catalog.NewCatalog(overrides...)
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	lobby := &scriptedLobby{}
	ledger := energy.NewMemoryLedger(5, 10)
	timers := timer.NewManager(5 * time.Millisecond)
	t.Cleanup(timers.Stop)

	machine := matching.NewMachine(cat, lobby, energy.NewProtocol(ledger),
		matching.StaticProfile(10), timers, matching.Options{RecoveryDelay: 30 * time.Millisecond})
	t.Cleanup(machine.Close)

	orchestrator := NewOrchestrator(machine, cat, 100*time.Millisecond, nil)
	t.Cleanup(orchestrator.Stop)

	return &harness{orchestrator: orchestrator, machine: machine, lobby: lobby, ledger: ledger}
}

func awaitCallback(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for task callback")
		return nil
	}
}

func TestOrchestrator_EnqueueBeforeStart(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: "classic"}, nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expected ErrNotRunning before Start, got %v", err)
	}
}

func TestOrchestrator_MatchingTaskToReady(t *testing.T) {
	h := newHarness(t)

	// The backend finds a match right away and seats the player.
	h.lobby.onStartMatch = func(modeID string) {
		go h.machine.HandleMatchFound(models.MatchData{RoomCode: "AB3D", ModeID: modeID})
	}
	h.lobby.onJoinRoom = func(code string) {
		go h.machine.HandleRoomJoined(true, "")
	}

	h.orchestrator.Start()

	done := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskStartMatching, Params{ModeID: "classic"},
		func(err error) { done <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := awaitCallback(t, done); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if h.machine.CurrentState() != matching.StateReady {
		t.Errorf("Expected Ready, got %s", h.machine.CurrentState())
	}
	if h.orchestrator.InFlight() {
		t.Error("Expected in-flight guard cleared after settlement")
	}
	if h.ledger.CurrentAmount() != 4 {
		t.Errorf("Expected 1 energy committed, ledger has %d", h.ledger.CurrentAmount())
	}
}

func TestOrchestrator_ValidationErrorViaCallback(t *testing.T) {
	h := newHarness(t)
	h.orchestrator.Start()

	done := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskJoinRoom, Params{RoomCode: "AB"},
		func(err error) { done <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := awaitCallback(t, done)
	if !errors.Is(err, matching.ErrInvalidRoomCode) {
		t.Fatalf("Expected ErrInvalidRoomCode, got %v", err)
	}
	if h.machine.CurrentState() != matching.StateIdle {
		t.Errorf("Expected Idle after rejected task, got %s", h.machine.CurrentState())
	}
	if h.orchestrator.InFlight() {
		t.Error("Expected in-flight guard cleared after rejection")
	}
}

// A silent backend exhausts the task's budget: the attempt fails, the
// energy comes back, and the guard clears.
func TestOrchestrator_TimeoutRefundsAndClearsGuard(t *testing.T) {
	h := newHarness(t, catalog.Override{ID: "classic", Timeout: 40 * time.Millisecond})
	h.orchestrator.Start()

	done := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskStartMatching, Params{ModeID: "classic"},
		func(err error) { done <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := awaitCallback(t, done)
	if !errors.Is(err, matching.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if h.machine.CurrentState() != matching.StateFailed {
		t.Errorf("Expected Failed after timeout, got %s", h.machine.CurrentState())
	}
	if h.ledger.CurrentAmount() != 5 {
		t.Errorf("Expected full refund, ledger has %d", h.ledger.CurrentAmount())
	}
	if h.orchestrator.InFlight() {
		t.Error("Expected in-flight guard cleared after timeout")
	}
}

// Tasks run strictly in submission order, one at a time.
func TestOrchestrator_FIFO(t *testing.T) {
	h := newHarness(t)

	// First task blocks until the backend answers; the gate keeps it in
	// flight while the rest of the queue fills up.
	gate := make(chan struct{})
	h.lobby.onStartMatch = func(modeID string) {
		go func() {
			<-gate
			h.machine.HandleMatchFound(models.MatchData{RoomCode: "AB3D", ModeID: modeID})
		}()
	}
	h.lobby.onJoinRoom = func(code string) {
		go h.machine.HandleRoomJoined(true, "")
	}

	h.orchestrator.Start()

	var order []int
	var mutex sync.Mutex
	record := func(n int) Callback {
		return func(error) {
			mutex.Lock()
			order = append(order, n)
			mutex.Unlock()
		}
	}

	done := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskStartMatching, Params{ModeID: "classic"},
		func(err error) { record(1)(err); done <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Wait until the first task is actually in flight.
	deadline := time.Now().Add(time.Second)
	for !h.orchestrator.InFlight() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !h.orchestrator.InFlight() {
		t.Fatal("First task never entered flight")
	}

	modes := []string{"speed", "ranked", "classic"}
	for i, mode := range modes {
		if _, err := h.orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: mode}, record(i+2)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i+2, err)
		}
	}

	// Nothing after the first task may have run yet.
	mutex.Lock()
	if len(order) != 0 {
		t.Fatalf("Tasks ran while first still in flight: %v", order)
	}
	mutex.Unlock()

	close(gate)
	if err := awaitCallback(t, done); err != nil {
		t.Fatalf("First task failed: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mutex.Lock()
		n := len(order)
		mutex.Unlock()
		if n == 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mutex.Lock()
	defer mutex.Unlock()
	want := []int{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("Expected completion order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected completion order %v, got %v", want, order)
		}
	}
}

// A panicking task settles with an error, clears the guard, and the
// worker survives to run the next task.
func TestOrchestrator_PanicGuard(t *testing.T) {
	cat, err := catalog.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	// nil machine makes every task panic on dispatch.
	orchestrator := NewOrchestrator(nil, cat, 100*time.Millisecond, nil)
	orchestrator.Start()
	defer orchestrator.Stop()

	done := make(chan error, 1)
	if _, err := orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: "classic"},
		func(err error) { done <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	taskErr := awaitCallback(t, done)
	if taskErr == nil || !strings.Contains(taskErr.Error(), "panicked") {
		t.Fatalf("Expected panic error, got %v", taskErr)
	}
	if orchestrator.InFlight() {
		t.Error("Expected in-flight guard cleared after panic")
	}

	// The worker is still alive.
	done2 := make(chan error, 1)
	if _, err := orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: "speed"},
		func(err error) { done2 <- err }); err != nil {
		t.Fatalf("Enqueue after panic failed: %v", err)
	}
	if err := awaitCallback(t, done2); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Expected second task to run and panic, got %v", err)
	}
}

func TestOrchestrator_StopDrainsQueue(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.lobby.onStartMatch = func(string) {
		go func() { <-gate }()
	}

	h.orchestrator.Start()

	inFlightDone := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskStartMatching, Params{ModeID: "classic"},
		func(err error) { inFlightDone <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !h.orchestrator.InFlight() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	queuedDone := make(chan error, 1)
	if _, err := h.orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: "speed"},
		func(err error) { queuedDone <- err }); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	h.orchestrator.Stop()
	close(gate)

	if err := awaitCallback(t, inFlightDone); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected in-flight task to settle with ErrNotRunning, got %v", err)
	}
	if err := awaitCallback(t, queuedDone); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected queued task to settle with ErrNotRunning, got %v", err)
	}
	if h.orchestrator.InFlight() {
		t.Error("Expected in-flight guard cleared after stop")
	}
}

// Every task accepted by Enqueue settles through its callback, even
// when Stop races the producers.
func TestOrchestrator_NoStrandedCallbacks(t *testing.T) {
	h := newHarness(t)
	h.orchestrator.Start()

	var accepted, settled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := h.orchestrator.Enqueue(TaskModeSwitch, Params{ModeID: "classic"},
					func(error) { settled.Add(1) })
				if err != nil {
					return
				}
				accepted.Add(1)
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	h.orchestrator.Stop()
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for settled.Load() < accepted.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if settled.Load() != accepted.Load() {
		t.Fatalf("Expected %d callbacks, got %d", accepted.Load(), settled.Load())
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		TaskModeSwitch:    "mode_switch",
		TaskCreateRoom:    "create_room",
		TaskJoinRoom:      "join_room",
		TaskStartMatching: "start_matching",
		Kind(99):          "kind(99)",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}
