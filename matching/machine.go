// matching/machine.go
package matching

import (
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/dicematch/catalog"
	"github.com/wfunc/dicematch/energy"
	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/models"
	"github.com/wfunc/dicematch/timer"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventModeChanged
	EventRoomCodeGenerated
	EventMatchFound
	EventError
	EventPlayerCount
)

// Event is what the machine announces to its observers. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	State    State
	ModeID   string
	RoomCode string
	Match    *models.MatchData
	Message  string
	Count    int
}

type Observer func(Event)

// Recorder persists match outcomes. persistence.Database satisfies it.
type Recorder interface {
	SaveMatchRecord(record *models.MatchRecord) error
}

type Options struct {
	// RecoveryDelay is the Failed→Idle auto-recovery delay. Zero picks
	// 3 seconds.
	RecoveryDelay time.Duration
	UserID        int64
	Recorder      Recorder
}

type observerEntry struct {
	id int64
	fn Observer
}

// Machine owns one player's matching session and is the only writer of
// its state. User intent arrives through the operation methods (called
// by the task queue, one at a time); lobby outcomes arrive through the
// Handle* methods. Anything that does not fit the transition graph is
// logged and dropped, never applied.
type Machine struct {
	catalog  *catalog.Catalog
	rooms    RoomService
	protocol *energy.Protocol
	profile  PlayerProfile
	timers   *timer.Manager

	recoveryDelay time.Duration
	userID        int64
	recorder      Recorder

	session           Session
	reservation       *energy.Reservation
	lastErr           error
	pendingFailRecord *models.MatchRecord
	recoveryTimer     int64

	observers    []observerEntry
	nextObserver int64
	closed       bool
	mutex        sync.Mutex
}

func NewMachine(cat *catalog.Catalog, rooms RoomService, protocol *energy.Protocol,
	profile PlayerProfile, timers *timer.Manager, opts Options) *Machine {
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 3 * time.Second
	}
	return &Machine{
		catalog:       cat,
		rooms:         rooms,
		protocol:      protocol,
		profile:       profile,
		timers:        timers,
		recoveryDelay: opts.RecoveryDelay,
		userID:        opts.UserID,
		recorder:      opts.Recorder,
		nextObserver:  1,
		session:       Session{State: StateIdle},
	}
}

// Subscribe registers an observer. The returned func removes it; Close
// removes all of them.
func (m *Machine) Subscribe(fn Observer) func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := m.nextObserver
	m.nextObserver++
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})

	return func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// CurrentState returns the session's state.
func (m *Machine) CurrentState() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.session.State
}

// Session returns a copy of the session record.
func (m *Machine) Session() Session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.session
}

// LastErr returns the operational error of the most recent failed
// attempt, nil if the attempt succeeded or was cancelled.
func (m *Machine) LastErr() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErr
}

// Snapshot recomputes the aggregate view used for change detection.
func (m *Machine) Snapshot() Snapshot {
	m.mutex.Lock()
	s := m.session
	m.mutex.Unlock()

	return Snapshot{
		State:     s.State,
		ModeID:    s.ModeID,
		RoomCode:  s.RoomCode,
		InRoom:    s.State == StateReady,
		Matching:  s.State == StateSearching || s.State == StateFound || s.State == StateConnecting,
		Connected: m.rooms.IsConnected(),
		HasEnergy: m.protocol.Available() > 0,
	}
}

// SelectMode changes the selected mode while idle.
func (m *Machine) SelectMode(modeID string) error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return ErrClosed
	}
	if m.session.State != StateIdle {
		m.mutex.Unlock()
		return fmt.Errorf("state %s: %w", m.session.State, ErrInvalidState)
	}
	cfg, err := m.catalog.ConfigFor(modeID)
	if err != nil {
		m.mutex.Unlock()
		return err
	}
	m.session.ModeID = cfg.ID
	m.mutex.Unlock()

	m.notify([]Event{{Kind: EventModeChanged, ModeID: cfg.ID}})
	return nil
}

// StartQuickMatch begins a casual matching attempt.
func (m *Machine) StartQuickMatch(modeID string) error {
	return m.startMatch(modeID, false)
}

// StartRankedMatch begins a ranked matching attempt.
func (m *Machine) StartRankedMatch(modeID string) error {
	return m.startMatch(modeID, true)
}

func (m *Machine) startMatch(modeID string, ranked bool) error {
	m.mutex.Lock()
	cfg, err := m.beginAttemptLocked(modeID)
	if err != nil {
		m.mutex.Unlock()
		return err
	}
	events, err := m.reserveAndSearchLocked(cfg)
	m.mutex.Unlock()
	if err != nil {
		return err
	}
	m.notify(events)

	if err := m.rooms.StartMatch(cfg.ID, ranked); err != nil {
		m.fail(fmt.Sprintf("failed to contact lobby: %v", err), fmt.Errorf("start match: %v: %w", err, ErrNetwork))
		return fmt.Errorf("start match: %v: %w", err, ErrNetwork)
	}
	return nil
}

// CreateRoom begins a room-creation attempt.
func (m *Machine) CreateRoom(modeID string, maxPlayers int, private bool) error {
	m.mutex.Lock()
	cfg, err := m.beginAttemptLocked(modeID)
	if err != nil {
		m.mutex.Unlock()
		return err
	}
	if maxPlayers < 2 || maxPlayers > cfg.MaxPlayers {
		m.mutex.Unlock()
		return fmt.Errorf("%d players (mode %s allows 2-%d): %w",
			maxPlayers, cfg.ID, cfg.MaxPlayers, ErrInvalidPlayerCount)
	}
	events, err := m.reserveAndSearchLocked(cfg)
	m.mutex.Unlock()
	if err != nil {
		return err
	}
	m.notify(events)

	if err := m.rooms.CreateRoom(cfg.ID, maxPlayers, private); err != nil {
		m.fail(fmt.Sprintf("failed to contact lobby: %v", err), fmt.Errorf("create room: %v: %w", err, ErrNetwork))
		return fmt.Errorf("create room: %v: %w", err, ErrNetwork)
	}
	return nil
}

// JoinRoom begins joining the room identified by code. Joins always
// run under the private mode, which is free.
func (m *Machine) JoinRoom(code string) error {
	normalized, err := NormalizeRoomCode(code)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	cfg, err := m.beginAttemptLocked("private")
	if err != nil {
		m.mutex.Unlock()
		return err
	}
	events, err := m.reserveAndSearchLocked(cfg)
	if err != nil {
		m.mutex.Unlock()
		return err
	}
	// The code already identifies the room, so the attempt moves
	// straight through Found into Connecting.
	m.transitionLocked(&events, StateFound)
	m.session.RoomCode = normalized
	m.transitionLocked(&events, StateConnecting)
	m.mutex.Unlock()
	m.notify(events)

	if err := m.rooms.JoinRoom(normalized); err != nil {
		m.fail(fmt.Sprintf("failed to contact lobby: %v", err), fmt.Errorf("join room: %v: %w", err, ErrNetwork))
		return fmt.Errorf("join room: %v: %w", err, ErrNetwork)
	}
	return nil
}

// Cancel aborts a searching attempt: stop the lobby side best-effort,
// refund unconditionally, return to idle.
func (m *Machine) Cancel() error {
	m.mutex.Lock()
	if m.session.State != StateSearching {
		m.mutex.Unlock()
		return fmt.Errorf("state %s: %w", m.session.State, ErrInvalidState)
	}

	var events []Event
	m.refundLocked()
	record := m.buildRecordLocked("cancelled")
	m.transitionLocked(&events, StateIdle)
	m.mutex.Unlock()

	if err := m.rooms.CancelMatch(); err != nil {
		logger.Log.Warnf("cancel match request failed: %v", err)
	}
	m.saveRecord(record)
	m.notify(events)
	return nil
}

// LeaveRoom ends a ready session and returns to idle.
func (m *Machine) LeaveRoom() error {
	m.mutex.Lock()
	if m.session.State != StateReady {
		m.mutex.Unlock()
		return fmt.Errorf("state %s: %w", m.session.State, ErrInvalidState)
	}

	var events []Event
	m.session.RoomCode = ""
	m.transitionLocked(&events, StateIdle)
	m.mutex.Unlock()

	if err := m.rooms.LeaveRoom(); err != nil {
		logger.Log.Warnf("leave room request failed: %v", err)
	}
	m.notify(events)
	return nil
}

// --- Lobby outcome handlers ---

// HandleMatchFound is called when the backend reports a match.
func (m *Machine) HandleMatchFound(data models.MatchData) {
	m.mutex.Lock()
	if m.session.State != StateSearching {
		m.mutex.Unlock()
		logger.Log.Infof("ignoring match-found in state %s", m.session.State)
		return
	}

	code, err := NormalizeRoomCode(data.RoomCode)
	if err != nil {
		events := m.failLocked(fmt.Sprintf("lobby sent malformed room code %q", data.RoomCode),
			fmt.Errorf("match found: %v: %w", err, ErrNetwork))
		record := m.takeFailRecordLocked()
		m.mutex.Unlock()
		m.saveRecord(record)
		m.notify(events)
		return
	}

	var events []Event
	m.transitionLocked(&events, StateFound)
	events = append(events, Event{Kind: EventMatchFound, Match: &data})
	m.session.RoomCode = code
	m.transitionLocked(&events, StateConnecting)
	m.mutex.Unlock()
	m.notify(events)

	// Connect to the discovered room.
	if err := m.rooms.JoinRoom(code); err != nil {
		m.fail(fmt.Sprintf("failed to contact lobby: %v", err), fmt.Errorf("join room: %v: %w", err, ErrNetwork))
	}
}

// HandleRoomCreated is called when the lobby acknowledges a created
// room with its code. The lobby seats the creator, so the machine only
// waits for the join confirmation.
func (m *Machine) HandleRoomCreated(code string) {
	m.mutex.Lock()
	if m.session.State != StateSearching {
		m.mutex.Unlock()
		logger.Log.Infof("ignoring room-created in state %s", m.session.State)
		return
	}

	normalized, err := NormalizeRoomCode(code)
	if err != nil {
		events := m.failLocked(fmt.Sprintf("lobby sent malformed room code %q", code),
			fmt.Errorf("room created: %v: %w", err, ErrNetwork))
		record := m.takeFailRecordLocked()
		m.mutex.Unlock()
		m.saveRecord(record)
		m.notify(events)
		return
	}

	var events []Event
	m.transitionLocked(&events, StateFound)
	events = append(events, Event{Kind: EventRoomCodeGenerated, RoomCode: normalized})
	m.session.RoomCode = normalized
	m.transitionLocked(&events, StateConnecting)
	m.mutex.Unlock()
	m.notify(events)
}

// HandleRoomJoined resolves the connecting phase.
func (m *Machine) HandleRoomJoined(success bool, message string) {
	m.mutex.Lock()
	if m.session.State != StateConnecting {
		m.mutex.Unlock()
		logger.Log.Infof("ignoring room-joined in state %s", m.session.State)
		return
	}

	if !success {
		if message == "" {
			message = "failed to join room"
		}
		events := m.failLocked(message, fmt.Errorf("%s: %w", message, ErrNetwork))
		record := m.takeFailRecordLocked()
		m.mutex.Unlock()
		m.saveRecord(record)
		m.notify(events)
		return
	}

	var events []Event
	if m.reservation != nil {
		if err := m.protocol.Commit(m.reservation); err != nil {
			logger.Log.Errorf("commit reservation: %v", err)
		}
		m.reservation = nil
	}
	record := m.buildRecordLocked("ready")
	m.transitionLocked(&events, StateReady)
	m.mutex.Unlock()

	m.saveRecord(record)
	m.notify(events)
}

// HandlePlayerCount relays lobby player-count updates to observers.
func (m *Machine) HandlePlayerCount(count int) {
	m.notify([]Event{{Kind: EventPlayerCount, Count: count}})
}

// HandleError is called for lobby-reported errors. Outside an active
// attempt it is logged and dropped.
func (m *Machine) HandleError(message string) {
	m.fail(message, fmt.Errorf("%s: %w", message, ErrNetwork))
}

// HandleTimeout is invoked by the task queue when an attempt's budget
// expires. Timeouts are forced cancellations: no retry, straight to
// Failed with a refund.
func (m *Machine) HandleTimeout() {
	m.fail(ErrTimeout.Error(), ErrTimeout)
}

// HandleDisconnected is called when the lobby connection drops.
func (m *Machine) HandleDisconnected(err error) {
	if err == nil {
		return
	}
	m.fail(fmt.Sprintf("connection lost: %v", err), fmt.Errorf("connection lost: %v: %w", err, ErrNetwork))
}

// Close tears down the machine: refund anything outstanding, cancel
// the recovery timer and drop all observers.
func (m *Machine) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.refundLocked()
	if m.recoveryTimer != 0 {
		m.timers.Cancel(m.recoveryTimer)
		m.recoveryTimer = 0
	}
	m.observers = nil
}

// --- internals ---

// beginAttemptLocked runs the synchronous preconditions shared by
// every paid operation. It never mutates the session.
func (m *Machine) beginAttemptLocked(modeID string) (catalog.ModeConfig, error) {
	if m.closed {
		return catalog.ModeConfig{}, ErrClosed
	}
	if m.session.State != StateIdle {
		return catalog.ModeConfig{}, fmt.Errorf("state %s: %w", m.session.State, ErrInvalidState)
	}
	if !m.rooms.IsConnected() {
		return catalog.ModeConfig{}, ErrOfflineMode
	}
	cfg, err := m.catalog.ConfigFor(modeID)
	if err != nil {
		return catalog.ModeConfig{}, err
	}
	if m.profile.Level() < cfg.MinPlayerLevel {
		return catalog.ModeConfig{}, fmt.Errorf("mode %s requires level %d: %w",
			cfg.ID, cfg.MinPlayerLevel, ErrLevelTooLow)
	}
	return cfg, nil
}

// reserveAndSearchLocked reserves the mode's energy and moves the
// session into Searching. The cached-balance Validate is only an
// optimistic pre-filter; Reserve is the decision.
func (m *Machine) reserveAndSearchLocked(cfg catalog.ModeConfig) ([]Event, error) {
	if err := m.protocol.Validate(cfg); err != nil {
		return nil, err
	}
	r, err := m.protocol.Reserve(cfg)
	if err != nil {
		return nil, err
	}
	m.reservation = r

	m.session.ModeID = cfg.ID
	m.session.StartedAt = time.Now()
	m.session.LastError = ""
	m.lastErr = nil

	var events []Event
	m.transitionLocked(&events, StateSearching)
	events = append(events, Event{Kind: EventModeChanged, ModeID: cfg.ID})
	return events, nil
}

// transitionLocked applies one edge of the graph, appending the state
// change to events. An illegal edge is a programming error here; it is
// logged and skipped rather than applied.
func (m *Machine) transitionLocked(events *[]Event, to State) {
	from := m.session.State
	if !canTransition(from, to) {
		logger.Log.Errorf("illegal transition %s -> %s dropped", from, to)
		return
	}
	m.session.State = to
	logger.Log.Debugf("matching state %s -> %s", from, to)
	*events = append(*events, Event{Kind: EventStateChanged, State: to})
}

func (m *Machine) fail(message string, cause error) {
	m.mutex.Lock()
	if m.session.State != StateSearching && m.session.State != StateConnecting {
		m.mutex.Unlock()
		logger.Log.Infof("ignoring failure %q in state %s", message, m.session.State)
		return
	}
	events := m.failLocked(message, cause)
	record := m.takeFailRecordLocked()
	m.mutex.Unlock()

	m.saveRecord(record)
	m.notify(events)
}

// failLocked moves an active attempt to Failed, refunds, and schedules
// the automatic recovery back to Idle.
func (m *Machine) failLocked(message string, cause error) []Event {
	m.session.LastError = message
	m.lastErr = cause
	m.refundLocked()
	m.pendingFailRecord = m.buildRecordLocked("failed")

	var events []Event
	m.transitionLocked(&events, StateFailed)
	events = append(events, Event{Kind: EventError, Message: message})

	m.recoveryTimer = m.timers.Add(m.recoveryDelay, 0, m.recover)
	return events
}

func (m *Machine) takeFailRecordLocked() *models.MatchRecord {
	record := m.pendingFailRecord
	m.pendingFailRecord = nil
	return record
}

func (m *Machine) recover() {
	m.mutex.Lock()
	if m.closed || m.session.State != StateFailed {
		m.mutex.Unlock()
		return
	}
	m.recoveryTimer = 0
	m.session.RoomCode = ""

	var events []Event
	m.transitionLocked(&events, StateIdle)
	m.mutex.Unlock()
	m.notify(events)
}

// refundLocked settles any outstanding reservation by refund. Safe to
// call when none is held.
func (m *Machine) refundLocked() {
	if m.reservation == nil {
		return
	}
	if err := m.protocol.Refund(m.reservation); err != nil {
		logger.Log.Errorf("refund reservation: %v", err)
	}
	m.reservation = nil
}

func (m *Machine) buildRecordLocked(outcome string) *models.MatchRecord {
	if m.recorder == nil {
		return nil
	}
	spent := 0
	if outcome == "ready" && m.reservation == nil {
		// Commit already ran; cost comes from the mode config.
		if cfg, err := m.catalog.ConfigFor(m.session.ModeID); err == nil {
			spent = cfg.EnergyCost
		}
	}
	duration := 0
	if !m.session.StartedAt.IsZero() {
		duration = int(time.Since(m.session.StartedAt).Seconds())
	}
	return &models.MatchRecord{
		UserID:      m.userID,
		ModeID:      m.session.ModeID,
		RoomCode:    m.session.RoomCode,
		Outcome:     outcome,
		EnergySpent: spent,
		Duration:    duration,
		CreatedAt:   time.Now(),
	}
}

func (m *Machine) saveRecord(record *models.MatchRecord) {
	if record == nil || m.recorder == nil {
		return
	}
	if err := m.recorder.SaveMatchRecord(record); err != nil {
		logger.Log.Errorf("save match record: %v", err)
	}
}

// notify delivers events outside the machine lock so observers may
// call back in.
func (m *Machine) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mutex.Lock()
	observers := make([]observerEntry, len(m.observers))
	copy(observers, m.observers)
	m.mutex.Unlock()

	for _, e := range events {
		for _, o := range observers {
			o.fn(e)
		}
	}
}
