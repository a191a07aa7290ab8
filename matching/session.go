// matching/session.go
package matching

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is one node of the matching graph.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateFound
	StateConnecting
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateSearching:  "searching",
	StateFound:      "found",
	StateConnecting: "connecting",
	StateReady:      "ready",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, exists := stateNames[s]; exists {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the allowed edge set. Searching→Idle is the explicit
// user cancel; Failed→Idle is the automatic recovery.
var transitions = map[State][]State{
	StateIdle:       {StateSearching},
	StateSearching:  {StateFound, StateFailed, StateIdle},
	StateFound:      {StateConnecting},
	StateConnecting: {StateReady, StateFailed},
	StateReady:      {StateIdle},
	StateFailed:     {StateIdle},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the mutable record of one player's matching progress. The
// Machine is its single writer; everyone else sees copies.
type Session struct {
	State     State
	ModeID    string
	RoomCode  string // non-empty only in Connecting/Ready
	StartedAt time.Time
	LastError string
}

// Snapshot aggregates the session and collaborator flags for
// change-detection and broadcast. Derived, never authoritative.
type Snapshot struct {
	State     State
	ModeID    string
	RoomCode  string
	InRoom    bool
	Matching  bool
	Connected bool
	HasEnergy bool
}

var roomCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4}$`)

// NormalizeRoomCode validates the fixed 4-character alphanumeric format
// and upcases, so "ab3d" and "AB3D" address the same room.
func NormalizeRoomCode(code string) (string, error) {
	if !roomCodePattern.MatchString(code) {
		return "", fmt.Errorf("%q: %w", code, ErrInvalidRoomCode)
	}
	return strings.ToUpper(code), nil
}
