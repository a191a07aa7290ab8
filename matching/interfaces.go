// matching/interfaces.go
package matching

// RoomService is the lobby collaborator. Requests are fire-and-forget;
// outcomes arrive through the machine's Handle* methods and timeouts
// are owned by the task queue. This is defined here so tests can swap
// in a double without a real connection.
type RoomService interface {
	StartMatch(modeID string, ranked bool) error
	CancelMatch() error
	CreateRoom(modeID string, maxPlayers int, private bool) error
	JoinRoom(code string) error
	LeaveRoom() error
	IsConnected() bool
}

// PlayerProfile supplies the local player's progression for
// precondition checks.
type PlayerProfile interface {
	Level() int
}

// StaticProfile is a fixed-level profile for wiring and tests.
type StaticProfile int

func (p StaticProfile) Level() int { return int(p) }
