// matching/errors.go
package matching

import (
	"errors"
)

// Validation errors are returned synchronously and never touch session
// state. Operational errors (timeout, network) move the session to
// StateFailed and refund any outstanding energy.
var (
	ErrInvalidState       = errors.New("operation not allowed in current matching state")
	ErrOfflineMode        = errors.New("not connected to the lobby")
	ErrLevelTooLow        = errors.New("player level too low for this mode")
	ErrInvalidPlayerCount = errors.New("invalid player count")
	ErrInvalidRoomCode    = errors.New("room code must be 4 letters or digits")
	ErrTimeout            = errors.New("matching operation timed out")
	ErrNetwork            = errors.New("lobby reported an error")
	ErrClosed             = errors.New("matching machine closed")
)
