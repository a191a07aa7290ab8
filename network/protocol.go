package network

const (
	MsgTypeHeartbeat   = 1
	MsgTypeStartMatch  = 101
	MsgTypeCancelMatch = 102
	MsgTypeCreateRoom  = 103
	MsgTypeJoinRoom    = 104
	MsgTypeLeaveRoom   = 105
	MsgTypeMatchFound  = 201
	MsgTypeRoomCreated = 202
	MsgTypeRoomJoined  = 203
	MsgTypePlayerCount = 301
	MsgTypeError       = 401
)

// Requests sent to the lobby.

type StartMatchRequest struct {
	ModeID string `json:"mode_id"`
	Ranked bool   `json:"ranked"`
}

type CreateRoomRequest struct {
	ModeID     string `json:"mode_id"`
	MaxPlayers int    `json:"max_players"`
	Private    bool   `json:"private"`
}

type JoinRoomRequest struct {
	RoomCode string `json:"room_code"`
}

// Responses pushed by the lobby.

type RoomCreatedResponse struct {
	RoomCode string `json:"room_code"`
}

type RoomJoinedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PlayerCountResponse struct {
	Count int `json:"count"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
