// network/client.go
package network

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/models"
)

// Callbacks receive lobby pushes. Nil entries are skipped. They run on
// the client's read-loop goroutine.
type Callbacks struct {
	MatchFound  func(data models.MatchData)
	RoomCreated func(code string)
	RoomJoined  func(success bool, message string)
	PlayerCount func(count int)
	Error       func(message string)
	// Disconnected fires once when the read loop ends.
	Disconnected func(err error)
}

// LobbyClient is the client side of the lobby protocol. It implements
// the matching layer's room service: fire-and-forget requests, pushes
// delivered through Callbacks, per-operation timeouts owned by the
// task queue.
type LobbyClient struct {
	conn      Connection
	callbacks Callbacks
	connected bool
	closeOnce sync.Once
	done      chan struct{}
	mutex     sync.RWMutex
}

func NewLobbyClient(conn Connection) *LobbyClient {
	return &LobbyClient{
		conn: conn,
		done: make(chan struct{}),
	}
}

// SetCallbacks must be called before Start.
func (c *LobbyClient) SetCallbacks(cb Callbacks) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.callbacks = cb
}

// Start launches the read loop and the heartbeat. A zero heartbeat
// interval disables both the heartbeat and the read deadline.
func (c *LobbyClient) Start(heartbeatInterval time.Duration) {
	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()

	if heartbeatInterval > 0 {
		c.armReadDeadline(heartbeatInterval)
	}
	go c.readLoop()
	if heartbeatInterval > 0 {
		go c.heartbeatLoop(heartbeatInterval)
	}
}

// armReadDeadline keeps a dead peer from hanging the read loop: a
// connection that stays silent for two heartbeat intervals fails the
// next read.
func (c *LobbyClient) armReadDeadline(interval time.Duration) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * interval)); err != nil {
		logger.Log.Warnf("failed to set read deadline: %v", err)
	}
}

func (c *LobbyClient) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

func (c *LobbyClient) StartMatch(modeID string, ranked bool) error {
	return c.send(MsgTypeStartMatch, StartMatchRequest{ModeID: modeID, Ranked: ranked})
}

func (c *LobbyClient) CancelMatch() error {
	return c.send(MsgTypeCancelMatch, nil)
}

func (c *LobbyClient) CreateRoom(modeID string, maxPlayers int, private bool) error {
	return c.send(MsgTypeCreateRoom, CreateRoomRequest{
		ModeID:     modeID,
		MaxPlayers: maxPlayers,
		Private:    private,
	})
}

func (c *LobbyClient) JoinRoom(code string) error {
	return c.send(MsgTypeJoinRoom, JoinRoomRequest{RoomCode: code})
}

func (c *LobbyClient) LeaveRoom() error {
	return c.send(MsgTypeLeaveRoom, nil)
}

// Close tears down the connection; the read loop reports the
// disconnect through Callbacks.Disconnected.
func (c *LobbyClient) Close() error {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()

	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *LobbyClient) send(msgID uint16, payload interface{}) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	return c.conn.Send(msgID, data)
}

func (c *LobbyClient) readLoop() {
	for {
		packet, err := c.conn.ReadPacket()
		if err != nil {
			c.mutex.Lock()
			c.connected = false
			cb := c.callbacks
			c.mutex.Unlock()

			select {
			case <-c.done:
				// Deliberate Close, not a transport failure.
				err = nil
			default:
			}
			if cb.Disconnected != nil {
				cb.Disconnected(err)
			}
			return
		}
		c.handlePacket(packet)
	}
}

func (c *LobbyClient) handlePacket(packet *Packet) {
	c.mutex.RLock()
	cb := c.callbacks
	c.mutex.RUnlock()

	switch packet.MsgID {
	case MsgTypeHeartbeat:
		// Server echo, nothing to do.
	case MsgTypeMatchFound:
		var data models.MatchData
		if err := json.Unmarshal(packet.Data, &data); err != nil {
			logger.Log.Errorf("bad match-found payload: %v", err)
			return
		}
		if cb.MatchFound != nil {
			cb.MatchFound(data)
		}
	case MsgTypeRoomCreated:
		var resp RoomCreatedResponse
		if err := json.Unmarshal(packet.Data, &resp); err != nil {
			logger.Log.Errorf("bad room-created payload: %v", err)
			return
		}
		if cb.RoomCreated != nil {
			cb.RoomCreated(resp.RoomCode)
		}
	case MsgTypeRoomJoined:
		var resp RoomJoinedResponse
		if err := json.Unmarshal(packet.Data, &resp); err != nil {
			logger.Log.Errorf("bad room-joined payload: %v", err)
			return
		}
		if cb.RoomJoined != nil {
			cb.RoomJoined(resp.Success, resp.Message)
		}
	case MsgTypePlayerCount:
		var resp PlayerCountResponse
		if err := json.Unmarshal(packet.Data, &resp); err != nil {
			logger.Log.Errorf("bad player-count payload: %v", err)
			return
		}
		if cb.PlayerCount != nil {
			cb.PlayerCount(resp.Count)
		}
	case MsgTypeError:
		var resp ErrorResponse
		if err := json.Unmarshal(packet.Data, &resp); err != nil {
			logger.Log.Errorf("bad error payload: %v", err)
			return
		}
		if cb.Error != nil {
			cb.Error(resp.Message)
		}
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

func (c *LobbyClient) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.Send(MsgTypeHeartbeat, nil); err != nil {
				return
			}
			c.armReadDeadline(interval)
		case <-c.done:
			return
		}
	}
}
