package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gravitas-games/kitkeeper/internal/network"
	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
	"github.com/gravitas-games/kitkeeper/pkg/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Attach messages carry a
	// whole inventory.
	maxMessageSize = 256 * 1024

	// Time allowed to persist state for a departing player
	leaveTimeout = 5 * time.Second
)

// Connection represents a WebSocket connection to a host bridge
type Connection struct {
	// WebSocket connection
	ws *websocket.Conn

	// Server reference
	server *Server

	// Player information (set after authentication)
	player *models.Player

	// Buffered channel for outbound messages. Guarded by mu once closed.
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewConnection creates a new connection for an authenticated player
func NewConnection(ws *websocket.Conn, server *Server, player *models.Player) *Connection {
	return &Connection{
		ws:     ws,
		server: server,
		player: player,
		send:   make(chan []byte, 256),
	}
}

// Handle manages the connection lifecycle
func (c *Connection) Handle() {
	// Set up connection parameters
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Start read and write pumps
	go c.writePump()
	if !c.join() {
		c.Close()
		return
	}
	c.readPump() // Blocking
}

// join registers the player with the session and greets the bridge
func (c *Connection) join() bool {
	session := c.server.session

	c.player.Connected = true
	c.player.ConnectedAt = time.Now()
	c.player.LastSeen = c.player.ConnectedAt
	c.player.SessionID = session.ID

	if err := session.AddPlayer(c.player); err != nil {
		log.Printf("Failed to add player to session: %v", err)
		c.sendFailure(0, err)
		c.player.Connected = false
		return false
	}

	c.SendMessage(&network.ServerMessage{
		Type: network.MsgTypeWelcome,
		Payload: network.WelcomePayload{
			PlayerID:      c.player.ID,
			Username:      c.player.Username,
			SessionID:     session.ID,
			SessionStatus: session.GetStatus(),
		},
	})
	return true
}

// readPump pumps messages from the WebSocket connection to the session
func (c *Connection) readPump() {
	defer func() {
		c.Close()
	}()

	for {
		// Read message
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}
		c.player.LastSeen = time.Now()

		// Parse message
		var clientMsg network.ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			log.Printf("Failed to parse client message: %v", err)
			c.SendError(0, network.ErrCodeInvalidMessage, "Failed to parse message")
			continue
		}

		// Handle message based on type
		c.handleMessage(&clientMsg)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Write message
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			// Send ping
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.server.ctx.Done():
			// Server shutting down
			return
		}
	}
}

// handleMessage routes messages to appropriate handlers and replies with
// the request's sequence number
func (c *Connection) handleMessage(msg *network.ClientMessage) {
	session := c.server.session
	ctx := c.server.ctx

	var (
		reply *network.ServerMessage
		err   error
	)
	switch msg.Type {
	case network.MsgTypeAttachAgent:
		var p network.AttachAgentPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.AttachAgent(ctx, c.player, p))
		}

	case network.MsgTypeDetachAgent:
		var p network.AgentPayload
		if err = decode(msg.Payload, &p); err == nil {
			if err = session.DetachAgent(ctx, c.player, p.AgentID); err == nil {
				reply = &network.ServerMessage{Type: network.MsgTypeAck, Payload: network.AckPayload{AgentID: p.AgentID}}
			}
		}

	case network.MsgTypeItemAdded:
		var p network.ItemAddedPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.ItemAdded(c.player, p))
		}

	case network.MsgTypeItemMerged:
		var p network.ItemMergedPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.ItemMerged(c.player, p))
		}

	case network.MsgTypeItemRemoved:
		var p network.ItemRemovedPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.ItemRemoved(c.player, p))
		}

	case network.MsgTypeItemSplit:
		var p network.ItemSplitPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.ItemSplit(c.player, p))
		}

	case network.MsgTypeSlotAdd:
		var p network.SlotAddPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.SlotAdd(ctx, c.player, p))
		}

	case network.MsgTypeSlotRemove:
		var p network.SlotRemovePayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.SlotRemove(ctx, c.player, p))
		}

	case network.MsgTypeSlotSetCount:
		var p network.SlotSetCountPayload
		if err = decode(msg.Payload, &p); err == nil {
			reply, err = ack(p.AgentID)(session.SlotSetCount(ctx, c.player, p))
		}

	case network.MsgTypeQueryRestock:
		var p network.AgentPayload
		if err = decode(msg.Payload, &p); err == nil {
			var out network.RestockPayload
			if out, err = session.QueryRestock(c.player, p.AgentID); err == nil {
				reply = &network.ServerMessage{Type: network.MsgTypeRestock, Payload: out}
			}
		}

	case network.MsgTypeFindSlots:
		var p network.FindSlotsPayload
		if err = decode(msg.Payload, &p); err == nil {
			var out network.CandidatesPayload
			if out, err = session.FindSlots(c.player, p); err == nil {
				reply = &network.ServerMessage{Type: network.MsgTypeCandidates, Payload: out}
			}
		}

	case network.MsgTypePing:
		reply = &network.ServerMessage{
			Type:    network.MsgTypePong,
			Payload: map[string]interface{}{"timestamp": time.Now().Unix()},
		}

	default:
		log.Printf("Unknown message type: %s", msg.Type)
		c.SendError(msg.Seq, network.ErrCodeUnknownType, "Unknown message type")
		return
	}

	if err != nil {
		log.Printf("%s from %s failed: %v", msg.Type, c.player.Username, err)
		c.sendFailure(msg.Seq, err)
		return
	}
	reply.Seq = msg.Seq
	c.SendMessage(reply)
}

var errBadPayload = errors.New("malformed payload")

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

// ack wraps a margins result into an ack reply
func ack(agent inventory.AgentID) func(map[loadout.SlotID]int, error) (*network.ServerMessage, error) {
	return func(margins map[loadout.SlotID]int, err error) (*network.ServerMessage, error) {
		if err != nil {
			return nil, err
		}
		return &network.ServerMessage{
			Type:    network.MsgTypeAck,
			Payload: network.AckPayload{AgentID: agent, Margins: margins},
		}, nil
	}
}

// errorCode maps an operation error to the code sent to the bridge
func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadPayload):
		return network.ErrCodeInvalidMessage
	case errors.Is(err, loadout.ErrAgentNotFound):
		return network.ErrCodeUnknownAgent
	case errors.Is(err, errLimit):
		return network.ErrCodeLimit
	case errors.Is(err, errForbidden):
		return network.ErrCodeForbidden
	case errors.Is(err, loadout.ErrInvalidArgument),
		errors.Is(err, loadout.ErrSlotNotFound),
		errors.Is(err, loadout.ErrLoadoutNotFound),
		errors.Is(err, inventory.ErrItemNotFound):
		return network.ErrCodeInvalidArgument
	}
	return network.ErrCodeInternal
}

func (c *Connection) sendFailure(seq int64, err error) {
	c.SendError(seq, errorCode(err), err.Error())
}

// SendMessage sends a message to the bridge
func (c *Connection) SendMessage(msg *network.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("Send buffer full, dropping message")
	}
}

// SendError sends an error message to the bridge
func (c *Connection) SendError(seq int64, code, message string) {
	c.SendMessage(&network.ServerMessage{
		Type: network.MsgTypeError,
		Seq:  seq,
		Payload: network.ErrorPayload{
			Code:    code,
			Message: message,
		},
	})
}

// Close closes the connection. The player's agents are persisted and
// detached. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.player != nil && c.player.Connected {
			ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			c.server.session.RemovePlayer(ctx, c.player.ID)
			cancel()
			c.player.Connected = false
		}

		// Close send channel
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()

		// Close WebSocket connection
		c.ws.Close()
	})
}
