package network

import (
	"encoding/json"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
	"github.com/gravitas-games/kitkeeper/pkg/loadout"
)

// Message types - Host bridge → Server
const (
	MsgTypeAttachAgent  = "attach_agent"
	MsgTypeDetachAgent  = "detach_agent"
	MsgTypeItemAdded    = "item_added"
	MsgTypeItemMerged   = "item_merged"
	MsgTypeItemRemoved  = "item_removed"
	MsgTypeItemSplit    = "item_split"
	MsgTypeSlotAdd      = "slot_add"
	MsgTypeSlotRemove   = "slot_remove"
	MsgTypeSlotSetCount = "slot_set_count"
	MsgTypeQueryRestock = "query_restock"
	MsgTypeFindSlots    = "find_slots"
	MsgTypePing         = "ping"
)

// Message types - Server → Host bridge
const (
	MsgTypeWelcome    = "welcome"
	MsgTypeAck        = "ack"
	MsgTypeRestock    = "restock"
	MsgTypeCandidates = "candidates"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

// Error codes sent in ErrorPayload
const (
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeUnknownType     = "unknown_message_type"
	ErrCodeUnknownAgent    = "unknown_agent"
	ErrCodeInvalidArgument = "invalid_argument"
	ErrCodeLimit           = "limit_reached"
	ErrCodeForbidden       = "forbidden"
	ErrCodeInternal        = "internal"
)

// ClientMessage represents any message from the host bridge to the server
type ClientMessage struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"` // echoed in the reply
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage represents any message from server to the host bridge
type ServerMessage struct {
	Type    string      `json:"type"`
	Seq     int64       `json:"seq,omitempty"`
	Payload interface{} `json:"payload"`
}

// --- Client Message Payloads ---

// StackPayload is one carried stack and the container holding it
type StackPayload struct {
	Container inventory.Container `json:"container"`
	Item      inventory.Item      `json:"item"`
}

// AttachAgentPayload registers a pawn, its current gear and its loadout.
// Saved hysteresis flags are restored from the store when present.
type AttachAgentPayload struct {
	AgentID  inventory.AgentID   `json:"agent_id"`
	Capacity float64             `json:"capacity,omitempty"`
	Stacks   []StackPayload      `json:"stacks,omitempty"`
	Loadout  *loadout.Definition `json:"loadout,omitempty"`
}

// AgentPayload addresses an agent without further arguments
type AgentPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
}

// ItemAddedPayload reports a new stack entering the agent's gear
type ItemAddedPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	StackPayload
}

// ItemMergedPayload reports units merged into a carried stack
type ItemMergedPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	ItemID  inventory.ItemID  `json:"item_id"`
	Amount  int               `json:"amount"`
}

// ItemRemovedPayload reports a whole stack leaving the agent
type ItemRemovedPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	ItemID  inventory.ItemID  `json:"item_id"`
}

// ItemSplitPayload reports part of a stack being split off and dropped
type ItemSplitPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	ItemID  inventory.ItemID  `json:"item_id"`
	Count   int               `json:"count"`
	NewID   inventory.ItemID  `json:"new_id"`
}

// SlotAddPayload appends a slot to the agent's loadout
type SlotAddPayload struct {
	AgentID inventory.AgentID      `json:"agent_id"`
	Slot    loadout.SlotDefinition `json:"slot"`
}

// SlotRemovePayload drops a slot from the agent's loadout
type SlotRemovePayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	SlotID  loadout.SlotID    `json:"slot_id"`
}

// SlotSetCountPayload changes a slot's desired count
type SlotSetCountPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	SlotID  loadout.SlotID    `json:"slot_id"`
	Count   int               `json:"count"`
}

// FindSlotsPayload asks which slots an item found in the world would fill
type FindSlotsPayload struct {
	AgentID  inventory.AgentID `json:"agent_id"`
	Item     inventory.Item    `json:"item"`
	Quantity int               `json:"quantity"`
}

// --- Server Message Payloads ---

// WelcomePayload is sent to the bridge after successful connection
type WelcomePayload struct {
	PlayerID      string        `json:"player_id"`
	Username      string        `json:"username"`
	SessionID     string        `json:"session_id"`
	SessionStatus SessionStatus `json:"session_status"`
}

// AckPayload confirms a mutation and reports the agent's resulting margins
type AckPayload struct {
	AgentID inventory.AgentID      `json:"agent_id"`
	Margins map[loadout.SlotID]int `json:"margins,omitempty"`
}

// RestockEntry is one slot needing a refill. Sample is the stack to fetch
// when the slot's preferred selector names a concrete kind.
type RestockEntry struct {
	SlotID    loadout.SlotID  `json:"slot_id"`
	Label     string          `json:"label"`
	Shortfall int             `json:"shortfall"`
	Sample    *inventory.Item `json:"sample,omitempty"`
}

// SurplusEntry is a carried stack the agent could drop
type SurplusEntry struct {
	ItemID inventory.ItemID `json:"item_id"`
	Count  int              `json:"count"`
}

// RestockPayload answers query_restock
type RestockPayload struct {
	AgentID inventory.AgentID `json:"agent_id"`
	Needs   bool              `json:"needs"`
	Entries []RestockEntry    `json:"entries"`
	Surplus []SurplusEntry    `json:"surplus,omitempty"`
}

// CandidateEntry is one slot an item would go to, most specific first
type CandidateEntry struct {
	SlotID loadout.SlotID `json:"slot_id"`
	Label  string         `json:"label"`
	Fill   int            `json:"fill"`
}

// CandidatesPayload answers find_slots
type CandidatesPayload struct {
	AgentID    inventory.AgentID `json:"agent_id"`
	Candidates []CandidateEntry  `json:"candidates"`
}

// SessionStatus represents the current session state
type SessionStatus struct {
	State       string `json:"state"`
	PlayerCount int    `json:"player_count"`
	MaxPlayers  int    `json:"max_players"`
	AgentCount  int    `json:"agent_count"`
	ServerTick  int64  `json:"server_tick"`
	Uptime      int64  `json:"uptime"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
