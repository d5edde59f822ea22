package models

import "time"

// Permission bits carried in the JWT permissions claim
const (
	PermManageAgents int64 = 1 << iota // attach and detach agents
	PermEditLoadouts                   // add, remove and resize slots
	PermAdmin
)

// Player is the authenticated owner of a host bridge connection. One game
// instance connects as one player and manages the pawns it attaches.
type Player struct {
	// From JWT claims
	ID          string `json:"id"`          // Converted from int64 user_id
	Username    string `json:"username"`    // JWT claim
	Email       string `json:"email"`       // JWT claim
	Permissions int64  `json:"permissions"` // JWT claim: bitwise permission flags
	Activated   int64  `json:"activated"`   // JWT claim: activation timestamp or ban status
	AuthMethod  string `json:"auth_method"` // JWT claim: "password" or "oauth"

	// Connection state
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`

	// Session state
	SessionID string `json:"session_id"`
}

// IsActive checks if the player account is activated and not banned
func (p *Player) IsActive() bool {
	// activated > 0 means activated
	// activated == 0 means not activated
	// activated == -1 means banned
	return p.Activated > 0
}

// IsBanned checks if the player is banned
func (p *Player) IsBanned() bool {
	return p.Activated == -1
}

// Can reports whether the player holds a permission. Admins hold all.
func (p *Player) Can(perm int64) bool {
	return p.Permissions&PermAdmin != 0 || p.Permissions&perm == perm
}
