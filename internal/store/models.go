// Package store provides data persistence for the bot: the owned user
// database and a read-only view over the bridge's message store.
package store

import (
	"strings"
	"time"
)

// Role is a user's permission level.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleProvider Role = "provider"
	RoleFriend   Role = "friend"
	RoleFamiliar Role = "familiar"
	RoleCustomer Role = "customer"
	RoleBlock    Role = "block"
)

// roleRanks orders roles: block < customer < friend = familiar <
// provider < employee < admin.
var roleRanks = map[Role]int{
	RoleBlock:    0,
	RoleCustomer: 1,
	RoleFriend:   2,
	RoleFamiliar: 2,
	RoleProvider: 3,
	RoleEmployee: 4,
	RoleAdmin:    5,
}

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the role's position in the permission order.
func (r Role) Rank() int {
	return roleRanks[r]
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank()
}

// MaxRole returns the more privileged of two roles. Privileges never
// silently downgrade.
func MaxRole(a, b Role) Role {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Registration steps stored in the user's metadata bag.
const (
	StepNone         = "none"
	StepAwaitingName = "awaiting_name"
	StepCompleted    = "completed"
)

// RegistrationData is the registration sub-record of a user's metadata.
type RegistrationData struct {
	Step      string    `json:"step"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"startedAt"`
}

// User is the identity of a remote participant, keyed by bridge address.
type User struct {
	ID           int64          `json:"id"`
	Address      string         `json:"address"`
	Phone        string         `json:"phone,omitempty"`
	DisplayName  string         `json:"display_name"`
	Role         Role           `json:"role"`
	Language     string         `json:"language"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActivity time.Time      `json:"last_activity"`
	MessageCount int64          `json:"message_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Registration returns the registration sub-record from the metadata
// bag, defaulting to step "none".
func (u *User) Registration() RegistrationData {
	reg := RegistrationData{Step: StepNone}
	raw, ok := u.Metadata["registrationData"].(map[string]any)
	if !ok {
		return reg
	}
	if step, ok := raw["step"].(string); ok {
		reg.Step = step
	}
	switch v := raw["attempts"].(type) {
	case float64:
		reg.Attempts = int(v)
	case int:
		reg.Attempts = v
	}
	if started, ok := raw["startedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			reg.StartedAt = t
		}
	}
	return reg
}

// SetRegistration writes the registration sub-record into the metadata bag.
func (u *User) SetRegistration(reg RegistrationData) {
	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}
	u.Metadata["registrationData"] = map[string]any{
		"step":      reg.Step,
		"attempts":  reg.Attempts,
		"startedAt": reg.StartedAt.Format(time.RFC3339),
	}
}

// PhoneFromAddress extracts the digit string from a direct-chat address
// like "34612345678@s.whatsapp.net". Group addresses yield "".
func PhoneFromAddress(address string) string {
	at := strings.IndexByte(address, '@')
	if at < 0 || !strings.HasSuffix(address, "@s.whatsapp.net") {
		return ""
	}
	digits := address[:at]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return digits
}

// MessageKind classifies the payload of an inbound message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindLocation MessageKind = "location"
	KindOther    MessageKind = "other"
)

// KindFromMediaType maps the bridge's media_type column to a MessageKind.
func KindFromMediaType(mediaType string) MessageKind {
	switch mediaType {
	case "":
		return KindText
	case "image":
		return KindImage
	case "audio", "ptt":
		return KindAudio
	case "video":
		return KindVideo
	case "document":
		return KindDocument
	case "sticker":
		return KindSticker
	case "location":
		return KindLocation
	default:
		return KindOther
	}
}

// IncomingMessage is a single event drained from the bridge. Created by
// the poller, consumed exactly once by the processor, never mutated.
type IncomingMessage struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Content   string            `json:"content"`
	Kind      MessageKind       `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutgoingMessage is a reply produced by a handler: either text or a
// local media file with caption.
type OutgoingMessage struct {
	To        string `json:"to"`
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// ChatSummary is one row of the bridge's chat list.
type ChatSummary struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// UserStats aggregates the user table for diagnostics.
type UserStats struct {
	Total         int            `json:"total"`
	ByRole        map[Role]int   `json:"by_role"`
	Active24h     int            `json:"active_24h"`
	ActiveWeek    int            `json:"active_week"`
	ActiveMonth   int            `json:"active_month"`
	TotalMessages int64          `json:"total_messages"`
	TopSenders    []SenderCount  `json:"top_senders,omitempty"`
}

// SenderCount pairs a user with their message count.
type SenderCount struct {
	Address      string `json:"address"`
	DisplayName  string `json:"display_name"`
	MessageCount int64  `json:"message_count"`
}

// ConversationState is a persisted per-address conversation record,
// used to survive restarts mid-registration.
type ConversationState struct {
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Data      string    `json:"data,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExternalIntegration is a configured third-party hook.
type ExternalIntegration struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Config    string    `json:"config,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
