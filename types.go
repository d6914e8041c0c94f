package deskline

import (
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyIdentity is returned by Connect when no user identity is given.
	ErrEmptyIdentity = errors.New("deskline: empty identity")
	// ErrNotConnected is returned when a send is attempted outside Connected.
	ErrNotConnected = errors.New("deskline: not connected")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("deskline: session closed")
	// ErrInvalidEnvelope marks frames that cannot be parsed as envelopes.
	ErrInvalidEnvelope = errors.New("deskline: invalid envelope")
	// ErrUnknownCategory marks envelopes whose type is not a known category.
	ErrUnknownCategory = errors.New("deskline: unknown category")
	// ErrUnauthorized is returned by the REST client on HTTP 401.
	ErrUnauthorized = errors.New("deskline: unauthorized")
)

// ============================================================================
// Conversation Payloads
// ============================================================================

// MessagePayload is carried by new_message envelopes.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	SenderID       string     `json:"senderId,omitempty"`
	SenderName     string     `json:"senderName,omitempty"`
	Type           string     `json:"type,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// StatusUpdatePayload is carried by status_update envelopes.
type StatusUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	UpdatedBy      string `json:"updatedBy,omitempty"`
}

// TypingPayload is carried by typing_start and typing_stop envelopes.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

// displayName is the label shown in typing indicators.
func (p TypingPayload) displayName() string {
	if p.UserName != "" {
		return p.UserName
	}
	return p.UserID
}

// Agent presence statuses.
const (
	AgentStatusOnline  = "online"
	AgentStatusAway    = "away"
	AgentStatusOffline = "offline"
)

// AgentOnlinePayload is carried by agent_online envelopes. An agent whose
// status is AgentStatusOffline leaves the online set.
type AgentOnlinePayload struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (p AgentOnlinePayload) displayName() string {
	if p.AgentName != "" {
		return p.AgentName
	}
	return p.AgentID
}

// ============================================================================
// Lifecycle Payloads
// ============================================================================

// ConnectionPayload is carried by locally emitted connection envelopes.
type ConnectionPayload struct {
	Status  ConnectionState `json:"status"`
	Attempt int             `json:"attempt,omitempty"`
	DelayMS int64           `json:"delayMs,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ConnectionFailedPayload is carried by the connection_failed envelope emitted
// once reconnection attempts are exhausted.
type ConnectionFailedPayload struct {
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}

// ============================================================================
// REST Types
// ============================================================================

// User is the account returned by the login endpoint.
type User struct {
	ID    FlexString `json:"id"`
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Role  string     `json:"role,omitempty"`
}

// LoginResult is the body returned by POST /api/auth/login.
type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	User    *User  `json:"user,omitempty"`
	Token   string `json:"token,omitempty"`
}

// UserID returns the logged in user's id as a string.
func (r *LoginResult) UserID() string {
	if r == nil || r.User == nil {
		return ""
	}
	return string(r.User.ID)
}
