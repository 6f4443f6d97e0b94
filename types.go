package chatsync

import "time"

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Settled reports whether the server has accepted the message.
func (s MessageStatus) Settled() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

// rank orders settled statuses by progress; unsettled statuses rank 0.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// PendingConversationID is the conversation id carried by messages sent to a
// contact before the server has created a conversation with them.
const PendingConversationID = "pending"

// Message is a chat message as seen by the local user.
//
// For locally sent messages ProvisionalID is set at creation and ID equals it
// until an acknowledgment supplies the server id. ErrorReason is non-empty
// exactly when Status is StatusFailed.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           string        `json:"type,omitempty"`
	Timestamp      string        `json:"timestamp"`
	Status         MessageStatus `json:"status,omitempty"`
	ProvisionalID  string        `json:"temp_id,omitempty"`
	ErrorReason    string        `json:"error,omitempty"`
}

// HasRealID reports whether the message carries a server-assigned id.
func (m *Message) HasRealID() bool {
	return m.ID != "" && m.ID != m.ProvisionalID
}

// Time parses Timestamp. The zero time is returned when it is unparseable.
func (m *Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ============================================================================
// Directory types
// ============================================================================

// LastMessage is the preview of the newest message in a conversation.
type LastMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// Conversation is a conversation summary returned by the directory.
type Conversation struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Participants []string     `json:"participants"`
	Name         string       `json:"name,omitempty"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count,omitempty"`
	CreatedAt    string       `json:"created_at,omitempty"`
	UpdatedAt    string       `json:"updated_at,omitempty"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Contact is an entry of the local user's contact list.
type Contact struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Status   string `json:"status,omitempty"`
	LastSeen string `json:"last_seen,omitempty"`
}

// User is a user account as returned by the directory.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ============================================================================
// Connection state
// ============================================================================

// ConnState represents the connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
