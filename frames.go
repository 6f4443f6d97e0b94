package chatsync

import (
	"encoding/json"
	"errors"
)

// ============================================================================
// Frame types
// ============================================================================

// FrameType is the "type" tag of a wire frame.
type FrameType string

// Inbound frame types.
const (
	FrameNewMessage   FrameType = "new_message"
	FrameMessageAck   FrameType = "message_ack"
	FrameStatusUpdate FrameType = "status_update"
	FrameTyping       FrameType = "typing"
	FrameUserStatus   FrameType = "user_status"
	FrameError        FrameType = "error"
)

// Outbound frame types.
const (
	FrameSendMessage FrameType = "send_message"
	FrameReadReceipt FrameType = "read_receipt"
	// FrameTyping is also used outbound.
)

// InboundFrameTypes lists every frame type ParseFrame accepts.
var InboundFrameTypes = []FrameType{
	FrameNewMessage,
	FrameMessageAck,
	FrameStatusUpdate,
	FrameTyping,
	FrameUserStatus,
	FrameError,
}

// ============================================================================
// Outbound payloads
// ============================================================================

// Envelope is the wire format of outbound frames.
type Envelope struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

// SendMessagePayload is the data of a send_message frame. ConversationID is
// nil for the first message to a contact.
type SendMessagePayload struct {
	RecipientID    string  `json:"recipient_id"`
	ConversationID *string `json:"conversation_id"`
	Content        string  `json:"content"`
	Type           string  `json:"type"`
	TempID         string  `json:"temp_id"`
}

// TypingPayload is the data of an outbound typing frame.
type TypingPayload struct {
	RecipientID string `json:"recipient_id"`
	IsTyping    bool   `json:"is_typing"`
}

// ReadReceiptPayload is the data of a read_receipt frame.
type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
}

// ============================================================================
// Inbound frames
// ============================================================================

// Frame is a parsed inbound frame. The set of implementations is closed; see
// ParseFrame.
type Frame interface {
	FrameType() FrameType
	inbound()
}

// NewMessageFrame pushes a message to the local user.
type NewMessageFrame struct {
	Message Message `json:"message"`
}

// MessageAckFrame acknowledges a send_message frame by its temp id. Either
// Error is set, or ServerID (and optionally Timestamp and Status) are.
type MessageAckFrame struct {
	TempID    string        `json:"temp_id"`
	ServerID  string        `json:"server_id,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// StatusUpdateFrame reports a delivery status change for a real message id.
type StatusUpdateFrame struct {
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
}

// TypingFrame reports that a user started or stopped typing.
type TypingFrame struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusFrame reports a presence change. Raw holds the whole frame.
type UserStatusFrame struct {
	UserID string          `json:"user_id"`
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// ErrorFrame is a server-side error notification. Raw holds the whole frame.
type ErrorFrame struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
}

func (*NewMessageFrame) FrameType() FrameType   { return FrameNewMessage }
func (*MessageAckFrame) FrameType() FrameType   { return FrameMessageAck }
func (*StatusUpdateFrame) FrameType() FrameType { return FrameStatusUpdate }
func (*TypingFrame) FrameType() FrameType       { return FrameTyping }
func (*UserStatusFrame) FrameType() FrameType   { return FrameUserStatus }
func (*ErrorFrame) FrameType() FrameType        { return FrameError }

func (*NewMessageFrame) inbound()   {}
func (*MessageAckFrame) inbound()   {}
func (*StatusUpdateFrame) inbound() {}
func (*TypingFrame) inbound()       {}
func (*UserStatusFrame) inbound()   {}
func (*ErrorFrame) inbound()        {}

// ParseFrame decodes an inbound frame. Inbound frames carry their fields
// flattened next to "type".
func ParseFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ParseError{Reason: "malformed", Err: err}
	}

	var f Frame
	switch head.Type {
	case FrameNewMessage:
		f = &NewMessageFrame{}
	case FrameMessageAck:
		f = &MessageAckFrame{}
	case FrameStatusUpdate:
		f = &StatusUpdateFrame{}
	case FrameTyping:
		f = &TypingFrame{}
	case FrameUserStatus:
		f = &UserStatusFrame{Raw: append(json.RawMessage(nil), data...)}
	case FrameError:
		f = &ErrorFrame{Raw: append(json.RawMessage(nil), data...)}
	case "":
		return nil, &ParseError{Reason: "untyped"}
	default:
		return nil, &ParseError{Reason: "unknown", Err: errors.New(string(head.Type))}
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, &ParseError{Reason: "malformed", Err: err}
	}
	if err := validateFrame(f); err != nil {
		return nil, &ParseError{Reason: "invalid", Err: err}
	}
	return f, nil
}

func validateFrame(f Frame) error {
	switch f := f.(type) {
	case *NewMessageFrame:
		if f.Message.ID == "" {
			return errors.New("new_message without message id")
		}
		if f.Message.Status == "" {
			f.Message.Status = StatusSent
		}
	case *MessageAckFrame:
		if f.TempID == "" {
			return errors.New("message_ack without temp_id")
		}
	case *StatusUpdateFrame:
		if f.MessageID == "" {
			return errors.New("status_update without message_id")
		}
		if !f.Status.Settled() {
			return errors.New("status_update with status " + string(f.Status))
		}
	}
	return nil
}
