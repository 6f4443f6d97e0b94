package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure reasons recorded on messages by the client itself. Server
// rejections carry the server's error string verbatim.
const (
	ReasonSendFailed = "send failed"
	ReasonTimeout    = "timeout"
)

var (
	ErrNoRecipient    = errors.New("chatsync: no active contact")
	ErrEmptyContent   = errors.New("chatsync: empty message content")
	ErrUnknownMessage = errors.New("chatsync: unknown provisional id")
	ErrNotFailed      = errors.New("chatsync: message is not in failed state")
	ErrReservedFrame  = errors.New("chatsync: frame type is handled by the session")
	ErrClosed         = errors.New("chatsync: session closed")
)

// APIError represents a directory API error.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// ParseError is returned by ParseFrame for frames that cannot be dispatched.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "frame " + e.Reason + ": " + e.Err.Error()
	}
	return "frame " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }
