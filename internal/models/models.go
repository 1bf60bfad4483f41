package models

import "encoding/json"

// Message types sent by clients
const (
	MsgTypeJoin           = "join"
	MsgTypeLeave          = "leave"
	MsgTypeSteps          = "steps"
	MsgTypePresence       = "presence"
	MsgTypeDocRequest     = "doc-request"
	MsgTypeHistoryRequest = "history-request"
	MsgTypePong           = "pong"
)

// Message types sent by the server
const (
	MsgTypePresenceSnapshot = "presence-snapshot"
	MsgTypeDocSnapshot      = "doc-snapshot"
	MsgTypeHistory          = "history"
	MsgTypePing             = "ping"
	MsgTypeAck              = "ack"
	MsgTypeError            = "error"
)

// Reserved error codes. Other codes are passed through to clients opaquely.
const (
	ErrCodeVersionMismatch = "version_mismatch"
	ErrCodeApplyFailed     = "apply_failed"
)

// Ack subtypes
const (
	AckSteps    = "steps"
	AckPresence = "presence"
	AckJoin     = "join"
	AckLeave    = "leave"
)

// ServerClientID is the clientId carried by server-originated pings.
const ServerClientID = "server"

// Protocol defaults, in milliseconds.
const (
	DefaultHeartbeatIntervalMS = 5000
	DefaultPresenceTTLMS       = 15000
	DefaultReconnectBaseMS     = 300
	DefaultReconnectCapMS      = 8000
	DefaultReconnectJitterMS   = 200
	DefaultReconnectMaxExp     = 6
)

// User identifies a participant inside a room.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Cursor is a selection range in the document.
type Cursor struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// UserPresence is the client-supplied presence payload.
type UserPresence struct {
	User   User                   `json:"user"`
	Cursor *Cursor                `json:"cursor,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	// Timestamp is stamped by the server on upsert; clients may omit it.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// PresenceEntry pairs a clientId with its presence in a presence-snapshot.
type PresenceEntry struct {
	ClientID string        `json:"clientId"`
	Presence *UserPresence `json:"presence"`
}

// Message is the single wire envelope. Every message carries Type, RoomID and
// ClientID; the remaining fields are populated per type. On server-originated
// messages ClientID identifies the subject client, not the sender.
//
// Version is a pointer so that a steps message without a version field is
// distinguishable from one at version 0.
type Message struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId,omitempty"`
	ClientID string `json:"clientId,omitempty"`

	// steps / history
	Version         *int              `json:"version,omitempty"`
	Steps           []json.RawMessage `json:"steps,omitempty"`
	ClientSelection *Cursor           `json:"clientSelection,omitempty"`
	FromVersion     *int              `json:"fromVersion,omitempty"`
	ToVersion       *int              `json:"toVersion,omitempty"`
	SinceVersion    *int              `json:"sinceVersion,omitempty"`

	// presence
	Presence  *UserPresence   `json:"presence,omitempty"`
	Presences []PresenceEntry `json:"presences,omitempty"`

	// doc-snapshot
	Doc json.RawMessage `json:"doc,omitempty"`

	// ping / pong
	TS *int64 `json:"ts,omitempty"`

	// ack
	AckType string `json:"ackType,omitempty"`
	OK      *bool  `json:"ok,omitempty"`

	// error (Reason is shared with negative acks)
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// IntPtr returns a pointer to v, for optional numeric fields.
func IntPtr(v int) *int { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

// StepBatch is one history entry: applying Steps to the document at
// FromVersion yields the document at ToVersion = FromVersion + 1.
type StepBatch struct {
	FromVersion int               `json:"fromVersion"`
	ToVersion   int               `json:"toVersion"`
	Steps       []json.RawMessage `json:"steps"`
	Author      string            `json:"author"`
}
