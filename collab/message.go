package collab

import "time"

// Client to server message types.
const (
	MsgJoin      = "join"
	MsgLeave     = "leave"
	MsgMutation  = "mutation"
	MsgSync      = "sync"
	MsgCursor    = "cursor"
	MsgSelection = "selection"
)

// Server to client message types. MsgMutation, MsgCursor and MsgSelection are
// reused for fan-out of the corresponding inbound messages.
const (
	MsgSnapshot   = "snapshot"
	MsgJoined     = "joined"
	MsgLeft       = "left"
	MsgApplied    = "applied"
	MsgRejected   = "rejected"
	MsgResolution = "resolution"
	MsgError      = "error"
)

// ClientMessage is a message from a client. Type decides which fields are
// meaningful.
type ClientMessage struct {
	Type     string `json:"type"`
	Document string `json:"document,omitempty"`
	UserID   string `json:"userId,omitempty"`

	// Mutation fields.
	Kind         Kind      `json:"kind,omitempty"`
	Position     int       `json:"position,omitempty"`
	InsertedText string    `json:"insertedText,omitempty"`
	DeletedText  string    `json:"deletedText,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Sync batch, for clients reconciling edits queued while offline.
	Mutations []Mutation `json:"mutations,omitempty"`

	// Cursor fields.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Selection fields.
	StartLine   int `json:"startLine,omitempty"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}

// ServerMessage is a message to a client. Type decides which fields are set.
type ServerMessage struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId,omitempty"`
	UserID     string      `json:"userId,omitempty"`
	Color      string      `json:"color,omitempty"`
	Revision   int         `json:"revision,omitempty"`
	MutationID string      `json:"mutationId,omitempty"`
	Mutation   *Mutation   `json:"mutation,omitempty"`
	Cursor     *Cursor     `json:"cursor,omitempty"`
	Selection  *Selection  `json:"selection,omitempty"`
	Snapshot   *Snapshot   `json:"snapshot,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
}
