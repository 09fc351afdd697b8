package collab

import (
	"hash/fnv"
	"time"
)

// Cursor is a participant's caret position, in line/column coordinates as the
// client editor reports them.
type Cursor struct {
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Selection is a participant's highlighted range.
type Selection struct {
	StartLine   int       `json:"startLine"`
	StartColumn int       `json:"startColumn"`
	EndLine     int       `json:"endLine"`
	EndColumn   int       `json:"endColumn"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Participant is one user's live presence inside a session.
type Participant struct {
	UserID   string
	Color    string
	JoinedAt time.Time

	cursor    *Cursor
	selection *Selection
	channel   Channel
}

// ParticipantInfo is the wire representation of a participant, carried in
// snapshots and presence events.
type ParticipantInfo struct {
	UserID    string     `json:"userId"`
	Color     string     `json:"color"`
	JoinedAt  time.Time  `json:"joinedAt"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// Info returns the wire representation of p.
func (p *Participant) Info() ParticipantInfo {
	info := ParticipantInfo{
		UserID:   p.UserID,
		Color:    p.Color,
		JoinedAt: p.JoinedAt,
	}
	if p.cursor != nil {
		c := *p.cursor
		info.Cursor = &c
	}
	if p.selection != nil {
		sel := *p.selection
		info.Selection = &sel
	}
	return info
}

var palette = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}

// colorFor picks a display color for a user. The same user gets the same
// color on every join.
func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
