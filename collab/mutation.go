package collab

import (
	"fmt"
	"time"
)

// Kind identifies the type of a text mutation.
type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindReplace:
		return true
	}
	return false
}

// Mutation is one atomic edit against a session's content.
//
// Position is a byte offset into the content as the author saw it. Delete and
// replace carry the text they expect to remove, which lets the session detect
// edits that raced against a concurrent change instead of silently corrupting
// the document.
type Mutation struct {
	ID           string    `json:"id,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Kind         Kind      `json:"kind"`
	Position     int       `json:"position"`
	InsertedText string    `json:"insertedText,omitempty"`
	DeletedText  string    `json:"deletedText,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate checks structural well-formedness independent of any content.
func (m Mutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if m.Position < 0 {
		return fmt.Errorf("negative position %d", m.Position)
	}
	switch m.Kind {
	case KindInsert:
		if m.InsertedText == "" {
			return fmt.Errorf("insert carries no insertedText")
		}
	case KindDelete:
		if m.DeletedText == "" {
			return fmt.Errorf("delete carries no deletedText")
		}
	case KindReplace:
		if m.DeletedText == "" {
			return fmt.Errorf("replace carries no deletedText")
		}
	}
	return nil
}

// conflict reports why m cannot apply against content, or "" when it can.
// A non-empty reason means the precondition captured at authoring time no
// longer holds.
func (m Mutation) conflict(content string) string {
	if err := m.Validate(); err != nil {
		return err.Error()
	}
	switch m.Kind {
	case KindInsert:
		if m.Position > len(content) {
			return fmt.Sprintf("insert position %d beyond content length %d", m.Position, len(content))
		}
	case KindDelete, KindReplace:
		end := m.Position + len(m.DeletedText)
		if end > len(content) {
			return fmt.Sprintf("range [%d,%d) beyond content length %d", m.Position, end, len(content))
		}
		if got := content[m.Position:end]; got != m.DeletedText {
			return fmt.Sprintf("content at position %d is %q, expected %q", m.Position, got, m.DeletedText)
		}
	}
	return ""
}

// splice applies m to content. Callers must have checked conflict first.
func (m Mutation) splice(content string) string {
	switch m.Kind {
	case KindInsert:
		return content[:m.Position] + m.InsertedText + content[m.Position:]
	case KindDelete:
		return content[:m.Position] + content[m.Position+len(m.DeletedText):]
	case KindReplace:
		return content[:m.Position] + m.InsertedText + content[m.Position+len(m.DeletedText):]
	}
	return content
}
