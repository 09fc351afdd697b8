package collab

// Document holds the working text for one session together with the ordered
// history of mutations that produced it. The content always equals the
// initial text with every history entry applied in order.
//
// A Document is not safe for concurrent use; the owning Session serializes
// access to it.
type Document struct {
	initial string
	content string
	history []Mutation
}

// NewDocument returns a document seeded with content.
func NewDocument(content string) *Document {
	return &Document{initial: content, content: content}
}

// Content returns the current text.
func (d *Document) Content() string { return d.content }

// Initial returns the text the document was seeded with.
func (d *Document) Initial() string { return d.initial }

// Revision returns the number of mutations applied so far.
func (d *Document) Revision() int { return len(d.history) }

// History returns a copy of the applied mutations in application order.
func (d *Document) History() []Mutation {
	out := make([]Mutation, len(d.history))
	copy(out, d.history)
	return out
}

// Apply validates m against the current content and applies it. On success
// the mutation is appended to the history. On failure the document is left
// untouched and reason names the precondition that no longer holds.
func (d *Document) Apply(m Mutation) (applied bool, reason string) {
	if reason := m.conflict(d.content); reason != "" {
		return false, reason
	}
	d.content = m.splice(d.content)
	d.history = append(d.history, m)
	return true, ""
}
