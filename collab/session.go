package collab

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Session coordinates all collaboration on one open document. It is the
// serialization point: content, history and the participant registry are
// guarded by one mutex, so mutations against a document apply one at a time
// while independent sessions proceed in parallel.
//
// Fan-out happens outside the mutex. A participant whose channel refuses a
// message is removed as if it had sent a leave.
type Session struct {
	ID           string
	DocumentPath string
	CreatedAt    time.Time

	log *slog.Logger

	mu           sync.Mutex
	doc          *Document
	participants map[string]*Participant
	lastActivity time.Time
	lastEditor   string
	dirty        bool
	closed       bool

	// onEmpty, when set, runs without the session lock held after the last
	// participant leaves. The manager hooks it to evict and persist.
	onEmpty func(s *Session, lastUserID string)

	// onPresence, when set, runs with the session lock held on every
	// participant add and remove. The manager hooks it to keep its reverse
	// index current. It must be fast and never call back into the session.
	onPresence func(sessionID, userID string, present bool)
}

func newSession(log *slog.Logger, id, documentPath, content string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		DocumentPath: documentPath,
		CreatedAt:    now,
		log:          log,
		doc:          NewDocument(content),
		participants: make(map[string]*Participant),
		lastActivity: now,
	}
}

// Snapshot is the full session state a joining participant renders from.
type Snapshot struct {
	SessionID    string            `json:"sessionId"`
	DocumentPath string            `json:"documentPath"`
	Content      string            `json:"content"`
	Revision     int               `json:"revision"`
	Participants []ParticipantInfo `json:"participants"`
}

// Stats is a point-in-time summary of a live session.
type Stats struct {
	SessionID    string    `json:"sessionId"`
	DocumentPath string    `json:"documentPath"`
	Participants int       `json:"participants"`
	Revision     int       `json:"revision"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// ApplyResult reports the outcome of a single mutation.
type ApplyResult struct {
	Applied  bool
	Reason   string   // set when Applied is false
	Mutation Mutation // normalized form of the input when applied
	Revision int      // document revision after the apply
}

// AddParticipant registers a user and returns the snapshot its editor should
// render from. The snapshot is also enqueued on ch before the session lock is
// released, so no broadcast can reach the joiner ahead of it. A second join by
// the same user replaces the previous channel; the new connection wins. The
// other participants are told about the join.
func (s *Session) AddParticipant(userID string, ch Channel) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	prev, rejoin := s.participants[userID]
	p := &Participant{
		UserID:   userID,
		Color:    colorFor(userID),
		JoinedAt: time.Now().UTC(),
		channel:  ch,
	}
	s.participants[userID] = p
	s.touchLocked()
	snap := s.snapshotLocked()
	err := ch.Send(ServerMessage{
		Type:      MsgSnapshot,
		SessionID: s.ID,
		UserID:    userID,
		Color:     p.Color,
		Snapshot:  &snap,
	})
	if err != nil {
		// Dead on arrival; do not register a participant that can never
		// receive anything.
		if rejoin {
			s.participants[userID] = prev
		} else {
			delete(s.participants, userID)
		}
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("deliver snapshot to %q: %w", userID, err)
	}
	if s.onPresence != nil && !rejoin {
		s.onPresence(s.ID, userID, true)
	}
	s.mu.Unlock()

	if !rejoin {
		metricParticipants.Inc()
	}
	s.log.Info("session.join",
		"session_id", s.ID,
		"document", s.DocumentPath,
		"user_id", userID,
		"participants", len(snap.Participants))
	s.Broadcast(ServerMessage{Type: MsgJoined, SessionID: s.ID, UserID: userID, Color: p.Color}, userID)
	return snap, nil
}

// RemoveParticipant drops a user from the registry regardless of which
// connection the user is on. Removing the last participant fires the onEmpty
// hook instead of broadcasting.
func (s *Session) RemoveParticipant(userID string) error {
	return s.remove(userID, nil)
}

// Detach removes userID only while it is still connected through ch. A leave
// arriving from a connection that a rejoin already replaced is ignored, so a
// stale teardown cannot evict the fresh connection.
func (s *Session) Detach(userID string, ch Channel) error {
	return s.remove(userID, ch)
}

// remove drops a user from the registry. A non-nil ch restricts the removal
// to the participant still bound to that channel.
func (s *Session) remove(userID string, ch Channel) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	p, ok := s.participants[userID]
	if !ok {
		s.mu.Unlock()
		return ErrParticipantNotFound
	}
	if ch != nil && p.channel != ch {
		s.mu.Unlock()
		return nil
	}
	delete(s.participants, userID)
	if s.onPresence != nil {
		s.onPresence(s.ID, userID, false)
	}
	s.touchLocked()
	remaining := len(s.participants)
	s.mu.Unlock()

	metricParticipants.Dec()
	s.log.Info("session.leave",
		"session_id", s.ID,
		"user_id", userID,
		"participants", remaining)
	if remaining == 0 {
		if s.onEmpty != nil {
			s.onEmpty(s, userID)
		}
		return nil
	}
	s.Broadcast(ServerMessage{Type: MsgLeft, SessionID: s.ID, UserID: userID}, userID)
	return nil
}

// ApplyMutation validates m against the live content and applies it,
// assigning an ID and stamping arrival time when the client sent none. On a
// stale precondition the session is untouched and Reason tells the originator
// what no longer held. Fan-out of accepted mutations is the caller's job.
func (s *Session) ApplyMutation(m Mutation) ApplyResult {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ApplyResult{Reason: "session closed"}
	}
	m.SessionID = s.ID
	if m.ID == "" {
		m.ID = NewMutationID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	applied, reason := s.doc.Apply(m)
	if applied {
		s.dirty = true
		s.lastEditor = m.UserID
		s.touchLocked()
	}
	rev := s.doc.Revision()
	s.mu.Unlock()

	if !applied {
		metricMutationsRejected.Inc()
		s.log.Info("session.mutation.rejected",
			"session_id", s.ID,
			"user_id", m.UserID,
			"kind", m.Kind,
			"reason", reason)
		return ApplyResult{Reason: reason}
	}
	metricMutationsApplied.Inc()
	s.log.Debug("session.mutation.applied",
		"session_id", s.ID,
		"user_id", m.UserID,
		"mutation_id", m.ID,
		"revision", rev)
	return ApplyResult{Applied: true, Mutation: m, Revision: rev}
}

// ResolveBatch reconciles mutations a client queued while disconnected. The
// batch is ordered by timestamp, ties keeping arrival order, and applied
// atomically under the session lock. Mutations that lost the race against
// edits already in the document come back rejected.
func (s *Session) ResolveBatch(userID string, pending []Mutation) Resolution {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		res := Resolution{}
		for _, m := range pending {
			res.Rejected = append(res.Rejected, RejectedMutation{Mutation: m, Reason: "session closed"})
		}
		return res
	}
	now := time.Now().UTC()
	for i := range pending {
		pending[i].SessionID = s.ID
		pending[i].UserID = userID
		if pending[i].ID == "" {
			pending[i].ID = NewMutationID()
		}
		if pending[i].Timestamp.IsZero() {
			pending[i].Timestamp = now
		}
	}
	res := reconcile(s.doc, pending)
	if len(res.Applied) > 0 {
		s.dirty = true
		s.lastEditor = userID
		s.touchLocked()
	}
	s.mu.Unlock()

	metricMutationsApplied.Add(float64(len(res.Applied)))
	metricMutationsRejected.Add(float64(len(res.Rejected)))
	s.log.Info("session.resolve",
		"session_id", s.ID,
		"user_id", userID,
		"applied", len(res.Applied),
		"rejected", len(res.Rejected),
		"revision", res.Revision)
	return res
}

// UpdateCursor stores a user's caret position, last write wins. It reports
// whether the stored value changed; an update that repeats the current
// position is a no-op.
func (s *Session) UpdateCursor(userID string, line, column int) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Cursor{}, false, ErrSessionClosed
	}
	p, ok := s.participants[userID]
	if !ok {
		return Cursor{}, false, ErrParticipantNotFound
	}
	if p.cursor != nil && p.cursor.Line == line && p.cursor.Column == column {
		return *p.cursor, false, nil
	}
	c := Cursor{Line: line, Column: column, UpdatedAt: time.Now().UTC()}
	p.cursor = &c
	s.touchLocked()
	return c, true, nil
}

// UpdateSelection stores a user's highlighted range, last write wins.
func (s *Session) UpdateSelection(userID string, startLine, startColumn, endLine, endColumn int) (Selection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Selection{}, false, ErrSessionClosed
	}
	p, ok := s.participants[userID]
	if !ok {
		return Selection{}, false, ErrParticipantNotFound
	}
	if prev := p.selection; prev != nil &&
		prev.StartLine == startLine && prev.StartColumn == startColumn &&
		prev.EndLine == endLine && prev.EndColumn == endColumn {
		return *prev, false, nil
	}
	sel := Selection{
		StartLine:   startLine,
		StartColumn: startColumn,
		EndLine:     endLine,
		EndColumn:   endColumn,
		UpdatedAt:   time.Now().UTC(),
	}
	p.selection = &sel
	s.touchLocked()
	return sel, true, nil
}

// Broadcast delivers msg to every participant except excludeUserID. Sends run
// outside the session lock. A participant whose channel rejects the message
// is removed as if it had left, without interrupting delivery to the rest.
func (s *Session) Broadcast(msg ServerMessage, excludeUserID string) {
	type target struct {
		userID string
		ch     Channel
	}

	s.mu.Lock()
	targets := make([]target, 0, len(s.participants))
	for id, p := range s.participants {
		if id == excludeUserID {
			continue
		}
		targets = append(targets, target{userID: id, ch: p.channel})
	}
	s.mu.Unlock()

	var failed []target
	for _, t := range targets {
		if err := t.ch.Send(msg); err != nil {
			metricDeliveryFailures.Inc()
			s.log.Warn("session.broadcast.drop",
				"session_id", s.ID,
				"user_id", t.userID,
				"err", err)
			failed = append(failed, t)
		}
	}
	for _, t := range failed {
		// Detach only the channel that failed; already-gone participants and
		// closed sessions are fine here.
		_ = s.Detach(t.userID, t.ch)
	}
}

// Snapshot returns the current content, revision and presence of every
// participant. Joining editors render from this without replaying history.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	infos := make([]ParticipantInfo, 0, len(s.participants))
	for _, p := range s.participants {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return Snapshot{
		SessionID:    s.ID,
		DocumentPath: s.DocumentPath,
		Content:      s.doc.Content(),
		Revision:     s.doc.Revision(),
		Participants: infos,
	}
}

// Stats returns a summary for directory listings.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:    s.ID,
		DocumentPath: s.DocumentPath,
		Participants: len(s.participants),
		Revision:     s.doc.Revision(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Content returns the current text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Content()
}

// Revision returns the number of mutations applied so far.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Revision()
}

// History returns the applied mutations in application order.
func (s *Session) History() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.History()
}

// LastActivity returns when the session last did anything.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ParticipantCount returns the number of attached participants.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// HasParticipant reports whether userID is attached.
func (s *Session) HasParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[userID]
	return ok
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now().UTC()
}

// tryClose marks the session closed if it has no participants left. Exactly
// one closer wins; the winner owns eviction and the final persist.
func (s *Session) tryClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.participants) > 0 {
		return false
	}
	s.closed = true
	return true
}

// closeIfIdle closes a session whose last activity is not after cutoff,
// dropping any participants whose connections went quiet without a leave.
// Their channels are returned for a best-effort goodbye.
func (s *Session) closeIfIdle(cutoff time.Time) (closed bool, stale []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.lastActivity.After(cutoff) {
		return false, nil
	}
	s.closed = true
	for _, p := range s.participants {
		stale = append(stale, p.channel)
	}
	s.dropAllLocked()
	return true, stale
}

// closeNow closes the session unconditionally. Used on server shutdown.
func (s *Session) closeNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.dropAllLocked()
	return true
}

func (s *Session) dropAllLocked() {
	n := len(s.participants)
	if n == 0 {
		return
	}
	if s.onPresence != nil {
		for id := range s.participants {
			s.onPresence(s.ID, id, false)
		}
	}
	metricParticipants.Sub(float64(n))
	s.participants = make(map[string]*Participant)
}

// persistState returns what eviction needs to write the session out: the
// final content, who edited it last, and whether anything changed since the
// content was loaded.
func (s *Session) persistState() (content, lastEditor string, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Content(), s.lastEditor, s.dirty
}
