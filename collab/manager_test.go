package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JasonTeixeira/Cloudmind-sub002/store"
)

type persistCall struct {
	Path    string
	Content string
	UserID  string
}

// recordingStore is an in-memory ContentStore that counts loads and records
// every persist, with switchable failure modes.
type recordingStore struct {
	mu       sync.Mutex
	docs     map[string]string
	loads    int
	persists []persistCall
	loadErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{docs: make(map[string]string)}
}

func (s *recordingStore) Load(_ context.Context, path string) (*store.DocumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	content, ok := s.docs[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.DocumentInfo{Path: path, Content: content}, nil
}

func (s *recordingStore) Persist(_ context.Context, path, content, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = content
	s.persists = append(s.persists, persistCall{Path: path, Content: content, UserID: userID})
	return nil
}

func (s *recordingStore) List(context.Context) ([]store.DocumentInfo, error) { return nil, nil }
func (s *recordingStore) Ping(context.Context) error                        { return nil }
func (s *recordingStore) Close() error                                      { return nil }

func (s *recordingStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *recordingStore) persistCalls() []persistCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persistCall, len(s.persists))
	copy(out, s.persists)
	return out
}

func (s *recordingStore) setLoadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func testManager(st store.ContentStore) *Manager {
	return NewManager(testLogger(), st)
}

func TestManager_JoinLoadsStoredContent(t *testing.T) {
	st := newRecordingStore()
	st.docs["docs/a.md"] = "hello"
	m := testManager(st)

	s, snap, err := m.Join(context.Background(), "docs/a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != "hello" {
		t.Errorf("content = %q, want %q", snap.Content, "hello")
	}
	if snap.SessionID != s.ID || s.ID == "" {
		t.Errorf("snapshot sessionId = %q, session ID = %q", snap.SessionID, s.ID)
	}
	if snap.DocumentPath != "docs/a.md" {
		t.Errorf("documentPath = %q, want docs/a.md", snap.DocumentPath)
	}
}

func TestManager_JoinMissingDocumentStartsEmpty(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)

	_, snap, err := m.Join(context.Background(), "fresh.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != "" {
		t.Errorf("content = %q, want empty for a never-persisted document", snap.Content)
	}
}

func TestManager_ConcurrentFirstJoinsShareOneLoad(t *testing.T) {
	st := newRecordingStore()
	st.docs["shared.md"] = "hello"
	m := testManager(st)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	sessions := make([]*Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.Join(context.Background(), "shared.md", userN(i), newMockChannel())
			sessions[i], errs[i] = s, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent joins landed in different sessions")
		}
	}
	if got := st.loadCount(); got != 1 {
		t.Errorf("store loads = %d, want 1", got)
	}
	if got := sessions[0].ParticipantCount(); got != n {
		t.Errorf("participants = %d, want %d", got, n)
	}
}

func userN(i int) string { return string(rune('a'+i)) + "-user" }

func TestManager_JoinStorageFailureFailsJoin(t *testing.T) {
	st := newRecordingStore()
	st.setLoadErr(errors.New("backend down"))
	m := testManager(st)

	_, _, err := m.Join(context.Background(), "docs/a.md", "u1", newMockChannel())
	if err == nil {
		t.Fatal("join succeeded with a failing store")
	}
	if got := len(m.Sessions()); got != 0 {
		t.Fatalf("sessions = %d, want 0 after failed join", got)
	}
	if got := m.SessionsOf("u1"); len(got) != 0 {
		t.Fatalf("sessionsOf = %v, want none", got)
	}

	// The failure is not cached; the next join works once storage recovers.
	st.setLoadErr(nil)
	if _, _, err := m.Join(context.Background(), "docs/a.md", "u1", newMockChannel()); err != nil {
		t.Fatalf("join after recovery: %v", err)
	}
}

func TestManager_JoinValidatesArguments(t *testing.T) {
	m := testManager(newRecordingStore())
	if _, _, err := m.Join(context.Background(), "", "u1", newMockChannel()); err == nil {
		t.Error("join with empty document path succeeded")
	}
	if _, _, err := m.Join(context.Background(), "a.md", "", newMockChannel()); err == nil {
		t.Error("join with empty user id succeeded")
	}
}

func TestManager_LastLeavePersistsExactlyOnce(t *testing.T) {
	st := newRecordingStore()
	st.docs["docs/a.md"] = "hello"
	m := testManager(st)
	ctx := context.Background()

	s, _, err := m.Join(ctx, "docs/a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Join(ctx, "docs/a.md", "u2", newMockChannel()); err != nil {
		t.Fatal(err)
	}

	res := s.ApplyMutation(Mutation{UserID: "u1", Kind: KindInsert, Position: 5, InsertedText: " world"})
	if !res.Applied {
		t.Fatalf("mutation rejected: %s", res.Reason)
	}

	if err := m.Leave(s.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := st.persistCalls(); len(got) != 0 {
		t.Fatalf("persists = %d before the last leave, want 0", len(got))
	}

	if err := m.Leave(s.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	calls := st.persistCalls()
	if len(calls) != 1 {
		t.Fatalf("persists = %d, want exactly 1", len(calls))
	}
	if calls[0].Path != "docs/a.md" || calls[0].Content != "hello world" {
		t.Errorf("persisted (%q, %q), want (docs/a.md, hello world)", calls[0].Path, calls[0].Content)
	}
	if got := len(m.Sessions()); got != 0 {
		t.Errorf("sessions = %d after eviction, want 0", got)
	}

	// The session is gone from the directory.
	if err := m.Leave(s.ID, "u2"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("leave after eviction = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_CleanLeaveSkipsPersist(t *testing.T) {
	st := newRecordingStore()
	st.docs["docs/a.md"] = "hello"
	m := testManager(st)

	s, _, err := m.Join(context.Background(), "docs/a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(s.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := st.persistCalls(); len(got) != 0 {
		t.Errorf("persists = %d for an unedited session, want 0", len(got))
	}
}

func TestManager_LeaveUnknownSession(t *testing.T) {
	m := testManager(newRecordingStore())
	if err := m.Leave("nope", "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_SessionLookup(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)

	if _, err := m.Session("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	s, _, err := m.Join(context.Background(), "docs/a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Error("lookup returned a different session")
	}
}

func TestManager_CleanupIdleEvictsQuietSessions(t *testing.T) {
	st := newRecordingStore()
	st.docs["stale.md"] = "old"
	m := testManager(st)
	ctx := context.Background()

	s, _, err := m.Join(ctx, "stale.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	ch := newMockChannel()
	if _, err := s.AddParticipant("u2", ch); err != nil {
		t.Fatal(err)
	}
	recvMsg(t, ch) // snapshot
	res := s.ApplyMutation(Mutation{UserID: "u2", Kind: KindInsert, Position: 3, InsertedText: "er"})
	if !res.Applied {
		t.Fatalf("mutation rejected: %s", res.Reason)
	}

	// No explicit leave ever arrives; the sweep has to reclaim the session.
	if evicted := m.CleanupIdle(ctx, 0); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if got := len(m.Sessions()); got != 0 {
		t.Errorf("sessions = %d after sweep, want 0", got)
	}
	if got := m.SessionsOf("u2"); len(got) != 0 {
		t.Errorf("sessionsOf = %v after sweep, want none", got)
	}

	// The stranded participant got a best-effort goodbye.
	if msg := recvMsg(t, ch); msg.Type != MsgError {
		t.Errorf("stale channel got %q, want %q", msg.Type, MsgError)
	}

	calls := st.persistCalls()
	if len(calls) != 1 || calls[0].Content != "older" {
		t.Fatalf("persists = %+v, want one write of %q", calls, "older")
	}
}

func TestManager_CleanupIdleSkipsActiveSessions(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)
	ctx := context.Background()

	if _, _, err := m.Join(ctx, "busy.md", "u1", newMockChannel()); err != nil {
		t.Fatal(err)
	}
	if evicted := m.CleanupIdle(ctx, time.Hour); evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}
	if got := len(m.Sessions()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestManager_SessionsOfTracksPresence(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)
	ctx := context.Background()

	a, _, err := m.Join(ctx, "a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := m.Join(ctx, "b.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Join(ctx, "b.md", "u2", newMockChannel()); err != nil {
		t.Fatal(err)
	}

	want := []string{a.ID, b.ID}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	got := m.SessionsOf("u1")
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sessionsOf(u1) = %v, want %v", got, want)
	}

	if err := m.Leave(a.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := m.SessionsOf("u1"); len(got) != 1 || got[0] != b.ID {
		t.Errorf("sessionsOf(u1) = %v after leaving a, want [%s]", got, b.ID)
	}
	if err := m.Leave(b.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := m.SessionsOf("u1"); len(got) != 0 {
		t.Errorf("sessionsOf(u1) = %v, want none", got)
	}
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)
	ctx := context.Background()

	a, _, err := m.Join(ctx, "a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := m.Join(ctx, "b.md", "u2", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}

	const edits = 50
	var wg sync.WaitGroup
	for _, target := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < edits; i++ {
				res := s.ApplyMutation(Mutation{
					UserID:       "writer",
					Kind:         KindInsert,
					Position:     0,
					InsertedText: "x",
				})
				if !res.Applied {
					t.Errorf("session %s edit %d rejected: %s", s.ID, i, res.Reason)
					return
				}
			}
		}(target)
	}
	wg.Wait()

	if a.Revision() != edits || b.Revision() != edits {
		t.Errorf("revisions = %d/%d, want %d/%d", a.Revision(), b.Revision(), edits, edits)
	}
	if len(a.Content()) != edits || len(b.Content()) != edits {
		t.Errorf("content lengths = %d/%d, want %d/%d", len(a.Content()), len(b.Content()), edits, edits)
	}
}

func TestManager_CloseDrainsAndPersistsDirtySessions(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)
	ctx := context.Background()

	a, _, err := m.Join(ctx, "a.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := m.Join(ctx, "b.md", "u2", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	a.ApplyMutation(Mutation{UserID: "u1", Kind: KindInsert, Position: 0, InsertedText: "A"})
	b.ApplyMutation(Mutation{UserID: "u2", Kind: KindInsert, Position: 0, InsertedText: "B"})

	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(m.Sessions()); got != 0 {
		t.Errorf("sessions = %d after close, want 0", got)
	}

	byPath := make(map[string]string)
	for _, call := range st.persistCalls() {
		byPath[call.Path] = call.Content
	}
	if byPath["a.md"] != "A" || byPath["b.md"] != "B" {
		t.Errorf("persisted = %v, want a.md=A and b.md=B", byPath)
	}
}

func TestManager_RejoinAfterEvictionSeesPersistedContent(t *testing.T) {
	st := newRecordingStore()
	m := testManager(st)
	ctx := context.Background()

	s, _, err := m.Join(ctx, "notes.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyMutation(Mutation{UserID: "u1", Kind: KindInsert, Position: 0, InsertedText: "hi"})
	if err := m.Leave(s.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	s2, snap, err := m.Join(ctx, "notes.md", "u1", newMockChannel())
	if err != nil {
		t.Fatal(err)
	}
	if s2 == s {
		t.Error("rejoin returned the evicted session")
	}
	if snap.Content != "hi" {
		t.Errorf("content = %q, want %q", snap.Content, "hi")
	}
	if snap.Revision != 0 {
		t.Errorf("revision = %d, want 0 in a fresh session", snap.Revision)
	}
}
