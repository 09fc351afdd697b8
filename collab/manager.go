package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"github.com/JasonTeixeira/Cloudmind-sub002/store"
)

const (
	defaultIdleTimeout    = 15 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultPersistTimeout = 10 * time.Second
)

// Manager is the process-wide directory of live sessions. It routes joins to
// the session owning a document, creating the session on first join by
// loading content from the store, and evicts sessions that empty out or go
// idle. Eviction persists dirty content back to the store exactly once.
type Manager struct {
	log   *slog.Logger
	store store.ContentStore

	idleTimeout    time.Duration
	sweepInterval  time.Duration
	persistTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	// presenceMu guards the reverse index alone. Sessions update the index
	// through the onPresence hook while holding their own lock, so this
	// mutex must never wrap an acquisition of any other lock.
	presenceMu sync.Mutex
	users      map[string]map[string]struct{}

	loads singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout sets how long a session may sit inactive before the
// background sweep evicts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithPersistTimeout bounds the store write performed when a session is
// evicted or drained.
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.persistTimeout = d
		}
	}
}

// NewManager returns a manager backed by st.
func NewManager(log *slog.Logger, st store.ContentStore, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:            log,
		store:          st,
		idleTimeout:    defaultIdleTimeout,
		sweepInterval:  defaultSweepInterval,
		persistTimeout: defaultPersistTimeout,
		sessions:       make(map[string]*Session),
		users:          make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join attaches a user to the session for documentPath, creating the session
// on first join. The returned snapshot carries everything the client needs to
// render immediately. Join fails when the store cannot serve the document's
// current content.
func (m *Manager) Join(ctx context.Context, documentPath, userID string, ch Channel) (*Session, Snapshot, error) {
	if documentPath == "" {
		return nil, Snapshot{}, errors.New("collab: empty document path")
	}
	if userID == "" {
		return nil, Snapshot{}, errors.New("collab: empty user id")
	}
	id := SessionIDFor(documentPath)

	for {
		s, err := m.sessionFor(ctx, id, documentPath)
		if err != nil {
			return nil, Snapshot{}, err
		}
		snap, err := s.AddParticipant(userID, ch)
		if errors.Is(err, ErrSessionClosed) {
			// Lost a race against eviction. Drop the dead mapping if the
			// closer has not gotten to it yet, then retry; the next pass
			// creates a fresh session from the just-persisted content.
			m.evict(s)
			continue
		}
		if err != nil {
			return nil, Snapshot{}, err
		}
		return s, snap, nil
	}
}

// evict removes s from the directory if it is still the mapped session for
// its ID. A newer session installed under the same ID is left alone.
func (m *Manager) evict(s *Session) {
	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
}

// sessionFor returns the live session for id, loading and installing it on
// first use. Concurrent first joins share one store load.
func (m *Manager) sessionFor(ctx context.Context, id, documentPath string) (*Session, error) {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := m.loads.Do(id, func() (any, error) {
		m.mu.RLock()
		s := m.sessions[id]
		m.mu.RUnlock()
		if s != nil {
			return s, nil
		}

		content := ""
		info, err := m.store.Load(ctx, documentPath)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// First time anyone opens this document; start empty.
		case err != nil:
			return nil, fmt.Errorf("load %q: %w", documentPath, err)
		default:
			content = info.Content
		}

		s = newSession(m.log, id, documentPath, content)
		s.onEmpty = m.sessionEmptied
		s.onPresence = m.trackPresence
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()

		metricSessionsActive.Inc()
		m.log.Info("manager.session.create",
			"session_id", id,
			"document", documentPath,
			"content_bytes", len(content))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Leave detaches a user from a session. Removing the last participant evicts
// the session from the directory and persists its content.
func (m *Manager) Leave(sessionID, userID string) error {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return ErrSessionNotFound
	}
	err := s.RemoveParticipant(userID)
	if errors.Is(err, ErrSessionClosed) {
		return ErrSessionNotFound
	}
	return err
}

// Session returns the live session with the given ID.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[id]
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sessions returns stats for every live session, ordered by document path.
func (m *Manager) Sessions() []Stats {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	stats := make([]Stats, 0, len(all))
	for _, s := range all {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].DocumentPath < stats[j].DocumentPath })
	return stats
}

// SessionsOf returns the IDs of sessions the user is attached to, from the
// reverse index, sorted.
func (m *Manager) SessionsOf(userID string) []string {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	ids := make([]string, 0, len(m.users[userID]))
	for id := range m.users[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// trackPresence keeps the userID to session IDs reverse index current. It is
// called by sessions through the onPresence hook.
func (m *Manager) trackPresence(sessionID, userID string, present bool) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	set := m.users[userID]
	if present {
		if set == nil {
			set = make(map[string]struct{})
			m.users[userID] = set
		}
		set[sessionID] = struct{}{}
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.users, userID)
	}
}

// sessionEmptied runs after a session's last participant leaves. The session
// is evicted unless someone joined back in the window, then persisted.
func (m *Manager) sessionEmptied(s *Session, lastUserID string) {
	m.mu.Lock()
	if m.sessions[s.ID] != s || !s.tryClose() {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	metricSessionsActive.Dec()
	metricSessionsEvicted.WithLabelValues("empty").Inc()
	m.log.Info("manager.session.evict",
		"session_id", s.ID,
		"document", s.DocumentPath,
		"reason", "empty")

	ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
	defer cancel()
	m.persistSession(ctx, s, lastUserID)
}

// CleanupIdle evicts every session whose last activity is not after
// now-maxIdle, regardless of remaining participants. It is the safety net for
// connections that died without a leave. Returns the number of sessions
// evicted.
func (m *Manager) CleanupIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		closed, stale := s.closeIfIdle(cutoff)
		if !closed {
			continue
		}
		m.evict(s)

		for _, ch := range stale {
			_ = ch.Send(ServerMessage{Type: MsgError, SessionID: s.ID, Message: "session evicted: idle"})
		}
		metricSessionsActive.Dec()
		metricSessionsEvicted.WithLabelValues("idle").Inc()
		m.log.Info("manager.session.evict",
			"session_id", s.ID,
			"document", s.DocumentPath,
			"reason", "idle",
			"stale_participants", len(stale))
		m.persistSession(ctx, s, "")
		evicted++
	}
	return evicted
}

// Run drives the idle sweep until ctx is canceled. Start it in its own
// goroutine next to the transport. Each sweep persists under its own
// deadline so shutdown does not cut a write short.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout)
			m.CleanupIdle(sctx, m.idleTimeout)
			cancel()
		}
	}
}

// Close drains the directory, persisting every dirty session. Used on server
// shutdown so open edits are not lost.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, s := range all {
		if !s.closeNow() {
			continue
		}
		metricSessionsActive.Dec()
		metricSessionsEvicted.WithLabelValues("shutdown").Inc()
		if err := m.persistSession(ctx, s, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persistSession writes a closed session's content back to the store, once,
// and only when something changed since load.
func (m *Manager) persistSession(ctx context.Context, s *Session, userID string) error {
	content, lastEditor, dirty := s.persistState()
	if !dirty {
		return nil
	}
	if userID == "" {
		userID = lastEditor
	}
	if err := m.persist(ctx, s.DocumentPath, content, userID); err != nil {
		m.log.Error("manager.persist.fail",
			"session_id", s.ID,
			"document", s.DocumentPath,
			"err", err)
		return err
	}
	m.log.Info("manager.persist",
		"session_id", s.ID,
		"document", s.DocumentPath,
		"content_bytes", len(content),
		"user_id", userID)
	return nil
}

// persist writes through to the store with exponential backoff, so a brief
// storage blip does not drop the final content of an evicted session.
func (m *Manager) persist(ctx context.Context, path, content, userID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = m.persistTimeout
	op := func() error {
		return m.store.Persist(ctx, path, content, userID)
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
