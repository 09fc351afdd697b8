package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JasonTeixeira/Cloudmind-sub002/collab"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 256 * 1024
	joinTimeout = 10 * time.Second

	defaultSendQueue = 256
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send queue full")
)

// client is one WebSocket connection, bound to at most one session at a time.
// Its Send method is the collab.Channel handed to the session. The session
// and userID fields are owned by the read goroutine.
type client struct {
	log  *slog.Logger
	mgr  *collab.Manager
	conn *websocket.Conn

	send      chan collab.ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	limiter *rateLimiter

	userID  string
	session *collab.Session
}

func newClient(log *slog.Logger, mgr *collab.Manager, conn *websocket.Conn, queueSize int, limiter *rateLimiter) *client {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &client{
		log:     log,
		mgr:     mgr,
		conn:    conn,
		send:    make(chan collab.ServerMessage, queueSize),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// Send implements collab.Channel. It enqueues without blocking; a full queue
// or closed connection is a delivery failure, which the session treats as an
// implicit leave.
func (c *client) Send(msg collab.ServerMessage) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendFull
	}
}

// readPump reads messages from the WebSocket and routes them until the
// connection dies.
func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("client.read.error", "user_id", c.userID, "err", err)
			}
			return
		}
		if !c.limiter.allow(time.Now()) {
			c.sendError("rate limit exceeded")
			continue
		}

		var msg collab.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg collab.ClientMessage) {
	switch msg.Type {
	case collab.MsgJoin:
		c.handleJoin(msg)
	case collab.MsgLeave:
		c.handleLeave()
	case collab.MsgMutation:
		c.handleMutation(msg)
	case collab.MsgSync:
		c.handleSync(msg)
	case collab.MsgCursor:
		c.handleCursor(msg)
	case collab.MsgSelection:
		c.handleSelection(msg)
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *client) handleJoin(msg collab.ClientMessage) {
	if c.session != nil {
		// Switching documents; detach from the old session first.
		c.detach()
	}
	userID := msg.UserID
	if userID == "" {
		userID = collab.NewGuestID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	// The session pushes the snapshot through this client's channel before
	// any broadcast can follow it.
	sess, _, err := c.mgr.Join(ctx, msg.Document, userID, c)
	if err != nil {
		c.sendError("join failed: " + err.Error())
		return
	}
	c.userID = userID
	c.session = sess
}

// handleLeave is an explicit leave: the user is removed from the session no
// matter which of their connections is current.
func (c *client) handleLeave() {
	s := c.session
	if s == nil {
		c.sendError("not joined to a document")
		return
	}
	c.session = nil
	if err := c.mgr.Leave(s.ID, c.userID); err != nil {
		c.log.Debug("client.leave",
			"user_id", c.userID,
			"session_id", s.ID,
			"err", err)
	}
	_ = c.Send(collab.ServerMessage{Type: collab.MsgLeft, SessionID: s.ID, UserID: c.userID})
}

func (c *client) handleMutation(msg collab.ClientMessage) {
	s := c.session
	if s == nil {
		c.sendError("not joined to a document")
		return
	}
	m := collab.Mutation{
		UserID:       c.userID,
		Kind:         msg.Kind,
		Position:     msg.Position,
		InsertedText: msg.InsertedText,
		DeletedText:  msg.DeletedText,
		Timestamp:    msg.Timestamp,
	}
	res := s.ApplyMutation(m)
	if !res.Applied {
		_ = c.Send(collab.ServerMessage{
			Type:      collab.MsgRejected,
			SessionID: s.ID,
			Mutation:  &m,
			Reason:    res.Reason,
		})
		return
	}
	_ = c.Send(collab.ServerMessage{
		Type:       collab.MsgApplied,
		SessionID:  s.ID,
		MutationID: res.Mutation.ID,
		Revision:   res.Revision,
	})
	s.Broadcast(collab.ServerMessage{
		Type:      collab.MsgMutation,
		SessionID: s.ID,
		UserID:    c.userID,
		Revision:  res.Revision,
		Mutation:  &res.Mutation,
	}, c.userID)
}

func (c *client) handleSync(msg collab.ClientMessage) {
	s := c.session
	if s == nil {
		c.sendError("not joined to a document")
		return
	}
	res := s.ResolveBatch(c.userID, msg.Mutations)
	_ = c.Send(collab.ServerMessage{
		Type:       collab.MsgResolution,
		SessionID:  s.ID,
		Revision:   res.Revision,
		Resolution: &res,
	})
	baseRev := res.Revision - len(res.Applied)
	for i := range res.Applied {
		s.Broadcast(collab.ServerMessage{
			Type:      collab.MsgMutation,
			SessionID: s.ID,
			UserID:    c.userID,
			Revision:  baseRev + i + 1,
			Mutation:  &res.Applied[i],
		}, c.userID)
	}
}

func (c *client) handleCursor(msg collab.ClientMessage) {
	s := c.session
	if s == nil {
		c.sendError("not joined to a document")
		return
	}
	cur, changed, err := s.UpdateCursor(c.userID, msg.Line, msg.Column)
	if err != nil {
		c.sendError("cursor update failed: " + err.Error())
		return
	}
	if !changed {
		return
	}
	s.Broadcast(collab.ServerMessage{
		Type:      collab.MsgCursor,
		SessionID: s.ID,
		UserID:    c.userID,
		Cursor:    &cur,
	}, c.userID)
}

func (c *client) handleSelection(msg collab.ClientMessage) {
	s := c.session
	if s == nil {
		c.sendError("not joined to a document")
		return
	}
	sel, changed, err := s.UpdateSelection(c.userID, msg.StartLine, msg.StartColumn, msg.EndLine, msg.EndColumn)
	if err != nil {
		c.sendError("selection update failed: " + err.Error())
		return
	}
	if !changed {
		return
	}
	s.Broadcast(collab.ServerMessage{
		Type:      collab.MsgSelection,
		SessionID: s.ID,
		UserID:    c.userID,
		Selection: &sel,
	}, c.userID)
}

// detach drops the session binding for this connection. The removal is
// channel-aware: if the user rejoined on a newer connection, that presence
// stays untouched.
func (c *client) detach() {
	s := c.session
	c.session = nil
	if s == nil {
		return
	}
	if err := s.Detach(c.userID, c); err != nil {
		c.log.Debug("client.detach",
			"user_id", c.userID,
			"session_id", s.ID,
			"err", err)
	}
}

func (c *client) teardown() {
	c.detach()
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.conn.Close()
}

// writePump writes queued messages to the WebSocket and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendError(message string) {
	_ = c.Send(collab.ServerMessage{Type: collab.MsgError, Message: message})
}
