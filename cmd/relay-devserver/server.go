package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaydev/relay/pkg/api"
	"github.com/relaydev/relay/pkg/clock"
	"github.com/relaydev/relay/pkg/event"
	"github.com/relaydev/relay/pkg/realtime"
)

// Token lifetimes mirror the production service.
const (
	accessTokenTTL = time.Hour
	wsTokenTTL     = 5 * time.Minute
)

// boardEntry is the winning status for one aggregate, chosen by the
// Lamport total order so every replica converges on the same board.
type boardEntry struct {
	Lane    event.Lane
	Lamport int64
	EventID string
}

// server is the whole dev relay: in-memory tokens, in-memory event log
// with event_id dedup, a derived kanban board, and a websocket fanout.
type server struct {
	router *gin.Engine

	mu            sync.Mutex
	accessTokens  map[string]time.Time // token -> expiry
	refreshTokens map[string]string    // token -> username
	wsTokens      map[string]time.Time // token -> expiry, single use
	seen          map[string]bool      // ingested event ids
	log           []json.RawMessage
	board         map[string]boardEntry // aggregate_id -> winner
	clients       map[*wsClient]bool
}

func newServer() *server {
	s := &server{
		accessTokens:  map[string]time.Time{},
		refreshTokens: map[string]string{},
		wsTokens:      map[string]time.Time{},
		seen:          map[string]bool{},
		board:         map[string]boardEntry{},
		clients:       map[*wsClient]bool{},
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/token", s.handleToken)
	r.POST("/token/refresh", s.handleRefresh)
	r.POST("/ws-token", s.handleWSToken)
	r.POST("/events/batch", s.handleBatch)
	r.GET("/ws", s.handleWS)
	s.router = r
	return s
}

// --- auth ---

func (s *server) handleToken(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	access := uuid.NewString()
	refresh := uuid.NewString()
	s.mu.Lock()
	s.accessTokens[access] = time.Now().Add(accessTokenTTL)
	s.refreshTokens[refresh] = req.Username
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"access_token": access, "refresh_token": refresh})
}

func (s *server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}

	s.mu.Lock()
	_, ok := s.refreshTokens[req.RefreshToken]
	var access string
	if ok {
		access = uuid.NewString()
		s.accessTokens[access] = time.Now().Add(accessTokenTTL)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token expired"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access})
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

// requireAccess aborts with 401 unless the request carries a live
// access token.
func (s *server) requireAccess(c *gin.Context) bool {
	tok := bearerToken(c)
	s.mu.Lock()
	exp, ok := s.accessTokens[tok]
	s.mu.Unlock()
	if !ok || time.Now().After(exp) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired access token"})
		return false
	}
	return true
}

func (s *server) handleWSToken(c *gin.Context) {
	if !s.requireAccess(c) {
		return
	}
	tok := uuid.NewString()
	s.mu.Lock()
	s.wsTokens[tok] = time.Now().Add(wsTokenTTL)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ws_token": tok})
}

// --- batch ingest ---

func (s *server) handleBatch(c *gin.Context) {
	if !s.requireAccess(c) {
		return
	}

	events, err := api.DecodeBatch(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch", "details": err.Error()})
		return
	}
	if len(events) > api.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch too large"})
		return
	}

	results := make([]api.BatchResult, 0, len(events))
	for _, raw := range events {
		results = append(results, s.ingest(raw, nil))
	}
	c.JSON(http.StatusOK, api.BatchResponse{Results: results})
}

// ingest validates one event, dedups by event_id, folds it into the
// board, and fans it out to every connected realtime client except the
// origin. Returns the per-event verdict.
func (s *server) ingest(raw json.RawMessage, origin *wsClient) api.BatchResult {
	var e event.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return api.BatchResult{Status: api.VerdictRejected, Error: "malformed event: " + err.Error()}
	}
	res := api.BatchResult{EventID: e.EventID}

	switch {
	case e.EventID == "":
		res.Status, res.Error = api.VerdictRejected, "missing event_id"
		return res
	case e.AggregateID == "":
		res.Status, res.Error = api.VerdictRejected, "missing aggregate_id"
		return res
	case e.LamportClock <= 0:
		res.Status, res.Error = api.VerdictRejected, "missing lamport_clock"
		return res
	}

	var lane event.Lane
	if e.EventType == event.TypeStatusChange {
		status, _ := e.Payload["status"].(string)
		l, err := event.CollapseLane(event.Status(status))
		if err != nil {
			res.Status, res.Error = api.VerdictRejected, err.Error()
			return res
		}
		lane = l
	}

	s.mu.Lock()
	if s.seen[e.EventID] {
		s.mu.Unlock()
		res.Status = api.VerdictDuplicate
		return res
	}
	s.seen[e.EventID] = true
	s.log = append(s.log, raw)
	if lane != "" {
		cur, ok := s.board[e.AggregateID]
		if !ok || clock.TotalOrderLess(cur.Lamport, cur.EventID, e.LamportClock, e.EventID) {
			s.board[e.AggregateID] = boardEntry{Lane: lane, Lamport: e.LamportClock, EventID: e.EventID}
		}
	}
	clients := make([]*wsClient, 0, len(s.clients))
	for cl := range s.clients {
		if cl != origin {
			clients = append(clients, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range clients {
		cl.push(realtime.Message{Type: realtime.MsgEvent, Event: raw})
	}
	res.Status = api.VerdictSuccess
	return res
}

// snapshotLocked builds the authoritative board view sent on every
// websocket (re)connect. Caller holds s.mu.
func (s *server) snapshotLocked() json.RawMessage {
	lanes := map[event.Lane][]string{}
	for agg, entry := range s.board {
		lanes[entry.Lane] = append(lanes[entry.Lane], agg)
	}
	for _, ids := range lanes {
		sort.Strings(ids)
	}
	raw, _ := json.Marshal(gin.H{
		"lanes":       lanes,
		"event_count": len(s.log),
	})
	return raw
}

// --- realtime ---

var upgrader = websocket.Upgrader{
	// Dev server: any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one connected realtime consumer with a buffered outbound
// queue so a slow reader never blocks ingest.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan realtime.Message
}

func (cl *wsClient) push(msg realtime.Message) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	select {
	case cl.send <- msg:
	default:
		// Drop on backpressure; the client reconciles via batch sync.
	}
}

func (cl *wsClient) shutdown() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.closed {
		cl.closed = true
		close(cl.send)
	}
}

func (s *server) handleWS(c *gin.Context) {
	tok := bearerToken(c)
	s.mu.Lock()
	exp, ok := s.wsTokens[tok]
	if ok {
		delete(s.wsTokens, tok) // single use
	}
	s.mu.Unlock()
	if !ok || time.Now().After(exp) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired ws token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &wsClient{conn: conn, send: make(chan realtime.Message, 64)}

	// Queue the handshake under the lock so no concurrent ingest can
	// slip an event ahead of the snapshot.
	s.mu.Lock()
	s.clients[cl] = true
	cl.send <- realtime.Message{Type: realtime.MsgAuthSuccess}
	cl.send <- realtime.Message{Type: realtime.MsgSnapshot, State: s.snapshotLocked()}
	s.mu.Unlock()

	go cl.writePump()
	s.readPump(cl)
}

func (cl *wsClient) writePump() {
	for msg := range cl.send {
		if err := cl.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (s *server) readPump(cl *wsClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, cl)
		s.mu.Unlock()
		cl.shutdown()
		cl.conn.Close()
	}()

	for {
		var msg realtime.Message
		if err := cl.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case realtime.MsgPing:
			cl.push(realtime.Message{Type: realtime.MsgPong})
		case realtime.MsgEvent:
			res := s.ingest(msg.Event, cl)
			if res.Status == api.VerdictRejected {
				cl.push(realtime.Message{Type: realtime.MsgError, Message: res.Error})
			}
		}
	}
}
