package stubs

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parley/internal/api"
	"parley/internal/models"
)

type client struct {
	userID int64
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *client) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is an in-process chat backend speaking the same REST and websocket
// protocol as the real one. It is meant for tests and local demos.
type Server struct {
	upgrader websocket.Upgrader
	httpSrv  *httptest.Server

	mu            sync.Mutex
	users         []User
	tokens        map[string]int64
	conversations []models.WireConversation
	messages      []models.WireMessage
	clients       map[*client]struct{}
	typing        []models.TypingEvent
	nextID        int64
	uploads       int
	rejectSends   bool
	rejectSockets bool
}

func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		users:   slices.Clone(Users),
		tokens:  make(map[string]int64),
		clients: make(map[*client]struct{}),
		nextID:  100,
	}
	now := time.Now()
	for _, m := range Messages {
		s.store(m.From, m.To, m.Body, models.KindText, now.Add(-m.Ago))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+api.PathLogin, s.handleLogin)
	mux.HandleFunc("GET "+api.PathConversations, s.requireAuth(s.handleListConversations))
	mux.HandleFunc("POST "+api.PathConversations, s.requireAuth(s.handleGetOrCreate))
	mux.HandleFunc("GET "+api.PathConversations+"/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST "+api.PathMessages, s.requireAuth(s.handleSend))
	mux.HandleFunc("POST "+api.PathUpload, s.requireAuth(s.handleUpload))
	mux.HandleFunc(api.PathSocket, s.handleSocket)

	s.httpSrv = httptest.NewServer(mux)
	return s
}

func (s *Server) URL() string {
	return s.httpSrv.URL
}

func (s *Server) Close() {
	s.DropConnections()
	s.httpSrv.Close()
}

// Token returns a valid bearer token for userID without a login call.
func (s *Server) Token(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueToken(userID)
}

func (s *Server) issueToken(userID int64) string {
	token := fmt.Sprintf("token-%d-%d", userID, len(s.tokens)+1)
	s.tokens[token] = userID
	return token
}

// RejectSends makes the REST send endpoint fail with 503.
func (s *Server) RejectSends(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSends = reject
}

// RejectSockets refuses websocket upgrades, simulating a transport outage.
func (s *Server) RejectSockets(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSockets = reject
}

// DropConnections closes every live socket from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// Connections returns the number of live sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Inject stores a message as if sent by from and pushes it to live sockets.
func (s *Server) Inject(from, to int64, body string) models.WireMessage {
	s.mu.Lock()
	msg := s.store(from, to, body, models.KindText, time.Now())
	s.mu.Unlock()
	s.broadcast(msg)
	return msg
}

// TypingSignals returns the typing states sent by userID, in arrival order.
func (s *Server) TypingSignals(userID int64) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []bool
	for _, ev := range s.typing {
		if ev.SenderID == userID {
			result = append(result, ev.IsTyping)
		}
	}
	return result
}

// Messages returns every stored message, oldest first.
func (s *Server) Messages() []models.WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("stub: failed to encode response", "error", err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == req.Email && u.Password == req.Password {
			var resp api.LoginResponse
			resp.Token = s.issueToken(u.ID)
			resp.User.ID = u.ID
			resp.User.Name = u.Name
			writeJSON(w, resp)
			return
		}
	}
	http.Error(w, "Login failed", http.StatusUnauthorized)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	result := []models.WireConversation{}
	for _, c := range s.conversations {
		if c.User1ID == userID || c.User2ID == userID {
			c.UnreadCount = s.unread(c.ID, userID)
			result = append(result, c)
		}
	}
	s.mu.Unlock()
	writeJSON(w, result)
}

func (s *Server) handleGetOrCreate(w http.ResponseWriter, r *http.Request, userID int64) {
	var req api.ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	conv := s.conversation(userID, req.PeerID)
	s.mu.Unlock()
	writeJSON(w, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	result := []models.WireMessage{}
	for _, m := range s.messages {
		if m.ConversationID == id && (m.SenderID == userID || m.ReceiverID == userID) {
			result = append(result, m)
		}
	}
	s.mu.Unlock()
	writeJSON(w, result)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, userID int64) {
	var req models.SendFrame
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.rejectSends {
		s.mu.Unlock()
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	msg := s.store(userID, req.ReceiverID, req.Message, req.MessageType, time.Now())
	s.mu.Unlock()

	// REST sends reach live sockets too; the sender's own socket sees the echo.
	s.broadcast(msg)
	writeJSON(w, msg)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID int64) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(io.Discard, f); err != nil {
		http.Error(w, "Upload failed", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.uploads++
	n := s.uploads
	s.mu.Unlock()
	writeJSON(w, api.UploadResponse{URL: fmt.Sprintf("https://cdn.stub/%d/%s", n, hdr.Filename)})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	userID, ok := s.tokens[r.URL.Query().Get("token")]
	reject := s.rejectSockets
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if reject {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("stub: error upgrading to websocket", "error", err)
		return
	}
	c := &client{userID: userID, conn: conn}

	// Hold the client's write lock until history is out so no live frame
	// overtakes it.
	c.mu.Lock()
	s.mu.Lock()
	s.clients[c] = struct{}{}
	history := s.history(userID)
	s.mu.Unlock()
	err = conn.WriteJSON(models.ServerFrame{Type: models.ServerFrameHistory, Messages: history})
	c.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close()
		s.broadcastPresence()
	}()

	if err != nil {
		return
	}
	s.broadcastPresence()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(userID, data)
	}
}

func (s *Server) handleFrame(userID int64, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return
	}

	if head.Type == models.FrameTypeTyping {
		var frame models.TypingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.mu.Lock()
		s.typing = append(s.typing, models.TypingEvent{SenderID: userID, ReceiverID: frame.ReceiverID, IsTyping: frame.IsTyping})
		s.mu.Unlock()
		s.sendTo(frame.ReceiverID, models.ServerFrame{
			Type:       models.ServerFrameTyping,
			SenderID:   userID,
			ReceiverID: frame.ReceiverID,
			IsTyping:   frame.IsTyping,
		})
		return
	}

	var frame models.SendFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.ReceiverID == 0 {
		return
	}
	s.mu.Lock()
	msg := s.store(userID, frame.ReceiverID, frame.Message, frame.MessageType, time.Now())
	s.mu.Unlock()
	s.broadcast(msg)
}

// store must be called with mu held.
func (s *Server) store(from, to int64, body string, kind models.Kind, at time.Time) models.WireMessage {
	if kind == "" {
		kind = models.KindText
	}
	conv := s.conversation(from, to)
	s.nextID++
	msg := models.WireMessage{
		ID:             s.nextID,
		ConversationID: conv.ID,
		SenderID:       from,
		ReceiverID:     to,
		Message:        body,
		MessageType:    kind,
		CreatedAt:      at.UTC(),
	}
	s.messages = append(s.messages, msg)
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i].LastMessage = body
			s.conversations[i].LastMessageAt = msg.CreatedAt
		}
	}
	return msg
}

// conversation must be called with mu held.
func (s *Server) conversation(a, b int64) models.WireConversation {
	pair := models.NewPairKey(a, b)
	for _, c := range s.conversations {
		if models.NewPairKey(c.User1ID, c.User2ID) == pair {
			return c
		}
	}
	c := models.WireConversation{ID: int64(len(s.conversations) + 1), User1ID: a, User2ID: b}
	s.conversations = append(s.conversations, c)
	return c
}

func (s *Server) unread(conversationID, userID int64) int {
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n
}

// history returns the user's messages newest first, as the real server does.
func (s *Server) history(userID int64) []models.WireMessage {
	var result []models.WireMessage
	for _, m := range s.messages {
		if m.SenderID == userID || m.ReceiverID == userID {
			result = append(result, m)
		}
	}
	slices.Reverse(result)
	return result
}

func (s *Server) broadcast(msg models.WireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	frame := models.ServerFrame{Type: models.ServerFrameMessage, Message: data}
	s.sendTo(msg.SenderID, frame)
	if msg.ReceiverID != msg.SenderID {
		s.sendTo(msg.ReceiverID, frame)
	}
}

func (s *Server) broadcastPresence() {
	s.mu.Lock()
	online := []int64{}
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if !slices.Contains(online, c.userID) {
			online = append(online, c.userID)
		}
		clients = append(clients, c)
	}
	s.mu.Unlock()
	slices.Sort(online)

	for _, c := range clients {
		_ = c.write(models.ServerFrame{Type: models.ServerFrameOnlineUsers, Users: online})
	}
}

func (s *Server) sendTo(userID int64, frame models.ServerFrame) {
	s.mu.Lock()
	var targets []*client
	for c := range s.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			slog.Debug("stub: write failed", "user_id", userID, "error", err)
		}
	}
}
