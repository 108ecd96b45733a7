package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/user/termroom/internal/pty"
	"github.com/user/termroom/internal/room"
)

// DefaultScrollback is how many bytes of recent output a late joiner is
// sent before live output.
const DefaultScrollback = 64 * 1024

// Sessions is the session core as seen by viewer connections.
type Sessions interface {
	// Join admits a viewer and returns the member names after joining.
	// Rejections are *room.AdmissionError.
	Join(code, connID, name string) ([]string, error)
	// Leave removes a viewer and returns the remaining member names. ok is
	// false when the viewer was not a member of a live room.
	Leave(code, connID string) (name string, users []string, ok bool)
	Input(code, data string)
	Resize(code, connID string, cols, rows int)
}

type roomClients struct {
	clients map[string]*Client
	history *pty.RingBuffer
	// partial holds a trailing incomplete UTF-8 sequence until the next
	// chunk arrives.
	partial []byte
}

// Hub fans process output out to the viewers of each room and relays
// presence between them.
type Hub struct {
	sessions   Sessions
	logger     *slog.Logger
	scrollback int

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	rooms map[string]*roomClients
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithScrollback sets the per-room history size. Zero disables it.
func WithScrollback(n int) Option {
	return func(h *Hub) { h.scrollback = n }
}

func New(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:     slog.Default(),
		scrollback: DefaultScrollback,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[string]*roomClients),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSessions installs the session core. It must be called before the
// websocket handler is served.
func (h *Hub) SetSessions(s Sessions) {
	h.sessions = s
}

// HandleWebSocket serves GET /ws?room=<code>&name=<display>. The handler
// blocks for the lifetime of the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("room")))
	name := strings.TrimSpace(r.URL.Query().Get("name"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept error", "error", err)
		return
	}

	connID := uuid.NewString()
	users, err := h.sessions.Join(code, connID, name)
	if err != nil {
		h.reject(conn, err)
		return
	}

	client := newClient(conn, h, connID, code, name)
	if !h.attach(client) {
		// The room was torn down between admission and attach.
		h.sessions.Leave(code, connID)
		h.reject(conn, room.ErrNotFound)
		return
	}
	h.logger.Info("viewer joined", "room", code, "name", name, "client", connID)
	h.broadcast(code, PresenceMessage{Type: TypeUserJoined, Name: name, Users: users}, "")

	go client.writePump(h.ctx)
	client.readPump(h.ctx)
}

func (h *Hub) reject(conn *websocket.Conn, err error) {
	msg := RoomErrorMessage{Type: TypeRoomError, Reason: "error", Message: err.Error()}
	var admission *room.AdmissionError
	if errors.As(err, &admission) {
		msg.Reason = admission.Reason
		msg.Message = admission.Message
	}
	data, _ := json.Marshal(msg)
	if werr := conn.Write(h.ctx, websocket.MessageText, data); werr != nil {
		h.logger.Debug("failed to send room error", "reason", msg.Reason, "error", werr)
	}
	conn.Close(websocket.StatusPolicyViolation, msg.Reason)
}

// attach registers c with its room and queues the room's history ahead of
// any live output. It fails when the room is not open.
func (h *Hub) attach(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[c.code]
	if !ok {
		return false
	}
	if rc.history != nil {
		if history := trimLeadingContinuation(rc.history.Bytes()); len(history) > 0 {
			if data, err := json.Marshal(OutputMessage{Type: TypeTerminalOutput, Data: string(history)}); err == nil {
				c.queue(data)
			}
		}
	}
	rc.clients[c.id] = c
	return true
}

// detach closes c's send channel unless the room already did.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[c.code]
	if !ok {
		return
	}
	if _, ok := rc.clients[c.id]; ok {
		delete(rc.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) disconnect(c *Client) {
	h.detach(c)
	name, users, ok := h.sessions.Leave(c.code, c.id)
	if !ok {
		return
	}
	h.logger.Info("viewer left", "room", c.code, "name", name, "client", c.id, "remaining", len(users))
	if len(users) > 0 {
		h.broadcast(c.code, PresenceMessage{Type: TypeUserLeft, Name: name, Users: users}, "")
	}
}

func (h *Hub) relayTyping(from *Client, typ string) {
	h.broadcast(from.code, TypingMessage{Type: typ, Name: from.name}, from.id)
}

// broadcast sends msg to every client in code except the one with id
// except.
func (h *Hub) broadcast(code string, msg any, except string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "room", code, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	rc, ok := h.rooms[code]
	if !ok {
		return
	}
	for id, c := range rc.clients {
		if id == except {
			continue
		}
		c.queue(data)
	}
}

// OpenRoom starts accepting viewers and recording history for code.
func (h *Hub) OpenRoom(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[code]; ok {
		return
	}
	rc := &roomClients{clients: make(map[string]*Client)}
	if h.scrollback > 0 {
		rc.history = pty.NewRingBuffer(h.scrollback)
	}
	h.rooms[code] = rc
}

// BroadcastOutput sends a chunk of process output to the room's viewers
// and appends it to the room history. Output for rooms that are not open
// is dropped.
func (h *Hub) BroadcastOutput(code string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[code]
	if !ok {
		return
	}
	chunk := data
	if len(rc.partial) > 0 {
		chunk = append(rc.partial, data...)
		rc.partial = nil
	}
	text, rest := splitValidUTF8(chunk)
	if len(rest) > 0 {
		rc.partial = append([]byte(nil), rest...)
	}
	if text == "" {
		return
	}
	// History only ever holds complete runes; a pending tail reaches it
	// with the chunk that completes it.
	if rc.history != nil {
		rc.history.Write([]byte(text))
	}

	msg, err := json.Marshal(OutputMessage{Type: TypeTerminalOutput, Data: text})
	if err != nil {
		h.logger.Error("failed to marshal output", "room", code, "error", err)
		return
	}
	for _, c := range rc.clients {
		c.queue(msg)
	}
}

// BroadcastExit tells every viewer the process exited and closes their
// connections once the message is written.
func (h *Hub) BroadcastExit(code string, exitCode int) {
	msg, _ := json.Marshal(ExitMessage{Type: TypeTerminalExit, Code: exitCode})

	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[code]
	if !ok {
		return
	}
	if len(rc.partial) > 0 {
		if data, err := json.Marshal(OutputMessage{Type: TypeTerminalOutput, Data: string(rc.partial)}); err == nil {
			for _, c := range rc.clients {
				c.queue(data)
			}
		}
		rc.partial = nil
	}
	for id, c := range rc.clients {
		c.queue(msg)
		delete(rc.clients, id)
		close(c.send)
	}
}

// CloseRoom closes any remaining viewers of code and forgets its history.
func (h *Hub) CloseRoom(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.rooms[code]
	if !ok {
		return
	}
	for _, c := range rc.clients {
		close(c.send)
	}
	delete(h.rooms, code)
}

// ClientCount returns the number of attached viewers in code.
func (h *Hub) ClientCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rc, ok := h.rooms[code]; ok {
		return len(rc.clients)
	}
	return 0
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, rc := range h.rooms {
		for _, c := range rc.clients {
			close(c.send)
		}
		delete(h.rooms, code)
	}
}

// splitValidUTF8 returns the longest prefix of p that does not end in an
// incomplete UTF-8 sequence, and the incomplete remainder.
func splitValidUTF8(p []byte) (string, []byte) {
	if len(p) == 0 {
		return "", nil
	}
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	start := len(p) - 1
	for start > 0 && start > len(p)-utf8.UTFMax && !utf8.RuneStart(p[start]) {
		start--
	}
	if !utf8.RuneStart(p[start]) || utf8.FullRune(p[start:]) {
		return string(p), nil
	}
	return string(p[:start]), p[start:]
}

func trimLeadingContinuation(p []byte) []byte {
	for i := 0; i < len(p) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(p[i]) {
			return p[i:]
		}
	}
	return p
}
