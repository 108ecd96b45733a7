package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termroom/internal/room"
)

type resizeCall struct {
	connID     string
	cols, rows int
}

type fakeSessions struct {
	reg      *room.Registry
	maxUsers int

	mu      sync.Mutex
	inputs  []string
	resizes []resizeCall
	left    chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{reg: room.NewRegistry(), left: make(chan string, 16)}
}

func (f *fakeSessions) Join(code, connID, name string) ([]string, error) {
	if code == "" {
		return nil, room.ErrMissingRoom
	}
	if name == "" {
		return nil, room.ErrMissingName
	}
	r, ok := f.reg.Get(code)
	if !ok {
		return nil, room.ErrNotFound
	}
	r.Lock()
	defer r.Unlock()
	if err := r.JoinLocked(connID, name, f.maxUsers); err != nil {
		return nil, err
	}
	return r.NamesLocked(), nil
}

func (f *fakeSessions) Leave(code, connID string) (string, []string, bool) {
	r, ok := f.reg.Get(code)
	if !ok {
		return "", nil, false
	}
	r.Lock()
	name, _, ok := r.LeaveLocked(connID)
	users := r.NamesLocked()
	r.Unlock()
	if ok {
		f.left <- name
	}
	return name, users, ok
}

func (f *fakeSessions) Input(code, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, code+":"+data)
}

func (f *fakeSessions) Resize(code, connID string, cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, resizeCall{connID: connID, cols: cols, rows: rows})
}

func (f *fakeSessions) snapshotInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

type testEnv struct {
	hub      *Hub
	sessions *fakeSessions
	server   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	h := New(opts...)
	s := newFakeSessions()
	h.SetSessions(s)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return &testEnv{hub: h, sessions: s, server: server}
}

// openRoom creates a room in both the fake session core and the hub.
func (e *testEnv) openRoom() string {
	r, _ := e.sessions.reg.Create("")
	e.hub.OpenRoom(r.Code)
	return r.Code
}

func (e *testEnv) dial(t *testing.T, code, name string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if code != "" {
		q.Set("room", code)
	}
	if name != "" {
		q.Set("name", name)
	}
	wsURL := "ws://" + strings.TrimPrefix(e.server.URL, "http://") + "/ws?" + q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid json %q: %v", data, err)
	}
	return msg
}

// readUntil reads events until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 64; i++ {
		msg := readEvent(t, conn)
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %s event received", typ)
	return nil
}

func writeEvent(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func usersOf(msg map[string]any) []string {
	raw, _ := msg["users"].([]any)
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		s, _ := u.(string)
		out = append(out, s)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAdmissionRejections(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()

	tests := []struct {
		name   string
		room   string
		user   string
		reason string
	}{
		{name: "missing room", room: "", user: "alice", reason: room.ReasonMissingRoom},
		{name: "missing name", room: code, user: "", reason: room.ReasonMissingName},
		{name: "unknown room", room: "zzzzzz", user: "alice", reason: room.ReasonNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.room, tt.user)
			msg := readEvent(t, conn)
			if msg["type"] != TypeRoomError {
				t.Fatalf("type = %v, want %s", msg["type"], TypeRoomError)
			}
			if msg["reason"] != tt.reason {
				t.Fatalf("reason = %v, want %s", msg["reason"], tt.reason)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _, err := conn.Read(ctx)
			if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
				t.Fatalf("close status = %v (err %v), want policy violation", status, err)
			}
		})
	}

	r, _ := env.sessions.reg.Get(code)
	if n := len(r.Users()); n != 0 {
		t.Fatalf("rejected viewers mutated room: %d users", n)
	}
}

func TestRoomFullRejection(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.maxUsers = 1
	code := env.openRoom()

	alice := env.dial(t, code, "alice")
	readUntil(t, alice, TypeUserJoined)

	bob := env.dial(t, code, "bob")
	msg := readEvent(t, bob)
	if msg["type"] != TypeRoomError || msg["reason"] != room.ReasonRoomFull {
		t.Fatalf("got %v, want room_full error", msg)
	}
}

func TestJoinedAndLeftCarryRoster(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()

	alice := env.dial(t, code, "alice")
	joined := readUntil(t, alice, TypeUserJoined)
	if joined["name"] != "alice" {
		t.Fatalf("joined name = %v", joined["name"])
	}
	if got := usersOf(joined); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", got)
	}

	bob := env.dial(t, code, "bob")
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readUntil(t, conn, TypeUserJoined)
		if got := usersOf(msg); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
			t.Fatalf("users = %v, want [alice bob]", got)
		}
	}

	bob.Close(websocket.StatusNormalClosure, "")
	left := readUntil(t, alice, TypeUserLeft)
	if left["name"] != "bob" {
		t.Fatalf("left name = %v, want bob", left["name"])
	}
	if got := usersOf(left); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("users = %v, want [alice]", got)
	}
}

func TestOutputOnlyReachesOwnRoom(t *testing.T) {
	env := newTestEnv(t, WithScrollback(0))
	codeA := env.openRoom()
	codeB := env.openRoom()

	alice := env.dial(t, codeA, "alice")
	readUntil(t, alice, TypeUserJoined)
	bob := env.dial(t, codeB, "bob")
	readUntil(t, bob, TypeUserJoined)

	env.hub.BroadcastOutput(codeB, []byte("for-b"))
	env.hub.BroadcastOutput(codeA, []byte("one "))
	env.hub.BroadcastOutput(codeA, []byte("two"))

	first := readUntil(t, alice, TypeTerminalOutput)
	second := readUntil(t, alice, TypeTerminalOutput)
	if first["data"] != "one " || second["data"] != "two" {
		t.Fatalf("room A output = %v, %v", first["data"], second["data"])
	}
	if msg := readUntil(t, bob, TypeTerminalOutput); msg["data"] != "for-b" {
		t.Fatalf("room B output = %v", msg["data"])
	}
}

func TestLateJoinerReceivesHistory(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()

	env.hub.BroadcastOutput(code, []byte("$ ls\r\n"))
	env.hub.BroadcastOutput(code, []byte("README\r\n"))

	conn := env.dial(t, code, "late")
	msg := readEvent(t, conn)
	if msg["type"] != TypeTerminalOutput {
		t.Fatalf("first event = %v, want history output", msg["type"])
	}
	if msg["data"] != "$ ls\r\nREADME\r\n" {
		t.Fatalf("history = %q", msg["data"])
	}
	if next := readEvent(t, conn); next["type"] != TypeUserJoined {
		t.Fatalf("second event = %v, want %s", next["type"], TypeUserJoined)
	}
}

func TestSplitUTF8IsReassembled(t *testing.T) {
	env := newTestEnv(t, WithScrollback(0))
	code := env.openRoom()
	conn := env.dial(t, code, "alice")
	readUntil(t, conn, TypeUserJoined)

	euro := []byte("€")
	env.hub.BroadcastOutput(code, append([]byte("price "), euro[:1]...))
	env.hub.BroadcastOutput(code, euro[1:])

	first := readUntil(t, conn, TypeTerminalOutput)
	second := readUntil(t, conn, TypeTerminalOutput)
	if got := first["data"].(string) + second["data"].(string); got != "price €" {
		t.Fatalf("output = %q, want %q", got, "price €")
	}
}

func TestLateJoinerBetweenSplitRune(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()

	euro := []byte("€")
	env.hub.BroadcastOutput(code, append([]byte("price "), euro[:1]...))

	conn := env.dial(t, code, "bob")
	waitFor(t, func() bool { return env.hub.ClientCount(code) == 1 })
	env.hub.BroadcastOutput(code, euro[1:])

	var got string
	for got != "price €" && len(got) < len("price €") {
		got += readUntil(t, conn, TypeTerminalOutput)["data"].(string)
	}
	if got != "price €" {
		t.Fatalf("late joiner output = %q, want %q", got, "price €")
	}
}

func TestInputAndResizeAreForwarded(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()
	conn := env.dial(t, code, "alice")
	readUntil(t, conn, TypeUserJoined)

	writeEvent(t, conn, ClientMessage{Type: TypeTerminalInput, Data: "ls -la\n"})
	writeEvent(t, conn, ClientMessage{Type: TypeTerminalResize, Cols: 100, Rows: 30})
	writeEvent(t, conn, ClientMessage{Type: TypeTerminalResize, Cols: 0, Rows: 30})

	waitFor(t, func() bool {
		env.sessions.mu.Lock()
		defer env.sessions.mu.Unlock()
		return len(env.sessions.inputs) == 1 && len(env.sessions.resizes) == 1
	})
	if got := env.sessions.snapshotInputs(); got[0] != code+":ls -la\n" {
		t.Fatalf("input = %q", got[0])
	}
	env.sessions.mu.Lock()
	rc := env.sessions.resizes[0]
	env.sessions.mu.Unlock()
	if rc.cols != 100 || rc.rows != 30 || rc.connID == "" {
		t.Fatalf("resize = %+v", rc)
	}
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()

	alice := env.dial(t, code, "alice")
	readUntil(t, alice, TypeUserJoined)
	bob := env.dial(t, code, "bob")
	readUntil(t, bob, TypeUserJoined)
	readUntil(t, alice, TypeUserJoined)

	writeEvent(t, alice, ClientMessage{Type: TypeUserTyping})
	msg := readEvent(t, bob)
	if msg["type"] != TypeUserTyping || msg["name"] != "alice" {
		t.Fatalf("bob got %v, want typing from alice", msg)
	}

	writeEvent(t, alice, ClientMessage{Type: TypeUserStopTyping})
	if msg := readEvent(t, bob); msg["type"] != TypeUserStopTyping {
		t.Fatalf("bob got %v, want stop-typing", msg)
	}

	// Alice must not see her own typing; the next thing she sees is output.
	env.hub.BroadcastOutput(code, []byte("marker"))
	if msg := readEvent(t, alice); msg["type"] != TypeTerminalOutput {
		t.Fatalf("alice got %v, want output", msg["type"])
	}
}

func TestExitClosesViewersNormally(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()
	conn := env.dial(t, code, "alice")
	readUntil(t, conn, TypeUserJoined)

	env.hub.BroadcastExit(code, 3)
	msg := readUntil(t, conn, TypeTerminalExit)
	if msg["code"] != float64(3) {
		t.Fatalf("exit code = %v, want 3", msg["code"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", status, err)
	}
	if n := env.hub.ClientCount(code); n != 0 {
		t.Fatalf("ClientCount = %d after exit, want 0", n)
	}
}

func TestCloseRoomRejectsNewViewers(t *testing.T) {
	env := newTestEnv(t)
	code := env.openRoom()
	env.hub.CloseRoom(code)

	conn := env.dial(t, code, "alice")
	msg := readEvent(t, conn)
	if msg["type"] != TypeRoomError || msg["reason"] != room.ReasonNotFound {
		t.Fatalf("got %v, want not_found", msg)
	}
	select {
	case name := <-env.sessions.left:
		if name != "alice" {
			t.Fatalf("left = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("admitted viewer was not removed after failed attach")
	}
}

func TestManyViewersFanOut(t *testing.T) {
	env := newTestEnv(t, WithScrollback(0))
	code := env.openRoom()

	const n = 20
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = env.dial(t, code, "viewer")
	}
	waitFor(t, func() bool { return env.hub.ClientCount(code) == n })

	env.hub.BroadcastOutput(code, []byte("fan-out"))
	for i, conn := range conns {
		if msg := readUntil(t, conn, TypeTerminalOutput); msg["data"] != "fan-out" {
			t.Fatalf("viewer %d got %v", i, msg["data"])
		}
	}
}

func TestSplitValidUTF8(t *testing.T) {
	euro := []byte("€")
	tests := []struct {
		name string
		in   []byte
		text string
		rest int
	}{
		{name: "empty", in: nil, text: "", rest: 0},
		{name: "ascii", in: []byte("abc"), text: "abc", rest: 0},
		{name: "complete rune", in: euro, text: "€", rest: 0},
		{name: "one byte short", in: append([]byte("a"), euro[:2]...), text: "a", rest: 2},
		{name: "lead byte only", in: append([]byte("ab"), euro[0]), text: "ab", rest: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, rest := splitValidUTF8(tt.in)
			if text != tt.text || len(rest) != tt.rest {
				t.Fatalf("splitValidUTF8(%q) = %q, %d; want %q, %d", tt.in, text, len(rest), tt.text, tt.rest)
			}
		})
	}
}
