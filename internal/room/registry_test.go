package room

import (
	"errors"
	"strings"
	"testing"
)

func mustCreate(t *testing.T, g *Registry) *Room {
	t.Helper()
	r, err := g.Create("/tmp")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return r
}

func TestRegistryCreateAndGet(t *testing.T) {
	g := NewRegistry()
	r := mustCreate(t, g)

	if len(r.Code) != codeLength {
		t.Fatalf("code length = %d, want %d", len(r.Code), codeLength)
	}
	for _, ch := range r.Code {
		if !strings.ContainsRune(codeAlphabet, ch) {
			t.Fatalf("code %q contains %q outside the alphabet", r.Code, ch)
		}
	}

	if r.Dir != "/tmp" {
		t.Fatalf("Dir = %q, want /tmp", r.Dir)
	}

	got, ok := g.Get(r.Code)
	if !ok {
		t.Fatalf("Get(%q) found nothing", r.Code)
	}
	if got != r {
		t.Fatal("Get returned a different room instance")
	}
}

func TestRegistryDestroyIsIdempotent(t *testing.T) {
	g := NewRegistry()
	r := mustCreate(t, g)

	g.Destroy(r.Code)
	g.Destroy(r.Code)
	g.Destroy("nope00")

	if _, ok := g.Get(r.Code); ok {
		t.Fatal("destroyed room is still resolvable")
	}
	if g.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", g.Len())
	}
}

func TestRegistryDestroyedCodeStaysAbsent(t *testing.T) {
	g := NewRegistry()
	r := mustCreate(t, g)
	g.Destroy(r.Code)

	for i := 0; i < 50; i++ {
		mustCreate(t, g)
	}
	if got, ok := g.Get(r.Code); ok && got == r {
		t.Fatal("destroyed room instance came back")
	}
}

func TestRegistryCodesUniqueAmongLiveRooms(t *testing.T) {
	g := NewRegistry()
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		r := mustCreate(t, g)
		if _, dup := seen[r.Code]; dup {
			t.Fatalf("duplicate live code %q", r.Code)
		}
		seen[r.Code] = struct{}{}
	}
	if g.Len() != 500 {
		t.Fatalf("Len() = %d, want 500", g.Len())
	}
}

func TestRegistryDestroyAll(t *testing.T) {
	g := NewRegistry()
	mustCreate(t, g)
	mustCreate(t, g)

	rooms := g.DestroyAll()
	if len(rooms) != 2 {
		t.Fatalf("DestroyAll returned %d rooms, want 2", len(rooms))
	}
	if g.Len() != 0 {
		t.Fatalf("Len() = %d after DestroyAll", g.Len())
	}
}

func TestRoomJoinLeaveAndCreator(t *testing.T) {
	r := newRoom("abc123", "")

	if err := r.Join("c1", "alice", 0); err != nil {
		t.Fatalf("Join alice: %v", err)
	}
	if err := r.Join("c2", "bob", 0); err != nil {
		t.Fatalf("Join bob: %v", err)
	}

	if !r.IsCreator("c1") || r.IsCreator("c2") {
		t.Fatalf("creator = %q, want c1", r.Creator())
	}
	if got := strings.Join(r.Names(), ","); got != "alice,bob" {
		t.Fatalf("Names() = %q", got)
	}

	r.Lock()
	name, remaining, ok := r.LeaveLocked("c1")
	r.Unlock()
	if !ok || name != "alice" || remaining != 1 {
		t.Fatalf("LeaveLocked = (%q, %d, %v)", name, remaining, ok)
	}

	r.Lock()
	_, _, ok = r.LeaveLocked("c1")
	r.Unlock()
	if ok {
		t.Fatal("second leave for the same connection reported ok")
	}
	if r.Creator() != "c1" {
		t.Fatalf("creator changed after leave: %q", r.Creator())
	}
}

func TestRoomJoinCapacity(t *testing.T) {
	r := newRoom("abc123", "")
	if err := r.Join("c1", "alice", 2); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Join("c2", "bob", 2); err != nil {
		t.Fatalf("Join: %v", err)
	}
	err := r.Join("c3", "carol", 2)
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third Join error = %v, want ErrRoomFull", err)
	}
	if len(r.Users()) != 2 {
		t.Fatalf("rejected join mutated membership: %v", r.Names())
	}
}

func TestRoomJoinAfterDestroy(t *testing.T) {
	r := newRoom("abc123", "")
	r.Lock()
	if !r.MarkDestroyedLocked() {
		t.Fatal("first MarkDestroyedLocked returned false")
	}
	if r.MarkDestroyedLocked() {
		t.Fatal("second MarkDestroyedLocked returned true")
	}
	r.Unlock()

	if err := r.Join("c1", "alice", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Join after destroy error = %v, want ErrNotFound", err)
	}
}

func TestRoomLink(t *testing.T) {
	r := newRoom("abc123", "")
	if _, ok := r.Link(); ok {
		t.Fatal("new room reports a link")
	}
	r.SetLink(Link{ChannelID: "C1", ThreadID: "1.2"})
	l, ok := r.Link()
	if !ok || l.ChannelID != "C1" || l.ThreadID != "1.2" {
		t.Fatalf("Link() = %+v, %v", l, ok)
	}
	r.ClearLink()
	if _, ok := r.Link(); ok {
		t.Fatal("link survived ClearLink")
	}
}
