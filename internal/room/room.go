package room

import (
	"sync"
	"time"
)

// User is a single viewer connection attached to a room.
type User struct {
	ConnID string `json:"-"`
	Name   string `json:"name"`
}

// Link pairs a room with an external chat thread.
type Link struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
}

// Room is the unit of session isolation: one process, one code, N viewers.
// All mutable state is guarded by the room's own lock so unrelated rooms
// never serialize on each other.
type Room struct {
	Code      string
	Dir       string
	CreatedAt time.Time

	mu        sync.Mutex
	users     []User
	creator   string
	link      *Link
	destroyed bool
}

func newRoom(code, dir string) *Room {
	return &Room{
		Code:      code,
		Dir:       dir,
		CreatedAt: time.Now().UTC(),
	}
}

// Lock acquires the room's exclusive lock. The session layer holds it
// across the whole destroy sequence.
func (r *Room) Lock() { r.mu.Lock() }

// Unlock releases the room's lock.
func (r *Room) Unlock() { r.mu.Unlock() }

// Join adds a viewer. maxUsers <= 0 means unbounded. The first viewer ever
// admitted becomes the creator.
func (r *Room) Join(connID, name string, maxUsers int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.JoinLocked(connID, name, maxUsers)
}

// JoinLocked is Join for callers already holding the room lock.
func (r *Room) JoinLocked(connID, name string, maxUsers int) error {
	if r.destroyed {
		return ErrNotFound
	}
	if maxUsers > 0 && len(r.users) >= maxUsers {
		return ErrRoomFull
	}
	r.users = append(r.users, User{ConnID: connID, Name: name})
	if r.creator == "" {
		r.creator = connID
	}
	return nil
}

// LeaveLocked removes a viewer and reports its name and how many viewers
// remain. ok is false when the connection was not a member.
func (r *Room) LeaveLocked(connID string) (name string, remaining int, ok bool) {
	for i, u := range r.users {
		if u.ConnID == connID {
			r.users = append(r.users[:i], r.users[i+1:]...)
			return u.Name, len(r.users), true
		}
	}
	return "", len(r.users), false
}

// Users returns a snapshot of the current members in join order.
func (r *Room) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.UsersLocked()
}

// UsersLocked is Users for callers already holding the room lock.
func (r *Room) UsersLocked() []User {
	out := make([]User, len(r.users))
	copy(out, r.users)
	return out
}

// Names returns the display names of the current members in join order.
func (r *Room) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.NamesLocked()
}

// NamesLocked is Names for callers already holding the room lock.
func (r *Room) NamesLocked() []string {
	names := make([]string, len(r.users))
	for i, u := range r.users {
		names[i] = u.Name
	}
	return names
}

// IsCreator reports whether connID is the room's first joiner.
func (r *Room) IsCreator(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creator != "" && r.creator == connID
}

// Creator returns the connection id of the first joiner, or "".
func (r *Room) Creator() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creator
}

// Link returns the linked thread, if any.
func (r *Room) Link() (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link == nil {
		return Link{}, false
	}
	return *r.link, true
}

// SetLink records the linked thread.
func (r *Room) SetLink(l Link) {
	r.mu.Lock()
	r.SetLinkLocked(l)
	r.mu.Unlock()
}

// SetLinkLocked is SetLink for callers already holding the room lock.
func (r *Room) SetLinkLocked(l Link) {
	r.link = &l
}

// ClearLink forgets the linked thread.
func (r *Room) ClearLink() {
	r.mu.Lock()
	r.link = nil
	r.mu.Unlock()
}

// Destroyed reports whether the room has been torn down.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// DestroyedLocked is Destroyed for callers already holding the room lock.
func (r *Room) DestroyedLocked() bool {
	return r.destroyed
}

// MarkDestroyedLocked flips the destroyed flag and returns true only for
// the first caller. The caller must hold the room lock.
func (r *Room) MarkDestroyedLocked() bool {
	if r.destroyed {
		return false
	}
	r.destroyed = true
	return true
}
