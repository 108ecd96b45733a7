package room

import (
	"crypto/rand"
	"sort"
	"sync"
)

const (
	codeLength   = 6
	codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	// maxCodeAttempts bounds the collision retry loop. With 36^6 codes a
	// second attempt is already vanishingly rare.
	maxCodeAttempts = 16
)

// Registry owns the mapping from room code to Room. It does no I/O.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Create registers a new room under a fresh random code. Codes are drawn
// until one is not held by a live room.
func (g *Registry) Create(dir string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < maxCodeAttempts; i++ {
		code := generateCode()
		if _, taken := g.rooms[code]; taken {
			continue
		}
		r := newRoom(code, dir)
		g.rooms[code] = r
		return r, nil
	}
	return nil, ErrNoFreeCode
}

// Get returns the live room for code.
func (g *Registry) Get(code string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[code]
	return r, ok
}

// Destroy removes the room for code. Absent codes are a no-op.
func (g *Registry) Destroy(code string) {
	g.mu.Lock()
	delete(g.rooms, code)
	g.mu.Unlock()
}

// DestroyAll empties the registry and returns the rooms that were live.
func (g *Registry) DestroyAll() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Room, 0, len(g.rooms))
	for code, r := range g.rooms {
		out = append(out, r)
		delete(g.rooms, code)
	}
	return out
}

// List returns live rooms ordered by creation time.
func (g *Registry) List() []*Room {
	g.mu.RLock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

func generateCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		panic("room: crypto/rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
