package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/user/termroom/internal/db"
	"github.com/user/termroom/internal/pty"
	"github.com/user/termroom/internal/room"
	"github.com/user/termroom/internal/tunnel"
)

const defaultShell = "/bin/sh"

// Retry bounds for a tunnel that failed to start.
const (
	minTunnelBackoff = 5 * time.Second
	maxTunnelBackoff = 5 * time.Minute
)

// Spawner starts the process behind a room.
type Spawner interface {
	Spawn(command string, args []string, opts pty.Options) (pty.Process, error)
}

// Broadcaster delivers room events to attached viewers.
type Broadcaster interface {
	OpenRoom(code string)
	BroadcastOutput(code string, data []byte)
	BroadcastExit(code string, exitCode int)
	CloseRoom(code string)
}

// Sink is the external chat mirror for linked rooms.
type Sink interface {
	LinkRoom(code, channelID, threadID string)
	OnOutput(code string, data []byte)
	OnRoomDestroyed(ctx context.Context, code string)
}

// Tunnel exposes the server publicly.
type Tunnel interface {
	Start(localPort int) (string, error)
	URL() string
}

// Config holds the process and admission settings for new rooms.
type Config struct {
	Shell      string
	ShellArgs  []string
	DefaultDir string
	// MaxViewers caps viewers per room; zero means unbounded.
	MaxViewers int
	Cols       int
	Rows       int
	// Port is the local listen port handed to the tunnel.
	Port int
}

type CreateOptions struct {
	Dir string
	// Name identifies who asked for the room in the ledger.
	Name string
}

type Option func(*Manager)

func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

func WithLedger(l *Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

func WithTunnel(t Tunnel) Option {
	return func(m *Manager) { m.tunnel = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type entry struct {
	room     *room.Room
	proc     pty.Process
	ledgerID string
}

// Manager owns every live room's process and runs the single destroy
// sequence shared by process exit, last-viewer disconnect and explicit
// stop.
type Manager struct {
	cfg         Config
	registry    *room.Registry
	spawner     Spawner
	broadcaster Broadcaster
	sink        Sink
	ledger      *Ledger
	tunnel      Tunnel
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	notices sync.WaitGroup

	tunnelMu         sync.Mutex
	tunnelStarting   bool
	tunnelRetryAt    time.Time
	tunnelBackoff    time.Duration
	tunnelMinBackoff time.Duration
	tunnelMaxBackoff time.Duration
}

func NewManager(cfg Config, reg *room.Registry, spawner Spawner, broadcaster Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		registry:    reg,
		spawner:     spawner,
		broadcaster: broadcaster,
		logger:      slog.Default(),
		entries:     make(map[string]*entry),

		tunnelMinBackoff: minTunnelBackoff,
		tunnelMaxBackoff: maxTunnelBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Shell == "" {
		m.cfg.Shell = resolveShell()
	}
	return m
}

// CreateRoom registers a room and starts its shell. When the shell cannot
// be spawned the room is rolled back and the *pty.SpawnError returned.
func (m *Manager) CreateRoom(ctx context.Context, opts CreateOptions) (*room.Room, error) {
	dir := m.resolveDir(opts.Dir)

	r, err := m.registry.Create(dir)
	if err != nil {
		return nil, err
	}
	code := r.Code

	var ledgerID string
	if m.ledger != nil {
		lctx, cancel := context.WithTimeout(ctx, ledgerWriteTimeout)
		ledgerID, err = m.ledger.roomCreated(lctx, code, dir, m.commandLine(), opts.Name)
		cancel()
		if err != nil {
			m.logger.Warn("ledger write failed", "room", code, "event", db.EventCreated, "error", err)
		}
	}

	m.broadcaster.OpenRoom(code)

	proc, err := m.spawner.Spawn(m.cfg.Shell, m.cfg.ShellArgs, pty.Options{
		Cols: m.cfg.Cols,
		Rows: m.cfg.Rows,
		Dir:  dir,
	})
	if err != nil {
		r.Lock()
		r.MarkDestroyedLocked()
		r.Unlock()
		m.registry.Destroy(code)
		m.broadcaster.CloseRoom(code)
		m.recordDestroyed(ledgerID, code, nil, "spawn failed: "+err.Error())
		m.logger.Error("failed to spawn room shell", "room", code, "shell", m.cfg.Shell, "error", err)
		return nil, err
	}

	e := &entry{room: r, proc: proc, ledgerID: ledgerID}
	m.mu.Lock()
	m.entries[code] = e
	m.mu.Unlock()

	proc.OnData(func(p []byte) {
		m.broadcaster.BroadcastOutput(code, p)
		if m.sink != nil {
			m.sink.OnOutput(code, p)
		}
	})
	proc.OnExit(func(exitCode int) {
		m.handleExit(e, exitCode)
	})

	m.logger.Info("room created", "room", code, "dir", dir, "pid", proc.PID())
	return r, nil
}

// Join admits a viewer and returns the member names after joining.
func (m *Manager) Join(code, connID, name string) ([]string, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, room.ErrMissingRoom
	}
	if strings.TrimSpace(name) == "" {
		return nil, room.ErrMissingName
	}
	e, ok := m.entry(code)
	if !ok {
		return nil, room.ErrNotFound
	}

	e.room.Lock()
	if err := e.room.JoinLocked(connID, name, m.cfg.MaxViewers); err != nil {
		e.room.Unlock()
		return nil, err
	}
	users := e.room.NamesLocked()
	e.room.Unlock()

	m.recordEvent(e, db.EventJoined, name, "")
	return users, nil
}

// Leave removes a viewer. When the last viewer leaves the room is
// destroyed before the lock is released, so no join can slip in between.
func (m *Manager) Leave(code, connID string) (string, []string, bool) {
	e, ok := m.entry(normalizeCode(code))
	if !ok {
		return "", nil, false
	}

	e.room.Lock()
	name, remaining, ok := e.room.LeaveLocked(connID)
	if !ok {
		e.room.Unlock()
		return "", nil, false
	}
	users := e.room.NamesLocked()
	destroyed := false
	if remaining == 0 {
		destroyed = m.teardownLocked(e)
	}
	e.room.Unlock()

	m.recordEvent(e, db.EventLeft, name, "")
	if destroyed {
		m.afterTeardown(e, nil, "last viewer left")
	}
	return name, users, true
}

// Input writes data to the room's process. Unknown rooms are ignored.
func (m *Manager) Input(code, data string) {
	e, ok := m.entry(normalizeCode(code))
	if !ok {
		return
	}
	e.proc.Write([]byte(data))
}

// Resize changes the terminal size. Only the room creator may resize;
// requests from anyone else are ignored.
func (m *Manager) Resize(code, connID string, cols, rows int) {
	e, ok := m.entry(normalizeCode(code))
	if !ok {
		return
	}
	if !e.room.IsCreator(connID) {
		m.logger.Debug("ignoring resize from non-creator", "room", code, "client", connID)
		return
	}
	e.proc.Resize(cols, rows)
}

// LinkRoom mirrors the room into a chat thread, replacing any previous
// link.
func (m *Manager) LinkRoom(code, channelID, threadID string) error {
	e, ok := m.entry(normalizeCode(code))
	if !ok {
		return room.ErrNotFound
	}

	e.room.Lock()
	if e.room.DestroyedLocked() {
		e.room.Unlock()
		return room.ErrNotFound
	}
	e.room.SetLinkLocked(room.Link{ChannelID: channelID, ThreadID: threadID})
	if m.sink != nil {
		m.sink.LinkRoom(e.room.Code, channelID, threadID)
	}
	e.room.Unlock()

	m.recordEvent(e, db.EventLinked, "", channelID+"/"+threadID)
	return nil
}

// Stop destroys a room. Stopping an unknown room returns room.ErrNotFound.
func (m *Manager) Stop(code string) error {
	e, ok := m.entry(normalizeCode(code))
	if !ok {
		return room.ErrNotFound
	}
	if !m.destroy(e, nil, "stopped") {
		return room.ErrNotFound
	}
	return nil
}

// Lookup returns the live room for code.
func (m *Manager) Lookup(code string) (*room.Room, bool) {
	return m.registry.Get(normalizeCode(code))
}

// List returns the live rooms, oldest first.
func (m *Manager) List() []*room.Room {
	return m.registry.List()
}

// Events returns the ledger history of the live or most recent room that
// used code. A nil slice with a nil error means the code was never used.
func (m *Manager) Events(ctx context.Context, code string) ([]*db.RoomEvent, error) {
	if m.ledger == nil {
		return nil, ErrNoLedger
	}
	code = normalizeCode(code)
	if e, ok := m.entry(code); ok && e.ledgerID != "" {
		return m.ledger.eventsFor(ctx, e.ledgerID)
	}
	rec, err := m.ledger.latest(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return m.ledger.eventsFor(ctx, rec.ID)
}

// PublicURL returns the tunnel URL, or "" while none is available. It
// never waits on the tunnel: a missing tunnel is started in the
// background, and failed starts are retried with exponential backoff.
func (m *Manager) PublicURL() string {
	if m.tunnel == nil {
		return ""
	}
	if u := m.tunnel.URL(); u != "" {
		return u
	}
	m.ensureTunnel()
	return ""
}

func (m *Manager) ensureTunnel() {
	m.tunnelMu.Lock()
	defer m.tunnelMu.Unlock()
	if m.tunnelStarting || time.Now().Before(m.tunnelRetryAt) {
		return
	}
	m.tunnelStarting = true
	go m.startTunnel()
}

func (m *Manager) startTunnel() {
	u, err := m.tunnel.Start(m.cfg.Port)

	m.tunnelMu.Lock()
	defer m.tunnelMu.Unlock()
	m.tunnelStarting = false
	if err == nil || errors.Is(err, tunnel.ErrAlreadyRunning) {
		m.tunnelBackoff = 0
		m.tunnelRetryAt = time.Time{}
		if u != "" {
			m.logger.Info("public url ready", "url", u)
		}
		return
	}

	if m.tunnelBackoff == 0 {
		m.tunnelBackoff = m.tunnelMinBackoff
	} else {
		m.tunnelBackoff = min(2*m.tunnelBackoff, m.tunnelMaxBackoff)
	}
	m.tunnelRetryAt = time.Now().Add(m.tunnelBackoff)
	m.logger.Warn("tunnel unavailable", "port", m.cfg.Port, "retry_in", m.tunnelBackoff, "error", err)
}

// Shutdown destroys every room and waits for pending chat notices until
// ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		m.destroy(e, nil, "shutdown")
	}
	// Rooms still mid-creation have no entry yet.
	for _, r := range m.registry.DestroyAll() {
		r.Lock()
		r.MarkDestroyedLocked()
		r.Unlock()
		m.broadcaster.CloseRoom(r.Code)
		m.logger.Warn("dropped room without a running shell", "room", r.Code)
	}

	done := make(chan struct{})
	go func() {
		m.notices.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

// handleExit marks the room destroyed before telling viewers, so the
// disconnects the exit message causes find no room to leave.
func (m *Manager) handleExit(e *entry, exitCode int) {
	m.logger.Info("room process exited", "room", e.room.Code, "code", exitCode)
	e.room.Lock()
	ok := m.teardownLocked(e)
	e.room.Unlock()
	if !ok {
		return
	}
	m.broadcaster.BroadcastExit(e.room.Code, exitCode)
	m.afterTeardown(e, &exitCode, "process exited")
}

func (m *Manager) destroy(e *entry, exitCode *int, reason string) bool {
	e.room.Lock()
	ok := m.teardownLocked(e)
	e.room.Unlock()
	if ok {
		m.afterTeardown(e, exitCode, reason)
	}
	return ok
}

// teardownLocked runs the in-lock half of the destroy sequence and reports
// whether this call performed it.
func (m *Manager) teardownLocked(e *entry) bool {
	if !e.room.MarkDestroyedLocked() {
		return false
	}
	e.proc.Kill(nil)
	m.registry.Destroy(e.room.Code)
	m.mu.Lock()
	if cur, ok := m.entries[e.room.Code]; ok && cur == e {
		delete(m.entries, e.room.Code)
	}
	m.mu.Unlock()
	return true
}

func (m *Manager) afterTeardown(e *entry, exitCode *int, reason string) {
	code := e.room.Code
	m.broadcaster.CloseRoom(code)
	if m.sink != nil {
		m.notices.Add(1)
		go func() {
			defer m.notices.Done()
			m.sink.OnRoomDestroyed(context.Background(), code)
		}()
	}
	m.recordDestroyed(e.ledgerID, code, exitCode, reason)
	m.logger.Info("room destroyed", "room", code, "reason", reason)
}

func (m *Manager) recordEvent(e *entry, kind, name, detail string) {
	if m.ledger == nil || e.ledgerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := m.ledger.record(ctx, e.ledgerID, kind, name, detail); err != nil {
		m.logger.Warn("ledger write failed", "room", e.room.Code, "event", kind, "error", err)
	}
}

func (m *Manager) recordDestroyed(ledgerID, code string, exitCode *int, reason string) {
	if m.ledger == nil || ledgerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := m.ledger.roomDestroyed(ctx, ledgerID, exitCode, reason); err != nil {
		m.logger.Warn("ledger write failed", "room", code, "event", db.EventDestroyed, "error", err)
	}
}

func (m *Manager) entry(code string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[code]
	return e, ok
}

func (m *Manager) resolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if m.cfg.DefaultDir != "" {
		return m.cfg.DefaultDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

func (m *Manager) commandLine() string {
	return strings.TrimSpace(m.cfg.Shell + " " + strings.Join(m.cfg.ShellArgs, " "))
}

func resolveShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return defaultShell
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
