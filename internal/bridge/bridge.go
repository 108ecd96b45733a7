package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// maxMessageChars is the longest output block posted in one message.
const maxMessageChars = 3000

const (
	queueDepth        = 64
	sessionEndedText  = ":checkered_flag: Session ended."
	defaultPostEvery  = time.Second
	defaultPostBurst  = 3
	notifyPostTimeout = 10 * time.Second
)

// Poster delivers a message to an external channel, optionally inside a
// thread, and returns the posted message's id.
type Poster interface {
	PostMessage(ctx context.Context, channelID, threadID, text string) (string, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDebounce sets the coalescer quiet period for new links.
func WithDebounce(d time.Duration) Option {
	return func(b *Bridge) { b.debounce = d }
}

// WithLimiter replaces the outbound post limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(b *Bridge) { b.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

type threadKey struct {
	channelID string
	threadID  string
}

type link struct {
	code      string
	key       threadKey
	coalescer *Coalescer
	queue     chan string
	ctx       context.Context
	cancel    context.CancelFunc
}

// Bridge mirrors room output into chat threads and routes thread replies
// back into the room's process.
type Bridge struct {
	poster   Poster
	logger   *slog.Logger
	debounce time.Duration
	limiter  *rate.Limiter

	mu      sync.RWMutex
	links   map[string]*link
	threads map[threadKey]string
	writer  func(code, data string)

	wg sync.WaitGroup
}

// New creates a Bridge posting through poster.
func New(poster Poster, opts ...Option) *Bridge {
	b := &Bridge{
		poster:   poster,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		limiter:  rate.NewLimiter(rate.Every(defaultPostEvery), defaultPostBurst),
		links:    make(map[string]*link),
		threads:  make(map[threadKey]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetWriter registers the sink for thread replies. Replies arriving while
// no writer is registered are dropped.
func (b *Bridge) SetWriter(fn func(code, data string)) {
	b.mu.Lock()
	b.writer = fn
	b.mu.Unlock()
}

// LinkRoom associates code with a thread. An existing link for the room is
// replaced.
func (b *Bridge) LinkRoom(code, channelID, threadID string) {
	b.UnlinkRoom(code)

	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		code:   code,
		key:    threadKey{channelID: channelID, threadID: threadID},
		queue:  make(chan string, queueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	l.coalescer = NewCoalescer(b.debounce, func(text string) {
		b.enqueue(l, formatOutput(text))
	})

	b.mu.Lock()
	b.links[code] = l
	b.threads[l.key] = code
	b.mu.Unlock()

	b.wg.Add(1)
	go b.postLoop(l)

	b.logger.Info("room linked", "room", code, "channel", channelID, "thread", threadID)
}

// UnlinkRoom drops the link for code along with any output still waiting
// in its coalescer. Unknown codes are a no-op.
func (b *Bridge) UnlinkRoom(code string) {
	b.mu.Lock()
	l, ok := b.links[code]
	if ok {
		delete(b.links, code)
		if b.threads[l.key] == code {
			delete(b.threads, l.key)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	l.coalescer.Destroy()
	l.cancel()
	b.logger.Info("room unlinked", "room", code)
}

// Linked returns the thread a room is linked to.
func (b *Bridge) Linked(code string) (channelID, threadID string, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.links[code]
	if !ok {
		return "", "", false
	}
	return l.key.channelID, l.key.threadID, true
}

// RoomForThread resolves a thread back to its room code.
func (b *Bridge) RoomForThread(channelID, threadID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	code, ok := b.threads[threadKey{channelID: channelID, threadID: threadID}]
	return code, ok
}

// OnOutput feeds process output for code into its coalescer.
func (b *Bridge) OnOutput(code string, data []byte) {
	b.mu.RLock()
	l, ok := b.links[code]
	b.mu.RUnlock()
	if !ok {
		return
	}
	l.coalescer.Append(data)
}

// OnRoomDestroyed unlinks the room and tells the thread the session is
// over. The notice is best-effort.
func (b *Bridge) OnRoomDestroyed(ctx context.Context, code string) {
	channelID, threadID, ok := b.Linked(code)
	if !ok {
		return
	}
	b.UnlinkRoom(code)

	ctx, cancel := context.WithTimeout(ctx, notifyPostTimeout)
	defer cancel()
	if _, err := b.post(ctx, channelID, threadID, sessionEndedText); err != nil {
		b.logger.Warn("session ended notice failed", "room", code, "error", err)
	}
}

// HandleThreadReply writes text followed by a newline into the process of
// the room linked to the thread. It reports whether the reply was routed.
func (b *Bridge) HandleThreadReply(channelID, threadID, text string) bool {
	b.mu.RLock()
	code, ok := b.threads[threadKey{channelID: channelID, threadID: threadID}]
	writer := b.writer
	b.mu.RUnlock()
	if !ok || writer == nil {
		return false
	}
	writer(code, text+"\n")
	return true
}

// StartThread posts text at the top level of channelID and returns the id
// of the new message, which serves as the thread id.
func (b *Bridge) StartThread(ctx context.Context, channelID, text string) (string, error) {
	return b.post(ctx, channelID, "", text)
}

// Close unlinks every room and waits for the post loops to finish.
func (b *Bridge) Close() {
	b.mu.RLock()
	codes := make([]string, 0, len(b.links))
	for code := range b.links {
		codes = append(codes, code)
	}
	b.mu.RUnlock()

	for _, code := range codes {
		b.UnlinkRoom(code)
	}
	b.wg.Wait()
}

func (b *Bridge) enqueue(l *link, text string) {
	select {
	case <-l.ctx.Done():
	case l.queue <- text:
	default:
		b.logger.Warn("output queue full, dropping message", "room", l.code)
	}
}

// postLoop posts a link's messages one at a time so a thread sees them in
// flush order.
func (b *Bridge) postLoop(l *link) {
	defer b.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case text := <-l.queue:
			if _, err := b.post(l.ctx, l.key.channelID, l.key.threadID, text); err != nil && l.ctx.Err() == nil {
				b.logger.Warn("post output failed", "room", l.code, "error", err)
			}
		}
	}
}

func (b *Bridge) post(ctx context.Context, channelID, threadID, text string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return b.poster.PostMessage(ctx, channelID, threadID, text)
}

func formatOutput(text string) string {
	return "```\n" + truncate(text, maxMessageChars) + "\n```"
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}
