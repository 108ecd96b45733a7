package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/termroom/internal/bridge"
	"github.com/user/termroom/internal/db"
	"github.com/user/termroom/internal/room"
	"github.com/user/termroom/internal/session"
)

const maxBodyBytes = 1 << 20

type roomService interface {
	CreateRoom(ctx context.Context, opts session.CreateOptions) (*room.Room, error)
	Lookup(code string) (*room.Room, bool)
	List() []*room.Room
	Stop(code string) error
	Events(ctx context.Context, code string) ([]*db.RoomEvent, error)
	LinkRoom(code, channelID, threadID string) error
	PublicURL() string
}

type threadBridge interface {
	StartThread(ctx context.Context, channelID, text string) (string, error)
	HandleThreadReply(channelID, threadID, text string) bool
}

type tunnelStatus interface {
	URL() string
	Running() bool
}

// Options wires the router to the rest of the server. Bridge and Verifier
// are both required for the chat webhooks to be mounted.
type Options struct {
	Rooms     roomService
	Bridge    threadBridge
	Verifier  *bridge.Verifier
	Tunnel    tunnelStatus
	WebSocket http.Handler
	// Token protects /api when set.
	Token  string
	Logger *slog.Logger
}

type handler struct {
	rooms    roomService
	bridge   threadBridge
	verifier *bridge.Verifier
	tunnel   tunnelStatus
	logger   *slog.Logger
}

func NewRouter(opts Options) http.Handler {
	h := &handler{
		rooms:    opts.Rooms,
		bridge:   opts.Bridge,
		verifier: opts.Verifier,
		tunnel:   opts.Tunnel,
		logger:   opts.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/rooms", h.createRoom)
	api.HandleFunc("GET /api/rooms", h.listRooms)
	api.HandleFunc("GET /api/rooms/{code}", h.getRoom)
	api.HandleFunc("DELETE /api/rooms/{code}", h.deleteRoom)
	api.HandleFunc("GET /api/rooms/{code}/events", h.roomEvents)
	api.HandleFunc("GET /api/tunnel", h.getTunnel)

	mux := http.NewServeMux()
	mux.Handle("/api/", authMiddleware(opts.Token)(jsonMiddleware(corsMiddleware(api))))
	mux.HandleFunc("GET /healthz", healthz)
	if opts.WebSocket != nil {
		mux.Handle("GET /ws", opts.WebSocket)
	}
	if h.bridge != nil && h.verifier != nil {
		mux.HandleFunc("POST /slack/commands", h.slashCommand)
		mux.HandleFunc("POST /slack/events", h.slackEvents)
	}
	return mux
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	textResponse(w, http.StatusOK, "ok")
}

// decodeJSON decodes an optional JSON body; an empty body leaves dst as is.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
