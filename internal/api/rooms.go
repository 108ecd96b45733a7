package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/termroom/internal/pty"
	"github.com/user/termroom/internal/room"
	"github.com/user/termroom/internal/session"
)

type createRoomRequest struct {
	Cwd  string `json:"cwd"`
	Name string `json:"name"`
}

type roomResponse struct {
	Code      string     `json:"code"`
	URL       string     `json:"url,omitempty"`
	Dir       string     `json:"dir"`
	Users     []string   `json:"users"`
	Linked    *room.Link `json:"linked,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type tunnelResponse struct {
	Running bool   `json:"running"`
	URL     string `json:"url"`
}

func toRoomResponse(r *room.Room) roomResponse {
	resp := roomResponse{
		Code:      r.Code,
		Dir:       r.Dir,
		Users:     r.Names(),
		CreatedAt: r.CreatedAt,
	}
	if l, ok := r.Link(); ok {
		resp.Linked = &l
	}
	return resp
}

// joinURL is the public viewer URL for code, or "" when no tunnel is up.
func joinURL(base, code string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/?room=" + url.QueryEscape(code)
}

func (h *handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	created, err := h.rooms.CreateRoom(r.Context(), session.CreateOptions{Dir: req.Cwd, Name: req.Name})
	if err != nil {
		var spawnErr *pty.SpawnError
		if errors.As(err, &spawnErr) {
			jsonError(w, http.StatusInternalServerError, "failed to start shell: "+spawnErr.Err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := toRoomResponse(created)
	resp.URL = joinURL(h.rooms.PublicURL(), created.Code)
	jsonResponse(w, http.StatusCreated, resp)
}

func (h *handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.List()
	out := make([]roomResponse, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, toRoomResponse(rm))
	}
	jsonResponse(w, http.StatusOK, out)
}

func (h *handler) getRoom(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.rooms.Lookup(r.PathValue("code"))
	if !ok {
		jsonError(w, http.StatusNotFound, "room not found")
		return
	}
	jsonResponse(w, http.StatusOK, toRoomResponse(rm))
}

func (h *handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.rooms.Stop(r.PathValue("code")); err != nil {
		if errors.Is(err, room.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "room not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) roomEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.rooms.Events(r.Context(), r.PathValue("code"))
	if err != nil {
		if errors.Is(err, session.ErrNoLedger) {
			jsonError(w, http.StatusNotImplemented, "room ledger disabled")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		jsonError(w, http.StatusNotFound, "room not found")
		return
	}
	jsonResponse(w, http.StatusOK, events)
}

func (h *handler) getTunnel(w http.ResponseWriter, _ *http.Request) {
	resp := tunnelResponse{}
	if h.tunnel != nil {
		resp.Running = h.tunnel.Running()
		resp.URL = h.tunnel.URL()
	}
	jsonResponse(w, http.StatusOK, resp)
}
