package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/user/termroom/internal/bridge"
	"github.com/user/termroom/internal/pty"
	"github.com/user/termroom/internal/room"
	"github.com/user/termroom/internal/session"
)

// Webhook signature headers. The Slack names are accepted as a fallback.
const (
	headerSignature      = "X-Signature"
	headerTimestamp      = "X-Request-Timestamp"
	headerSlackSignature = "X-Slack-Signature"
	headerSlackTimestamp = "X-Slack-Request-Timestamp"
	headerSlackRetryNum  = "X-Slack-Retry-Num"
)

const threadStartTimeout = 5 * time.Second

// Slack escapes only these three characters in message text.
var slackUnescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

type commandResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// readSigned reads the raw body and verifies its signature. On failure the
// 401 has already been written.
func (h *handler) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}

	signature := firstHeader(r, headerSignature, headerSlackSignature)
	timestamp := firstHeader(r, headerTimestamp, headerSlackTimestamp)
	if err := h.verifier.Verify(signature, timestamp, body); err != nil {
		reason := "invalid"
		var sigErr *bridge.SignatureError
		if errors.As(err, &sigErr) {
			reason = sigErr.Reason
		}
		h.logger.Warn("rejected webhook", "path", r.URL.Path, "reason", reason)
		jsonError(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

func (h *handler) slashCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid command payload")
		return
	}

	fields := strings.Fields(cmd.Text)
	if len(fields) == 2 && strings.EqualFold(fields[0], "join") {
		h.joinCommand(r.Context(), w, cmd, fields[1])
		return
	}
	h.startCommand(r.Context(), w, cmd)
}

func (h *handler) joinCommand(ctx context.Context, w http.ResponseWriter, cmd slack.SlashCommand, code string) {
	rm, ok := h.rooms.Lookup(code)
	if !ok {
		commandReply(w, slack.ResponseTypeEphemeral, fmt.Sprintf("Room `%s` not found.", code))
		return
	}

	ts, err := h.startThread(ctx, cmd.ChannelID, fmt.Sprintf(":link: <@%s> linked room `%s` to this thread.", cmd.UserID, rm.Code))
	if err != nil {
		commandReply(w, slack.ResponseTypeEphemeral, "Could not start a thread: "+err.Error())
		return
	}
	if err := h.rooms.LinkRoom(rm.Code, cmd.ChannelID, ts); err != nil {
		commandReply(w, slack.ResponseTypeEphemeral, fmt.Sprintf("Room `%s` is gone.", rm.Code))
		return
	}
	commandReply(w, slack.ResponseTypeInChannel, fmt.Sprintf("Room `%s` is now mirrored in a thread. Reply there to type into the shell.", rm.Code))
}

func (h *handler) startCommand(ctx context.Context, w http.ResponseWriter, cmd slack.SlashCommand) {
	created, err := h.rooms.CreateRoom(ctx, session.CreateOptions{Name: "slack:" + cmd.UserName})
	if err != nil {
		msg := err.Error()
		var spawnErr *pty.SpawnError
		if errors.As(err, &spawnErr) {
			msg = spawnErr.Err.Error()
		}
		commandReply(w, slack.ResponseTypeEphemeral, "Failed to start a session: "+msg)
		return
	}

	text := fmt.Sprintf(":computer: <@%s> started room `%s`.", cmd.UserID, created.Code)
	if u := joinURL(h.rooms.PublicURL(), created.Code); u != "" {
		text += " Watch live: " + u
	}
	ts, err := h.startThread(ctx, cmd.ChannelID, text)
	if err != nil {
		h.logger.Warn("failed to start thread for new room", "room", created.Code, "error", err)
		commandReply(w, slack.ResponseTypeEphemeral, fmt.Sprintf("Room `%s` started, but the thread could not be created.", created.Code))
		return
	}
	if err := h.rooms.LinkRoom(created.Code, cmd.ChannelID, ts); err != nil {
		if errors.Is(err, room.ErrNotFound) {
			commandReply(w, slack.ResponseTypeEphemeral, fmt.Sprintf("Room `%s` ended before it could be linked.", created.Code))
			return
		}
		commandReply(w, slack.ResponseTypeEphemeral, err.Error())
		return
	}
	commandReply(w, slack.ResponseTypeInChannel, fmt.Sprintf("Room `%s` started. Reply in the thread to type into the shell.", created.Code))
}

func (h *handler) startThread(ctx context.Context, channelID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, threadStartTimeout)
	defer cancel()
	return h.bridge.StartThread(ctx, channelID, text)
}

func (h *handler) slackEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readSigned(w, r)
	if !ok {
		return
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	switch ev.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid challenge")
			return
		}
		textResponse(w, http.StatusOK, challenge.Challenge)
		return
	case slackevents.CallbackEvent:
		// Retries repeat an event that was already delivered; replaying it
		// would type the same line twice.
		if r.Header.Get(headerSlackRetryNum) == "" {
			h.routeCallback(ev)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) routeCallback(ev slackevents.EventsAPIEvent) {
	msg, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if msg.ThreadTimeStamp == "" || msg.BotID != "" || msg.SubType != "" {
		return
	}
	if !h.bridge.HandleThreadReply(msg.Channel, msg.ThreadTimeStamp, slackUnescaper.Replace(msg.Text)) {
		h.logger.Debug("thread reply for unlinked thread", "channel", msg.Channel, "thread", msg.ThreadTimeStamp)
	}
}

func commandReply(w http.ResponseWriter, responseType, text string) {
	jsonResponse(w, http.StatusOK, commandResponse{ResponseType: responseType, Text: text})
}

func firstHeader(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
