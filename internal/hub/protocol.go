package hub

// Event types carried in the "type" field of every viewer frame.
const (
	TypeTerminalInput  = "terminal:input"
	TypeTerminalOutput = "terminal:output"
	TypeTerminalExit   = "terminal:exit"
	TypeTerminalResize = "terminal:resize"
	TypeUserJoined     = "user:joined"
	TypeUserLeft       = "user:left"
	TypeUserTyping     = "user:typing"
	TypeUserStopTyping = "user:stop-typing"
	TypeRoomError      = "error:room"
)

type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type OutputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ExitMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type PresenceMessage struct {
	Type  string   `json:"type"`
	Name  string   `json:"name"`
	Users []string `json:"users"`
}

type TypingMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type RoomErrorMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
