package room

import "errors"

// Admission failure reasons. They double as the wire value of the
// error:room event so clients can branch on them.
const (
	ReasonMissingRoom = "missing_room"
	ReasonMissingName = "missing_name"
	ReasonNotFound    = "not_found"
	ReasonRoomFull    = "room_full"
)

// AdmissionError is returned when a viewer cannot be added to a room.
type AdmissionError struct {
	Reason  string
	Message string
}

func (e *AdmissionError) Error() string {
	return e.Message
}

// Is matches admission errors by reason so callers can use errors.Is
// against the sentinels below.
func (e *AdmissionError) Is(target error) bool {
	var other *AdmissionError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

var (
	ErrMissingRoom = &AdmissionError{Reason: ReasonMissingRoom, Message: "room code is required"}
	ErrMissingName = &AdmissionError{Reason: ReasonMissingName, Message: "display name is required"}
	ErrNotFound    = &AdmissionError{Reason: ReasonNotFound, Message: "room not found"}
	ErrRoomFull    = &AdmissionError{Reason: ReasonRoomFull, Message: "room is full"}
)

// ErrNoFreeCode is returned by Registry.Create when every drawn code was
// held by a live room.
var ErrNoFreeCode = errors.New("room: no free room code")
