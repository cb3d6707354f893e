package realtime

import (
	"encoding/json"
	"time"
)

// Outbound event types carried on the realtime channel.
const (
	EventAuthSuccess        = "auth_success"
	EventError              = "error"
	EventChat               = "chat"
	EventPong               = "pong"
	EventMatchConfirmation  = "match_confirmation"
	EventMatchSuccess       = "match_success"
	EventMatchTimeout       = "match_timeout"
	EventRoomUserUpdate     = "room_user_update"
	EventRoomInfoUpdate     = "room_info_update"
	EventRoomDissolved      = "room_dissolved"
	EventRoomKicked         = "room_kicked"
	EventGameLoading        = "game_loading"
	EventSystemNotification = "system_notification"
)

// Event is one realtime envelope. Payload keys are flattened next to the
// type and timestamp on the wire: {"type":..., "timestamp":..., <payload>}.
type Event struct {
	Type string
	Data map[string]interface{}
}

func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{Type: eventType, Data: data}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = time.Now().UnixMilli()
	return json.Marshal(out)
}

func ErrorEvent(code, message string) Event {
	return NewEvent(EventError, map[string]interface{}{
		"code":    code,
		"message": message,
	})
}

func SystemNotification(content, level string) Event {
	return NewEvent(EventSystemNotification, map[string]interface{}{
		"content": content,
		"level":   level,
	})
}
