package errors

import "errors"

var (
	ErrAlreadyQueued         = errors.New("user already in queue")
	ErrAlreadyInRoom         = errors.New("user already in a room")
	ErrMatchNotFound         = errors.New("match not found")
	ErrInvalidPlayerCount    = errors.New("room must have exactly two players")
	ErrNoActiveDeck          = errors.New("no active deck")
	ErrInvalidFieldStructure = errors.New("invalid field structure")
	ErrNotAuthenticated      = errors.New("connection not authenticated")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrRoomNotFound          = errors.New("room not found")
	ErrRoomAccessDenied      = errors.New("room access denied")
	ErrUserNotFound          = errors.New("user not found")
	ErrBattleNotFound        = errors.New("battle not found")
)

// Code returns the stable wire code for err, or "INTERNAL" for anything
// the API does not surface by name.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyQueued):
		return "ALREADY_QUEUED"
	case errors.Is(err, ErrAlreadyInRoom):
		return "ALREADY_IN_ROOM"
	case errors.Is(err, ErrMatchNotFound):
		return "MATCH_NOT_FOUND"
	case errors.Is(err, ErrInvalidPlayerCount):
		return "INVALID_PLAYER_COUNT"
	case errors.Is(err, ErrNoActiveDeck):
		return "NO_ACTIVE_DECK"
	case errors.Is(err, ErrInvalidFieldStructure):
		return "INVALID_FIELD_STRUCTURE"
	case errors.Is(err, ErrNotAuthenticated):
		return "NOT_AUTHENTICATED"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, ErrRoomAccessDenied):
		return "ROOM_ACCESS_DENIED"
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrBattleNotFound):
		return "BATTLE_NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
