package match

import "time"

type JoinStatus string

const (
	JoinStatusQueued JoinStatus = "queued"
	JoinStatusPaired JoinStatus = "paired"
)

type ConfirmStatus string

const (
	ConfirmStatusWaiting     ConfirmStatus = "waiting"
	ConfirmStatusRoomCreated ConfirmStatus = "room_created"
	ConfirmStatusRejected    ConfirmStatus = "rejected"
)

// UserInfo is the display payload carried with a queue entry and echoed
// in match_confirmation / match_success pushes.
type UserInfo struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Rank     int    `json:"rank"`
}

// QueueEntry is one waiting player inside the shared match_queue
// document. Entries are ordered by insertion; the match id is assigned
// at join time.
type QueueEntry struct {
	UserID   int64     `json:"user_id"`
	MatchID  string    `json:"match_id"`
	JoinedAt time.Time `json:"joined_at"`
	User     UserInfo  `json:"user"`
}

// PendingMatch is a paired-but-unconfirmed candidate matchup inside the
// shared pending_matches document. Members keeps pairing order; a user
// absent from Confirmations has not responded yet.
type PendingMatch struct {
	MatchID       string         `json:"match_id"`
	Members       [2]QueueEntry  `json:"members"`
	Confirmations map[int64]bool `json:"confirmations"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (m *PendingMatch) memberIndex(userID int64) int {
	for i, member := range m.Members {
		if member.UserID == userID {
			return i
		}
	}
	return -1
}

func (m *PendingMatch) userInfos() []UserInfo {
	return []UserInfo{m.Members[0].User, m.Members[1].User}
}

type JoinResult struct {
	Status       JoinStatus `json:"status"`
	MatchID      string     `json:"match_id,omitempty"`
	MatchedUsers []UserInfo `json:"matched_users,omitempty"`
}

type ConfirmResult struct {
	Status   ConfirmStatus `json:"status"`
	RoomID   int64         `json:"room_id,omitempty"`
	BattleID string        `json:"battle_id,omitempty"`
}

type StatusResult struct {
	InQueue  bool   `json:"in_queue"`
	Position int    `json:"position,omitempty"` // 1-based rank by join order
	MatchID  string `json:"match_id,omitempty"`
}
