package match

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/internal/service/battle"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	"github.com/joker96824/vg-api-sub000/internal/service/room"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Shared queue documents. Every server process reads and writes the same
// two keys; WATCH-based transactions keep the read-modify-write cycles
// from stepping on each other.
const (
	queueKey   = "match_queue"
	pendingKey = "pending_matches"
)

const casRetries = 5

type Service struct {
	db  *gorm.DB
	rdb *redis.Client
	cfg config.MatchConfig

	rooms   *room.Service
	battles *battle.Service
	bus     *realtime.Bus

	startOnce sync.Once
}

func NewService(db *gorm.DB, rdb *redis.Client, cfg config.MatchConfig, rooms *room.Service, battles *battle.Service, bus *realtime.Bus) *Service {
	return &Service{
		db:      db,
		rdb:     rdb,
		cfg:     cfg,
		rooms:   rooms,
		battles: battles,
		bus:     bus,
	}
}

// Join appends the user to the shared queue and, when at least two
// entries exist, pairs the two oldest into a pending match. Membership
// is re-checked inside the transaction so two processes cannot pair the
// same entry twice.
func (s *Service) Join(ctx context.Context, userID int64) (*JoinResult, error) {
	inRoom, err := s.rooms.HasActiveRoom(ctx, userID)
	if err != nil {
		return nil, err
	}
	if inRoom {
		return nil, appErr.ErrAlreadyInRoom
	}

	info, err := s.loadUserInfo(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		result *JoinResult
		paired *PendingMatch
	)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := s.loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := s.loadPending(ctx, tx)
		if err != nil {
			return err
		}

		for _, entry := range queue {
			if entry.UserID == userID {
				return appErr.ErrAlreadyQueued
			}
		}
		for _, m := range pending {
			if m.memberIndex(userID) >= 0 {
				return appErr.ErrAlreadyQueued
			}
		}

		entry := QueueEntry{
			UserID:   userID,
			MatchID:  uuid.NewString(),
			JoinedAt: time.Now(),
			User:     *info,
		}
		queue = append(queue, entry)

		result = &JoinResult{Status: JoinStatusQueued}
		paired = nil

		if len(queue) >= 2 {
			first, second := queue[0], queue[1]
			queue = queue[2:]

			m := PendingMatch{
				MatchID:       first.MatchID,
				Members:       [2]QueueEntry{first, second},
				Confirmations: map[int64]bool{},
				CreatedAt:     time.Now(),
			}
			pending[m.MatchID] = m
			paired = &m
			result = &JoinResult{
				Status:       JoinStatusPaired,
				MatchID:      m.MatchID,
				MatchedUsers: m.userInfos(),
			}
		}

		return s.storeDocs(ctx, tx, queue, pending)
	})
	if err != nil {
		return nil, err
	}

	if paired != nil {
		s.notifyConfirmation(ctx, paired)
		logger.Log.Info("players paired",
			zap.String("matchID", paired.MatchID),
			zap.Int64("player1", paired.Members[0].UserID),
			zap.Int64("player2", paired.Members[1].UserID),
		)
	} else {
		logger.Log.Info("user joined queue", zap.Int64("userID", userID))
	}
	return result, nil
}

// Confirm records an accept or reject for a pending match. Both accepts
// create the room and battle; one reject discards the match and puts the
// non-rejecting member back at the head of the queue.
func (s *Service) Confirm(ctx context.Context, userID int64, matchID string, accept bool) (*ConfirmResult, error) {
	var (
		bothConfirmed *PendingMatch
		requeued      *QueueEntry
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := s.loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := s.loadPending(ctx, tx)
		if err != nil {
			return err
		}

		m, ok := pending[matchID]
		if !ok || m.memberIndex(userID) < 0 {
			return appErr.ErrMatchNotFound
		}

		bothConfirmed = nil
		requeued = nil

		if m.Confirmations == nil {
			m.Confirmations = map[int64]bool{}
		}
		m.Confirmations[userID] = accept

		if !accept {
			delete(pending, matchID)
			other := m.Members[1-m.memberIndex(userID)]
			if confirmed, responded := m.Confirmations[other.UserID]; !responded || confirmed {
				entry := other
				queue = append([]QueueEntry{entry}, queue...)
				requeued = &entry
			}
			return s.storeDocs(ctx, tx, queue, pending)
		}

		if m.Confirmations[m.Members[0].UserID] && m.Confirmations[m.Members[1].UserID] {
			delete(pending, matchID)
			bothConfirmed = &m
		} else {
			pending[matchID] = m
		}
		return s.storeDocs(ctx, tx, queue, pending)
	})
	if err != nil {
		return nil, err
	}

	if requeued != nil || (!accept && bothConfirmed == nil) {
		if requeued != nil {
			s.bus.SendDirect(ctx, requeued.UserID,
				realtime.SystemNotification("your opponent declined the match, you are back at the head of the queue", "info"))
		}
		logger.Log.Info("match rejected",
			zap.String("matchID", matchID),
			zap.Int64("rejectedBy", userID),
		)
		return &ConfirmResult{Status: ConfirmStatusRejected}, nil
	}

	if bothConfirmed == nil {
		return &ConfirmResult{Status: ConfirmStatusWaiting}, nil
	}

	return s.createRoomForMatch(ctx, bothConfirmed)
}

// createRoomForMatch is the sole path that turns a confirmed pairing
// into a room. Battle initialization failure aborts the room and
// surfaces to both players as a failed match.
func (s *Service) createRoomForMatch(ctx context.Context, m *PendingMatch) (*ConfirmResult, error) {
	roomRecord, err := s.rooms.CreateForMatch(ctx, [2]int64{m.Members[0].UserID, m.Members[1].UserID})
	if err != nil {
		s.notifyMatchFailed(ctx, m, err)
		return nil, err
	}

	battleID := uuid.NewString()
	if _, err := s.battles.Initialize(ctx, battleID, roomRecord.ID); err != nil {
		if delErr := s.rooms.Delete(ctx, roomRecord.ID); delErr != nil {
			logger.Log.Error("failed to roll back room after battle init failure",
				zap.Int64("roomID", roomRecord.ID),
				zap.Error(delErr),
			)
		}
		s.notifyMatchFailed(ctx, m, err)
		return nil, err
	}

	if err := s.rooms.SetStatus(ctx, roomRecord.ID, "playing"); err != nil {
		if cleanupErr := s.battles.Cleanup(ctx, battleID); cleanupErr != nil {
			logger.Log.Error("failed to close battle after status update failure",
				zap.String("battleID", battleID),
				zap.Error(cleanupErr),
			)
		}
		if delErr := s.rooms.Delete(ctx, roomRecord.ID); delErr != nil {
			logger.Log.Error("failed to roll back room after status update failure",
				zap.Int64("roomID", roomRecord.ID),
				zap.Error(delErr),
			)
		}
		s.notifyMatchFailed(ctx, m, err)
		return nil, err
	}

	payload := map[string]interface{}{
		"room_id":       roomRecord.ID,
		"battle_id":     battleID,
		"matched_users": m.userInfos(),
	}
	for _, member := range m.Members {
		s.bus.SendDirect(ctx, member.UserID, realtime.NewEvent(realtime.EventMatchSuccess, payload))
		s.bus.SendDirect(ctx, member.UserID, realtime.NewEvent(realtime.EventGameLoading, map[string]interface{}{
			"room_id":   roomRecord.ID,
			"battle_id": battleID,
		}))
	}

	logger.Log.Info("room created from match",
		zap.String("matchID", m.MatchID),
		zap.Int64("roomID", roomRecord.ID),
		zap.String("battleID", battleID),
	)
	return &ConfirmResult{Status: ConfirmStatusRoomCreated, RoomID: roomRecord.ID, BattleID: battleID}, nil
}

// Leave removes a queued, not yet paired, entry. Reports false if the
// user was not waiting.
func (s *Service) Leave(ctx context.Context, userID int64) (bool, error) {
	removed := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := s.loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := s.loadPending(ctx, tx)
		if err != nil {
			return err
		}

		removed = false
		kept := queue[:0]
		for _, entry := range queue {
			if entry.UserID == userID {
				removed = true
				continue
			}
			kept = append(kept, entry)
		}
		if !removed {
			return nil
		}
		return s.storeDocs(ctx, tx, kept, pending)
	})
	if err != nil {
		return false, err
	}
	if removed {
		logger.Log.Info("user left queue", zap.Int64("userID", userID))
	}
	return removed, nil
}

// CancelForUser drops every trace of the user's matchmaking: the queue
// entry if still waiting, and the pending match if already paired (the
// other member is treated like the survivor of a rejection). Invoked on
// disconnect and on session invalidation; absence is success.
func (s *Service) CancelForUser(ctx context.Context, userID int64) error {
	if _, err := s.Leave(ctx, userID); err != nil {
		return err
	}

	pending, err := s.loadPendingSnapshot(ctx)
	if err != nil {
		return err
	}
	for matchID, m := range pending {
		if m.memberIndex(userID) < 0 {
			continue
		}
		if _, err := s.Confirm(ctx, userID, matchID, false); err != nil && err != appErr.ErrMatchNotFound {
			return err
		}
	}
	return nil
}

// SweepExpired removes queue entries older than the queue timeout.
// Pending matches are handled separately by sweepPendingMatches.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.QueueTimeout())
	expired := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := s.loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := s.loadPending(ctx, tx)
		if err != nil {
			return err
		}

		expired = 0
		kept := queue[:0]
		for _, entry := range queue {
			if entry.JoinedAt.Before(cutoff) {
				expired++
				continue
			}
			kept = append(kept, entry)
		}
		if expired == 0 {
			return nil
		}
		return s.storeDocs(ctx, tx, kept, pending)
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		logger.Log.Info("expired queue entries swept", zap.Int("count", expired))
	}
	return expired, nil
}

// Status reports the user's place in matchmaking: queued with a 1-based
// position, or paired with the pending match id.
func (s *Service) Status(ctx context.Context, userID int64) (*StatusResult, error) {
	queue, err := s.loadQueueSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i, entry := range queue {
		if entry.UserID == userID {
			return &StatusResult{InQueue: true, Position: i + 1, MatchID: entry.MatchID}, nil
		}
	}

	pending, err := s.loadPendingSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	for matchID, m := range pending {
		if m.memberIndex(userID) >= 0 {
			return &StatusResult{InQueue: false, MatchID: matchID}, nil
		}
	}

	return &StatusResult{InQueue: false}, nil
}

func (s *Service) notifyConfirmation(ctx context.Context, m *PendingMatch) {
	payload := map[string]interface{}{
		"match_id":      m.MatchID,
		"matched_users": m.userInfos(),
	}
	for _, member := range m.Members {
		if err := s.bus.SendDirect(ctx, member.UserID, realtime.NewEvent(realtime.EventMatchConfirmation, payload)); err != nil {
			logger.Log.Warn("confirmation push failed",
				zap.Int64("userID", member.UserID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) notifyMatchFailed(ctx context.Context, m *PendingMatch, cause error) {
	event := realtime.ErrorEvent(appErr.Code(cause), "match failed: "+cause.Error())
	for _, member := range m.Members {
		s.bus.SendDirect(ctx, member.UserID, event)
	}
}

func (s *Service) loadUserInfo(ctx context.Context, userID int64) (*UserInfo, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.ErrUserNotFound
		}
		return nil, err
	}
	return &UserInfo{ID: u.ID, Nickname: u.Nickname, Avatar: u.Avatar, Rank: u.Rank}, nil
}

// watch retries the transactional closure on WATCH conflicts, the
// compare-and-swap discipline for the two shared documents.
func (s *Service) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, fn, queueKey, pendingKey)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *Service) loadQueue(ctx context.Context, tx *redis.Tx) ([]QueueEntry, error) {
	return decodeQueue(tx.Get(ctx, queueKey))
}

func (s *Service) loadQueueSnapshot(ctx context.Context) ([]QueueEntry, error) {
	return decodeQueue(s.rdb.Get(ctx, queueKey))
}

func (s *Service) loadPending(ctx context.Context, tx *redis.Tx) (map[string]PendingMatch, error) {
	return decodePending(tx.Get(ctx, pendingKey))
}

func (s *Service) loadPendingSnapshot(ctx context.Context) (map[string]PendingMatch, error) {
	return decodePending(s.rdb.Get(ctx, pendingKey))
}

func decodeQueue(cmd *redis.StringCmd) ([]QueueEntry, error) {
	data, err := cmd.Result()
	if err != nil {
		if err == redis.Nil {
			return []QueueEntry{}, nil
		}
		return nil, err
	}
	var queue []QueueEntry
	if err := json.Unmarshal([]byte(data), &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func decodePending(cmd *redis.StringCmd) (map[string]PendingMatch, error) {
	data, err := cmd.Result()
	if err != nil {
		if err == redis.Nil {
			return map[string]PendingMatch{}, nil
		}
		return nil, err
	}
	var pending map[string]PendingMatch
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, err
	}
	if pending == nil {
		pending = map[string]PendingMatch{}
	}
	return pending, nil
}

func (s *Service) storeDocs(ctx context.Context, tx *redis.Tx, queue []QueueEntry, pending map[string]PendingMatch) error {
	queueData, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	pendingData, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	ttl := s.cfg.QueueTimeout()
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, queueKey, queueData, ttl)
		pipe.Set(ctx, pendingKey, pendingData, ttl)
		return nil
	})
	return err
}
