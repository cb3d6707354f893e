package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"
	"github.com/joker96824/vg-api-sub000/pkg/utils/random"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	bus *realtime.Bus
}

func NewService(db *gorm.DB, bus *realtime.Bus) *Service {
	s := &Service{db: db, bus: bus}
	if bus != nil {
		bus.SetRoomResolver(s.resolveMembers)
	}
	return s
}

type Info struct {
	Room    model.Room         `json:"room"`
	Players []model.RoomPlayer `json:"players"`
}

// CreateForMatch creates a room plus both room-player rows in one
// transaction. Player order follows pairing order.
func (s *Service) CreateForMatch(ctx context.Context, userIDs [2]int64) (*model.Room, error) {
	configBytes, err := json.Marshal(map[string]interface{}{"mode": "standard"})
	if err != nil {
		return nil, err
	}

	var created model.Room
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created = model.Room{
			Code:       random.Code(6),
			Status:     "waiting",
			ConfigJSON: datatypes.JSON(configBytes),
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		for i, userID := range userIDs {
			player := model.RoomPlayer{
				RoomID:      created.ID,
				UserID:      userID,
				PlayerOrder: i + 1,
			}
			if err := tx.Create(&player).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.PublishRoomUpdate(ctx, created.ID, realtime.EventRoomUserUpdate)
	logger.Log.Info("room created",
		zap.Int64("roomID", created.ID),
		zap.String("code", created.Code),
		zap.Int64("player1", userIDs[0]),
		zap.Int64("player2", userIDs[1]),
	)
	return &created, nil
}

// Delete hard-removes a room and its player rows, the rollback path
// when battle initialization fails.
func (s *Service) Delete(ctx context.Context, roomID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.RoomPlayer{}, "room_id = ?", roomID).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Room{}, roomID).Error
	})
}

// HasActiveRoom reports whether the user sits in a room that has not
// been dissolved.
func (s *Service) HasActiveRoom(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.RoomPlayer{}).
		Joins("JOIN rooms ON rooms.id = room_players.room_id AND rooms.status <> ?", "dissolved").
		Where("room_players.user_id = ? AND room_players.left_at IS NULL", userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetInfo returns a room with its current players; callers outside the
// room are refused.
func (s *Service) GetInfo(ctx context.Context, userID, roomID int64) (*Info, error) {
	room, players, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !isMember(players, userID) {
		return nil, appErr.ErrRoomAccessDenied
	}
	return &Info{Room: *room, Players: players}, nil
}

// Dissolve marks the room dissolved and notifies its members. Any
// member may dissolve a waiting room.
func (s *Service) Dissolve(ctx context.Context, userID, roomID int64) error {
	room, players, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !isMember(players, userID) {
		return appErr.ErrRoomAccessDenied
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Room{}).Where("id = ?", room.ID).
			Update("status", "dissolved").Error; err != nil {
			return err
		}
		return tx.Model(&model.RoomPlayer{}).
			Where("room_id = ? AND left_at IS NULL", room.ID).
			Update("left_at", now).Error
	})
	if err != nil {
		return err
	}

	for _, player := range players {
		s.bus.SendDirect(ctx, player.UserID, realtime.NewEvent(realtime.EventRoomDissolved, map[string]interface{}{
			"room_id": room.ID,
		}))
	}
	logger.Log.Info("room dissolved", zap.Int64("roomID", room.ID), zap.Int64("byUserID", userID))
	return nil
}

// Kick removes a member from the room. Only player 1 may kick.
func (s *Service) Kick(ctx context.Context, userID, roomID, targetID int64) error {
	_, players, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	var caller *model.RoomPlayer
	var target *model.RoomPlayer
	for i := range players {
		switch players[i].UserID {
		case userID:
			caller = &players[i]
		case targetID:
			target = &players[i]
		}
	}
	if caller == nil || caller.PlayerOrder != 1 {
		return appErr.ErrRoomAccessDenied
	}
	if target == nil {
		return appErr.ErrUserNotFound
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&model.RoomPlayer{}).
		Where("id = ?", target.ID).
		Update("left_at", now).Error; err != nil {
		return err
	}

	s.bus.SendDirect(ctx, targetID, realtime.NewEvent(realtime.EventRoomKicked, map[string]interface{}{
		"room_id": roomID,
	}))
	s.bus.PublishRoomUpdate(ctx, roomID, realtime.EventRoomUserUpdate)
	logger.Log.Info("player kicked", zap.Int64("roomID", roomID), zap.Int64("targetID", targetID))
	return nil
}

// SetStatus moves the room through waiting/playing and fans out a
// room_info_update.
func (s *Service) SetStatus(ctx context.Context, roomID int64, status string) error {
	if err := s.db.WithContext(ctx).Model(&model.Room{}).
		Where("id = ?", roomID).
		Update("status", status).Error; err != nil {
		return err
	}
	return s.bus.PublishRoomUpdate(ctx, roomID, realtime.EventRoomInfoUpdate)
}

func (s *Service) loadRoom(ctx context.Context, roomID int64) (*model.Room, []model.RoomPlayer, error) {
	var room model.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, appErr.ErrRoomNotFound
		}
		return nil, nil, err
	}
	var players []model.RoomPlayer
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("player_order").
		Find(&players).Error; err != nil {
		return nil, nil, err
	}
	return &room, players, nil
}

func (s *Service) resolveMembers(ctx context.Context, roomID int64) []int64 {
	var players []model.RoomPlayer
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Find(&players).Error; err != nil {
		logger.Log.Warn("room member resolve failed", zap.Int64("roomID", roomID), zap.Error(err))
		return nil
	}
	ids := make([]int64, 0, len(players))
	for _, player := range players {
		ids = append(ids, player.UserID)
	}
	return ids
}

func isMember(players []model.RoomPlayer, userID int64) bool {
	for _, player := range players {
		if player.UserID == userID {
			return true
		}
	}
	return false
}
