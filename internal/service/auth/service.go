package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/internal/service/match"
	pkgAuth "github.com/joker96824/vg-api-sub000/pkg/auth"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	rdb     *redis.Client
	matches *match.Service
}

type LoginResult struct {
	Token    string     `json:"token"`
	ExpireAt time.Time  `json:"expireAt"`
	User     model.User `json:"user"`
}

func NewService(db *gorm.DB, rdb *redis.Client, matches *match.Service) *Service {
	return &Service{db: db, rdb: rdb, matches: matches}
}

// Login issues a token for the named user, creating the account on
// first sight.
func (s *Service) Login(ctx context.Context, username string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, appErr.ErrUserNotFound
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		user = model.User{Username: username, Nickname: username, Status: "normal"}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
	}
	if strings.EqualFold(user.Status, "banned") {
		return nil, appErr.ErrUnauthorized
	}

	token, err := pkgAuth.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}

	expire := time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour
	if err := s.rdb.Set(ctx, buildSessionKey(user.ID), time.Now().Unix(), expire).Err(); err != nil {
		return nil, err
	}

	logger.Log.Info("user logged in", zap.Int64("userID", user.ID))
	return &LoginResult{
		Token:    token,
		ExpireAt: time.Now().Add(expire),
		User:     user,
	}, nil
}

// ValidateToken checks the JWT and the session marker behind it.
func (s *Service) ValidateToken(ctx context.Context, token string) (int64, error) {
	claims, err := pkgAuth.ParseUserToken(token)
	if err != nil {
		return 0, appErr.ErrNotAuthenticated
	}
	if _, err := s.rdb.Get(ctx, buildSessionKey(claims.SubjectID)).Result(); err != nil {
		if err == redis.Nil {
			return 0, appErr.ErrNotAuthenticated
		}
		return 0, err
	}
	return claims.SubjectID, nil
}

// InvalidateSession revokes the session marker and withdraws the user
// from matchmaking. Battles are untouched; they survive for reconnect.
func (s *Service) InvalidateSession(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, buildSessionKey(userID)).Err(); err != nil && err != redis.Nil {
		return err
	}
	if err := s.matches.CancelForUser(ctx, userID); err != nil {
		logger.Log.Warn("queue cancel on session invalidation failed",
			zap.Int64("userID", userID),
			zap.Error(err),
		)
	}
	logger.Log.Info("session invalidated", zap.Int64("userID", userID))
	return nil
}

func buildSessionKey(userID int64) string {
	return fmt.Sprintf("session:%d", userID)
}
