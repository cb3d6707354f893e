package user

import (
	"context"
	"errors"

	"github.com/joker96824/vg-api-sub000/internal/model"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"

	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

type UpdateProfileParams struct {
	Nickname *string
	Avatar   *string
}

func (s *Service) UpdateProfile(ctx context.Context, userID int64, params UpdateProfileParams) (*model.User, error) {
	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if params.Nickname != nil {
		updates["nickname"] = *params.Nickname
	}
	if params.Avatar != nil {
		updates["avatar"] = *params.Avatar
	}
	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, err
	}
	return user, nil
}
