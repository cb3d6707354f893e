package deck

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

// Entry is one deck row joined with its catalog card.
type Entry struct {
	Card     model.Card
	Zone     string
	Quantity int
}

// ActiveDeck returns the deck the user has designated for play.
func (s *Service) ActiveDeck(ctx context.Context, userID int64) (*model.Deck, error) {
	var deck model.Deck
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		First(&deck).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrNoActiveDeck
		}
		return nil, err
	}
	return &deck, nil
}

// Entries loads the deck's card rows with catalog data attached.
func (s *Service) Entries(ctx context.Context, deckID int64) ([]Entry, error) {
	var rows []model.DeckCard
	if err := s.db.WithContext(ctx).
		Where("deck_id = ?", deckID).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var card model.Card
		if err := s.db.WithContext(ctx).First(&card, row.CardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		quantity := row.Quantity
		if quantity < 1 {
			quantity = 1
		}
		entries = append(entries, Entry{Card: card, Zone: row.Zone, Quantity: quantity})
	}
	return entries, nil
}

// ListDecks returns the user's decks, active first.
func (s *Service) ListDecks(ctx context.Context, userID int64) ([]model.Deck, error) {
	var decks []model.Deck
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("is_active DESC, id").
		Find(&decks).Error
	return decks, err
}

// SetActive marks one deck active and the user's others inactive.
func (s *Service) SetActive(ctx context.Context, userID, deckID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deck model.Deck
		if err := tx.Where("id = ? AND user_id = ?", deckID, userID).First(&deck).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return appErr.ErrNoActiveDeck
			}
			return err
		}
		if err := tx.Model(&model.Deck{}).
			Where("user_id = ?", userID).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&deck).Update("is_active", true).Error
	})
}
