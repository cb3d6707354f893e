package battle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/internal/service/deck"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stateKeyPrefix = "battle:state:"
	// Terminal markers evaporate after a day; live states stay until
	// cleanup so a battle survives any disconnect.
	markerTTL  = 24 * time.Hour
	casRetries = 5
)

// Logical deck zones map onto field areas at battle start.
var zoneToArea = map[string]string{
	"main":  AreaDeck,
	"ride":  AreaRide,
	"g":     AreaGDeck,
	"token": AreaToken,
}

// marker replaces the live document when a battle ends. Reads after
// cleanup see the marker, not an error.
type marker struct {
	BattleID string    `json:"battle_id"`
	Finished bool      `json:"finished"`
	EndedAt  time.Time `json:"ended_at"`
}

type Service struct {
	db    *gorm.DB
	rdb   *redis.Client
	decks *deck.Service
}

func NewService(db *gorm.DB, rdb *redis.Client, decks *deck.Service) *Service {
	return &Service{db: db, rdb: rdb, decks: decks}
}

// Initialize builds and persists the opening state for a room's battle:
// exactly two room players, each with an active deck, every deck entry
// expanded into individual cards in the area its zone maps to.
func (s *Service) Initialize(ctx context.Context, battleID string, roomID int64) (*State, error) {
	var players []model.RoomPlayer
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("player_order").
		Find(&players).Error; err != nil {
		return nil, err
	}
	if len(players) != 2 {
		return nil, appErr.ErrInvalidPlayerCount
	}

	fields := make([]*PlayerField, 2)
	for i, player := range players {
		activeDeck, err := s.decks.ActiveDeck(ctx, player.UserID)
		if err != nil {
			return nil, err
		}
		entries, err := s.decks.Entries(ctx, activeDeck.ID)
		if err != nil {
			return nil, err
		}
		fields[i] = buildField(entries)
	}

	now := time.Now()
	state := &State{
		BattleID:      battleID,
		RoomID:        roomID,
		Player1ID:     players[0].UserID,
		Player2ID:     players[1].UserID,
		FirstPlayer:   players[0].UserID,
		TurnNumber:    1,
		CurrentPlayer: players[0].UserID,
		Phase:         PhaseReset,
		Player1Field:  fields[0],
		Player2Field:  fields[1],
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}

	record := model.Battle{
		ID:        battleID,
		RoomID:    roomID,
		Player1ID: players[0].UserID,
		Player2ID: players[1].UserID,
		Status:    "active",
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	if err := s.storeState(ctx, state); err != nil {
		s.db.WithContext(ctx).Delete(&model.Battle{}, "id = ?", battleID)
		return nil, err
	}

	logger.Log.Info("battle initialized",
		zap.String("battleID", battleID),
		zap.Int64("roomID", roomID),
		zap.Int64("player1", state.Player1ID),
		zap.Int64("player2", state.Player2ID),
	)
	return state, nil
}

func buildField(entries []deck.Entry) *PlayerField {
	field := NewPlayerField()
	for _, entry := range entries {
		area, ok := zoneToArea[entry.Zone]
		if !ok {
			area = AreaDeck
		}
		data := cardFromModel(entry.Card)
		for i := 0; i < entry.Quantity; i++ {
			field.Cards[area] = append(field.Cards[area], VisibleCard(data))
		}
	}
	return field
}

// Update merges the given top-level keys into the stored document.
// Returns false when no live state exists for the battle.
func (s *Service) Update(ctx context.Context, battleID string, partial map[string]interface{}) (bool, error) {
	if len(partial) == 0 {
		return false, nil
	}
	applied := false
	err := s.withState(ctx, battleID, func(tx *redis.Tx, state *State) (*State, error) {
		applied = false
		if state == nil {
			return nil, nil
		}

		doc, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		var merged map[string]interface{}
		if err := json.Unmarshal(doc, &merged); err != nil {
			return nil, err
		}
		for key, value := range partial {
			merged[key] = value
		}

		mergedDoc, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		var next State
		if err := json.Unmarshal(mergedDoc, &next); err != nil {
			return nil, appErr.ErrInvalidFieldStructure
		}
		// The turn counter never moves backwards.
		if next.TurnNumber < state.TurnNumber {
			return nil, appErr.ErrInvalidFieldStructure
		}
		next.UpdatedAt = time.Now()
		if err := next.Validate(); err != nil {
			return nil, err
		}
		applied = true
		return &next, nil
	})
	return applied, err
}

// UpdatePlayerField replaces one player's field after structural
// validation; nothing is written on invalid input.
func (s *Service) UpdatePlayerField(ctx context.Context, battleID string, playerID int64, field *PlayerField) (bool, error) {
	if err := field.Validate(); err != nil {
		return false, err
	}
	applied := false
	err := s.withState(ctx, battleID, func(tx *redis.Tx, state *State) (*State, error) {
		applied = false
		if state == nil || !state.IsParticipant(playerID) {
			return nil, nil
		}
		if playerID == state.Player1ID {
			state.Player1Field = field
		} else {
			state.Player2Field = field
		}
		state.UpdatedAt = time.Now()
		applied = true
		return state, nil
	})
	return applied, err
}

// NextTurn hands control to the other player, counting a new turn each
// time control returns to player1, and resets the phase.
func (s *Service) NextTurn(ctx context.Context, battleID string) (bool, error) {
	applied := false
	err := s.withState(ctx, battleID, func(tx *redis.Tx, state *State) (*State, error) {
		applied = false
		if state == nil {
			return nil, nil
		}
		if state.CurrentPlayer == state.Player1ID {
			state.CurrentPlayer = state.Player2ID
		} else {
			state.CurrentPlayer = state.Player1ID
			state.TurnNumber++
		}
		state.Phase = PhaseReset
		state.UpdatedAt = time.Now()
		applied = true
		return state, nil
	})
	return applied, err
}

// SetPhase moves the battle to the given phase; unknown phases and
// missing battles report false.
func (s *Service) SetPhase(ctx context.Context, battleID string, phase Phase) (bool, error) {
	if !ValidPhase(phase) {
		return false, nil
	}
	applied := false
	err := s.withState(ctx, battleID, func(tx *redis.Tx, state *State) (*State, error) {
		applied = false
		if state == nil {
			return nil, nil
		}
		state.Phase = phase
		state.UpdatedAt = time.Now()
		applied = true
		return state, nil
	})
	return applied, err
}

// GetForReconnect returns the state as the requesting participant may
// see it. Non-participants, ended battles, and structurally invalid
// documents all yield the same not-found answer so nothing leaks.
func (s *Service) GetForReconnect(ctx context.Context, battleID string, playerID int64) (*State, error) {
	state, finished, err := s.loadState(ctx, s.rdb.Get(ctx, stateKey(battleID)))
	if err != nil {
		return nil, err
	}
	if state == nil || finished {
		return nil, appErr.ErrBattleNotFound
	}
	if !state.IsParticipant(playerID) {
		return nil, appErr.ErrBattleNotFound
	}
	if err := state.Validate(); err != nil {
		return nil, appErr.ErrBattleNotFound
	}
	return state.SanitizeFor(playerID), nil
}

// Cleanup replaces the live document with the terminal marker and
// closes out the battle record.
func (s *Service) Cleanup(ctx context.Context, battleID string) error {
	now := time.Now()
	doc, err := json.Marshal(marker{BattleID: battleID, Finished: true, EndedAt: now})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, stateKey(battleID), doc, markerTTL).Err(); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Model(&model.Battle{}).
		Where("id = ?", battleID).
		Updates(map[string]interface{}{"status": "finished", "ended_at": now}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	logger.Log.Info("battle cleaned up", zap.String("battleID", battleID))
	return nil
}

// ValidateAccess checks the durable battle record for membership, for
// surfaces that mutate gameplay state.
func (s *Service) ValidateAccess(ctx context.Context, battleID string, userID int64) error {
	var record model.Battle
	if err := s.db.WithContext(ctx).First(&record, "id = ?", battleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.ErrBattleNotFound
		}
		return err
	}
	if userID != record.Player1ID && userID != record.Player2ID {
		return appErr.ErrUnauthorized
	}
	return nil
}

// Finished reports whether the battle's document is the terminal marker.
func (s *Service) Finished(ctx context.Context, battleID string) (bool, error) {
	_, finished, err := s.loadState(ctx, s.rdb.Get(ctx, stateKey(battleID)))
	if err != nil {
		return false, err
	}
	return finished, nil
}

// withState runs a read-modify-write cycle on one battle document under
// WATCH, serializing concurrent mutations per battle id. fn receives
// nil when no live state exists; returning nil writes nothing.
func (s *Service) withState(ctx context.Context, battleID string, fn func(tx *redis.Tx, state *State) (*State, error)) error {
	key := stateKey(battleID)
	txFn := func(tx *redis.Tx) error {
		state, finished, err := s.loadState(ctx, tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if finished {
			state = nil
		}

		next, err := fn(tx, state)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		doc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txFn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *Service) storeState(ctx context.Context, state *State) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, stateKey(state.BattleID), doc, 0).Err()
}

func (s *Service) loadState(ctx context.Context, cmd *redis.StringCmd) (*State, bool, error) {
	data, err := cmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}

	var m marker
	if err := json.Unmarshal([]byte(data), &m); err == nil && m.Finished {
		return nil, true, nil
	}

	var state State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, false, appErr.ErrInvalidFieldStructure
	}
	return &state, false, nil
}

func stateKey(battleID string) string {
	return stateKeyPrefix + battleID
}
