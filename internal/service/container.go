package service

import (
	"context"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/service/auth"
	"github.com/joker96824/vg-api-sub000/internal/service/battle"
	"github.com/joker96824/vg-api-sub000/internal/service/deck"
	"github.com/joker96824/vg-api-sub000/internal/service/match"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	"github.com/joker96824/vg-api-sub000/internal/service/room"
	"github.com/joker96824/vg-api-sub000/internal/service/user"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Bus    *realtime.Bus
	User   *user.Service
	Deck   *deck.Service
	Battle *battle.Service
	Room   *room.Service
	Match  *match.Service
	Auth   *auth.Service
}

func NewContainer(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Container {
	bus := realtime.NewBus(rdb, cfg.Realtime)
	decks := deck.NewService(db)
	battles := battle.NewService(db, rdb, decks)
	rooms := room.NewService(db, bus)
	matches := match.NewService(db, rdb, cfg.Match, rooms, battles, bus)

	return &Container{
		Bus:    bus,
		User:   user.NewService(db),
		Deck:   decks,
		Battle: battles,
		Room:   rooms,
		Match:  matches,
		Auth:   auth.NewService(db, rdb, matches),
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.Bus.Start(ctx)
	return c.Match.Start(ctx)
}
