package repo

import (
	"log"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB() {
	dsn := config.GlobalConfig.Database.DSN
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Log.Fatal("Failed to connect to database",
			zap.Error(err),
		)
	}

	models := []interface{}{
		&model.User{},
		&model.Card{},
		&model.Deck{},
		&model.DeckCard{},
		&model.Room{},
		&model.RoomPlayer{},
		&model.Battle{},
	}

	err = DB.AutoMigrate(models...)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
}
