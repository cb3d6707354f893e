package model

import (
	"time"

	"gorm.io/datatypes"
)

// 2.1 User

type User struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Username  string `gorm:"unique;not null"`
	Nickname  string
	Avatar    string
	Rank      int    `gorm:"default:0"`
	Status    string `gorm:"default:normal;not null"` // normal/banned
	CreatedAt time.Time
	UpdatedAt time.Time
}

// 2.2 Card catalog & decks

type Card struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	Name        string
	Nation      string
	Clan        string
	Grade       int
	Power       int
	Shield      int
	Critical    int
	Type        string
	TriggerType string
	Ability     string
	Alias       string
	Group       string
	Image       string
	AbilityJSON datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Deck struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	UserID    int64 `gorm:"index"`
	Name      string
	IsActive  bool `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeckCard struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	DeckID   int64  `gorm:"index"`
	CardID   int64  `gorm:"index"`
	Zone     string `gorm:"default:main"` // main/ride/g/token
	Quantity int    `gorm:"default:1"`
}

// 2.3 Rooms & battles

type Room struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	Code       string         `gorm:"unique"`
	Status     string         `gorm:"default:waiting"` // waiting/playing/dissolved
	ConfigJSON datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type RoomPlayer struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	RoomID      int64 `gorm:"index"`
	UserID      int64 `gorm:"index"`
	PlayerOrder int
	Ready       bool `gorm:"default:false"`
	CreatedAt   time.Time
	LeftAt      *time.Time
}

type Battle struct {
	ID        string `gorm:"primaryKey;size:64"` // uuid
	RoomID    int64  `gorm:"index"`
	Player1ID int64
	Player2ID int64
	WinnerID  *int64
	Status    string `gorm:"default:active"` // active/finished/aborted
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
}
