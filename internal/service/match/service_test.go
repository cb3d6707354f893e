package match_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/model"
	"github.com/joker96824/vg-api-sub000/internal/service/battle"
	"github.com/joker96824/vg-api-sub000/internal/service/deck"
	"github.com/joker96824/vg-api-sub000/internal/service/match"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	"github.com/joker96824/vg-api-sub000/internal/service/room"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("debug")
}

func newMatchService(t *testing.T) (*gorm.DB, *match.Service, *redis.Client, *realtime.Bus) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := []interface{}{
		&model.User{}, &model.Card{}, &model.Deck{}, &model.DeckCard{},
		&model.Room{}, &model.RoomPlayer{}, &model.Battle{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	bus := realtime.NewBus(rdb, config.RealtimeConfig{})
	decks := deck.NewService(db)
	battles := battle.NewService(db, rdb, decks)
	rooms := room.NewService(db, bus)
	cfg := config.MatchConfig{QueueTimeoutSec: 1800, ConfirmTimeoutSec: 60}

	return db, match.NewService(db, rdb, cfg, rooms, battles, bus), rdb, bus
}

func seedUser(t *testing.T, db *gorm.DB, name string) model.User {
	t.Helper()
	user := model.User{
		Username: fmt.Sprintf("%s_%s_%d", t.Name(), name, time.Now().UnixNano()),
		Nickname: name,
		Status:   "normal",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	return user
}

func seedActiveDeck(t *testing.T, db *gorm.DB, userID int64) {
	t.Helper()
	card := model.Card{Name: "Test Unit", Clan: "Test Clan", Grade: 1, Power: 7000}
	if err := db.Create(&card).Error; err != nil {
		t.Fatalf("seed card failed: %v", err)
	}
	d := model.Deck{UserID: userID, Name: "main", IsActive: true}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed deck failed: %v", err)
	}
	rows := []model.DeckCard{
		{DeckID: d.ID, CardID: card.ID, Zone: "main", Quantity: 4},
		{DeckID: d.ID, CardID: card.ID, Zone: "ride", Quantity: 1},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed deck cards failed: %v", err)
	}
}

func TestJoinQueuedThenPaired(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "alice")
	b := seedUser(t, db, "bob")

	first, err := svc.Join(ctx, a.ID)
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if first.Status != match.JoinStatusQueued {
		t.Fatalf("expected queued, got %s", first.Status)
	}

	second, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if second.Status != match.JoinStatusPaired {
		t.Fatalf("expected paired, got %s", second.Status)
	}
	if second.MatchID == "" {
		t.Fatal("paired result missing match id")
	}
	if len(second.MatchedUsers) != 2 || second.MatchedUsers[0].ID != a.ID || second.MatchedUsers[1].ID != b.ID {
		t.Fatalf("unexpected matched users: %+v", second.MatchedUsers)
	}
}

func TestJoinFIFO(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")
	c := seedUser(t, db, "c")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if paired.Status != match.JoinStatusPaired {
		t.Fatalf("expected a and b paired, got %s", paired.Status)
	}
	if paired.MatchedUsers[0].ID != a.ID || paired.MatchedUsers[1].ID != b.ID {
		t.Fatalf("pairing violated FIFO: %+v", paired.MatchedUsers)
	}

	third, err := svc.Join(ctx, c.ID)
	if err != nil {
		t.Fatalf("join c: %v", err)
	}
	if third.Status != match.JoinStatusQueued {
		t.Fatalf("expected c queued, got %s", third.Status)
	}
	status, err := svc.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("status c: %v", err)
	}
	if !status.InQueue || status.Position != 1 {
		t.Fatalf("expected c at position 1, got %+v", status)
	}
}

func TestJoinAlreadyQueued(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := svc.Join(ctx, a.ID); err != appErr.ErrAlreadyQueued {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
}

// recordingTransport collects events delivered through the bus so a
// test can watch what a connected player would have been pushed.
type recordingTransport struct {
	mu       sync.Mutex
	messages []map[string]interface{}
}

func (r *recordingTransport) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	r.mu.Lock()
	r.messages = append(r.messages, decoded)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.messages))
	for _, msg := range r.messages {
		if eventType, ok := msg["type"].(string); ok {
			types = append(types, eventType)
		}
	}
	return types
}

func (r *recordingTransport) sawEvent(eventType string) bool {
	for _, got := range r.eventTypes() {
		if got == eventType {
			return true
		}
	}
	return false
}

func TestConfirmBothCreateRoom(t *testing.T) {
	ctx := context.Background()
	db, svc, _, bus := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")
	connA := &recordingTransport{}
	connB := &recordingTransport{}
	bus.Register(a.ID, connA)
	bus.Register(b.ID, connB)
	seedActiveDeck(t, db, a.ID)
	seedActiveDeck(t, db, b.ID)

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	waiting, err := svc.Confirm(ctx, a.ID, paired.MatchID, true)
	if err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	if waiting.Status != match.ConfirmStatusWaiting {
		t.Fatalf("expected waiting, got %s", waiting.Status)
	}

	created, err := svc.Confirm(ctx, b.ID, paired.MatchID, true)
	if err != nil {
		t.Fatalf("confirm b: %v", err)
	}
	if created.Status != match.ConfirmStatusRoomCreated || created.RoomID == 0 {
		t.Fatalf("expected room_created, got %+v", created)
	}

	var players []model.RoomPlayer
	if err := db.Where("room_id = ?", created.RoomID).Order("player_order").Find(&players).Error; err != nil {
		t.Fatalf("load room players: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("expected 2 room players, got %d", len(players))
	}
	if players[0].UserID != a.ID || players[0].PlayerOrder != 1 {
		t.Fatalf("unexpected player 1: %+v", players[0])
	}
	if players[1].UserID != b.ID || players[1].PlayerOrder != 2 {
		t.Fatalf("unexpected player 2: %+v", players[1])
	}

	var roomRow model.Room
	if err := db.First(&roomRow, created.RoomID).Error; err != nil {
		t.Fatalf("load room: %v", err)
	}
	if roomRow.Status != "playing" {
		t.Fatalf("expected room in playing status, got %s", roomRow.Status)
	}

	for name, conn := range map[string]*recordingTransport{"a": connA, "b": connB} {
		if !conn.sawEvent(realtime.EventMatchSuccess) {
			t.Fatalf("player %s missing match_success push: %v", name, conn.eventTypes())
		}
		if !conn.sawEvent(realtime.EventGameLoading) {
			t.Fatalf("player %s missing game_loading push: %v", name, conn.eventTypes())
		}
	}

	// The match is consumed: a late confirm cannot create a second room.
	if _, err := svc.Confirm(ctx, a.ID, paired.MatchID, true); err != appErr.ErrMatchNotFound {
		t.Fatalf("expected ErrMatchNotFound after room creation, got %v", err)
	}
	var roomCount int64
	if err := db.Model(&model.Room{}).Count(&roomCount).Error; err != nil {
		t.Fatalf("count rooms: %v", err)
	}
	if roomCount != 1 {
		t.Fatalf("expected exactly 1 room, got %d", roomCount)
	}
}

func TestConfirmRepeatAcceptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	for i := 0; i < 2; i++ {
		result, err := svc.Confirm(ctx, a.ID, paired.MatchID, true)
		if err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
		if result.Status != match.ConfirmStatusWaiting {
			t.Fatalf("confirm %d: expected waiting, got %s", i, result.Status)
		}
	}

	var roomCount int64
	if err := db.Model(&model.Room{}).Count(&roomCount).Error; err != nil {
		t.Fatalf("count rooms: %v", err)
	}
	if roomCount != 0 {
		t.Fatalf("expected no rooms, got %d", roomCount)
	}
}

func TestRejectRequeuesSurvivorAtHead(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")
	c := seedUser(t, db, "c")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}
	if _, err := svc.Join(ctx, c.ID); err != nil {
		t.Fatalf("join c: %v", err)
	}

	if _, err := svc.Confirm(ctx, a.ID, paired.MatchID, true); err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	rejected, err := svc.Confirm(ctx, b.ID, paired.MatchID, false)
	if err != nil {
		t.Fatalf("confirm b: %v", err)
	}
	if rejected.Status != match.ConfirmStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	status, err := svc.Status(ctx, a.ID)
	if err != nil {
		t.Fatalf("status a: %v", err)
	}
	if !status.InQueue || status.Position != 1 {
		t.Fatalf("expected survivor at position 1, got %+v", status)
	}

	statusC, err := svc.Status(ctx, c.ID)
	if err != nil {
		t.Fatalf("status c: %v", err)
	}
	if !statusC.InQueue || statusC.Position != 2 {
		t.Fatalf("expected c pushed to position 2, got %+v", statusC)
	}
}

func TestConfirmUnknownMatch(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")

	if _, err := svc.Confirm(ctx, a.ID, "no-such-match", true); err != appErr.ErrMatchNotFound {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestConfirmWithoutActiveDeckAbortsRoom(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")
	// Only a has a deck; battle initialization must fail and roll the
	// room back.
	seedActiveDeck(t, db, a.ID)

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	if _, err := svc.Confirm(ctx, a.ID, paired.MatchID, true); err != nil {
		t.Fatalf("confirm a: %v", err)
	}
	if _, err := svc.Confirm(ctx, b.ID, paired.MatchID, true); err != appErr.ErrNoActiveDeck {
		t.Fatalf("expected ErrNoActiveDeck, got %v", err)
	}

	var roomCount int64
	if err := db.Model(&model.Room{}).Count(&roomCount).Error; err != nil {
		t.Fatalf("count rooms: %v", err)
	}
	if roomCount != 0 {
		t.Fatalf("expected aborted room to be removed, got %d rooms", roomCount)
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	removed, err := svc.Leave(ctx, a.ID)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !removed {
		t.Fatal("expected leave to report removal")
	}
	removed, err = svc.Leave(ctx, a.ID)
	if err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if removed {
		t.Fatal("expected second leave to report absence")
	}
}

func TestCancelForUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")

	if err := svc.CancelForUser(ctx, a.ID); err != nil {
		t.Fatalf("cancel of absent user should succeed, got %v", err)
	}
	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := svc.CancelForUser(ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	status, err := svc.Status(ctx, a.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.InQueue {
		t.Fatalf("expected user out of queue, got %+v", status)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	count, err := svc.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("fresh entry swept: %d", count)
	}

	count, err = svc.SweepExpired(ctx, time.Now().Add(31*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired entry, got %d", count)
	}
	status, err := svc.Status(ctx, a.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.InQueue {
		t.Fatalf("expected swept user out of queue, got %+v", status)
	}
}

func TestConcurrentJoinsNeverDoublePair(t *testing.T) {
	ctx := context.Background()
	db, svc, rdb, _ := newMatchService(t)

	users := make([]model.User, 4)
	for i := range users {
		users[i] = seedUser(t, db, fmt.Sprintf("u%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, u := range users {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if _, err := svc.Join(ctx, userID); err != nil {
				errs <- err
			}
		}(u.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent join failed: %v", err)
	}

	// Four joins pair off completely: an empty queue and two pending
	// matches with every user in exactly one of them.
	queueData, err := rdb.Get(ctx, "match_queue").Result()
	if err != nil {
		t.Fatalf("read queue doc: %v", err)
	}
	var queue []struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal([]byte(queueData), &queue); err != nil {
		t.Fatalf("decode queue doc: %v", err)
	}
	if len(queue) != 0 {
		t.Fatalf("expected empty queue, got %+v", queue)
	}

	pendingData, err := rdb.Get(ctx, "pending_matches").Result()
	if err != nil {
		t.Fatalf("read pending doc: %v", err)
	}
	var pending map[string]struct {
		Members [2]struct {
			UserID int64 `json:"user_id"`
		} `json:"members"`
	}
	if err := json.Unmarshal([]byte(pendingData), &pending); err != nil {
		t.Fatalf("decode pending doc: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending matches, got %d", len(pending))
	}

	seen := map[int64]int{}
	for _, m := range pending {
		for _, member := range m.Members {
			seen[member.UserID]++
		}
	}
	for _, u := range users {
		if seen[u.ID] != 1 {
			t.Fatalf("user %d appears in %d pending matches", u.ID, seen[u.ID])
		}
	}
}

func TestStatusPaired(t *testing.T) {
	ctx := context.Background()
	db, svc, _, _ := newMatchService(t)
	a := seedUser(t, db, "a")
	b := seedUser(t, db, "b")

	if _, err := svc.Join(ctx, a.ID); err != nil {
		t.Fatalf("join a: %v", err)
	}
	paired, err := svc.Join(ctx, b.ID)
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	status, err := svc.Status(ctx, a.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.InQueue {
		t.Fatal("paired user should not be reported as queued")
	}
	if status.MatchID != paired.MatchID {
		t.Fatalf("expected match id %s, got %s", paired.MatchID, status.MatchID)
	}
}
