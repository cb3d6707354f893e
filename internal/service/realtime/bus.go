package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Shared pub/sub channels. Every process subscribes to all three so an
// event reaches the process that owns the target socket no matter where
// it was published.
const (
	ChannelBroadcast  = "broadcast"
	ChannelPrivate    = "private"
	ChannelRoomUpdate = "room_update"
)

// Transport is the write side of one live connection. *websocket.Conn
// satisfies it; tests substitute their own.
type Transport interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is the per-process record for one authenticated connection.
type Conn struct {
	UserID          int64
	AuthenticatedAt time.Time

	transport    Transport
	writeMu      sync.Mutex
	lastActivity time.Time
}

func (c *Conn) Touch() {
	c.writeMu.Lock()
	c.lastActivity = time.Now()
	c.writeMu.Unlock()
}

func (c *Conn) writeRaw(msg json.RawMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(msg)
}

func (c *Conn) ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

type privateEnvelope struct {
	TargetUserID int64           `json:"target_user_id"`
	Message      json.RawMessage `json:"message"`
}

type broadcastEnvelope struct {
	Message       json.RawMessage `json:"message"`
	ExcludeUserID int64           `json:"exclude_user_id,omitempty"`
}

type roomUpdateEnvelope struct {
	RoomID      int64  `json:"room_id"`
	MessageType string `json:"message_type"`
}

// RoomResolver maps a room id to the user ids that should receive a
// room_update fan-out. Registered by the room service.
type RoomResolver func(ctx context.Context, roomID int64) []int64

// Bus owns this process's connection registry and bridges it to the
// shared pub/sub channels. Delivery is best effort, at most once per
// process: events for users with no live socket anywhere are dropped.
type Bus struct {
	rdb *redis.Client
	cfg config.RealtimeConfig

	mu          sync.RWMutex
	conns       map[int64]*Conn
	byTransport map[Transport]int64

	roomResolver RoomResolver

	startOnce sync.Once
}

func NewBus(rdb *redis.Client, cfg config.RealtimeConfig) *Bus {
	return &Bus{
		rdb:         rdb,
		cfg:         cfg,
		conns:       make(map[int64]*Conn),
		byTransport: make(map[Transport]int64),
	}
}

func (b *Bus) SetRoomResolver(r RoomResolver) {
	b.roomResolver = r
}

// Start launches the pub/sub consumer and the heartbeat sweeper.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		sub := b.rdb.Subscribe(ctx, ChannelBroadcast, ChannelPrivate, ChannelRoomUpdate)
		go b.consume(ctx, sub)
		go b.runHeartbeat(ctx)
	})
}

// Register records the connection for userID, replacing any prior one.
// Last connect wins: the replaced transport is closed.
func (b *Bus) Register(userID int64, transport Transport) *Conn {
	now := time.Now()
	conn := &Conn{
		UserID:          userID,
		AuthenticatedAt: now,
		transport:       transport,
		lastActivity:    now,
	}

	b.mu.Lock()
	if prev, ok := b.conns[userID]; ok {
		delete(b.byTransport, prev.transport)
		prev.transport.Close()
	}
	b.conns[userID] = conn
	b.byTransport[transport] = userID
	b.mu.Unlock()

	logger.Log.Info("realtime connection registered", zap.Int64("userID", userID))
	return conn
}

// Unregister removes the record owning transport and reports the freed
// user id. A transport displaced by a reconnect is already gone and
// yields ok=false.
func (b *Bus) Unregister(transport Transport) (int64, bool) {
	b.mu.Lock()
	userID, ok := b.byTransport[transport]
	if ok {
		delete(b.byTransport, transport)
		if conn, exists := b.conns[userID]; exists && conn.transport == transport {
			delete(b.conns, userID)
		}
	}
	b.mu.Unlock()

	if ok {
		logger.Log.Info("realtime connection unregistered", zap.Int64("userID", userID))
	}
	return userID, ok
}

// TouchUser refreshes the activity clock for userID's connection.
func (b *Bus) TouchUser(userID int64) {
	b.mu.RLock()
	conn, ok := b.conns[userID]
	b.mu.RUnlock()
	if ok {
		conn.Touch()
	}
}

// SendDirect delivers event to userID. A local socket gets it
// immediately; otherwise the event rides the private channel so the
// owning process can deliver it.
func (b *Bus) SendDirect(ctx context.Context, userID int64, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if b.deliverLocal(userID, raw) {
		return nil
	}

	envelope, err := json.Marshal(privateEnvelope{TargetUserID: userID, Message: raw})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelPrivate, envelope).Err()
}

// Broadcast publishes event on the broadcast channel. Every process,
// this one included, delivers to its local connections minus
// excludeUserID (0 excludes nobody).
func (b *Bus) Broadcast(ctx context.Context, event Event, excludeUserID int64) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(broadcastEnvelope{Message: raw, ExcludeUserID: excludeUserID})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelBroadcast, envelope).Err()
}

// PublishRoomUpdate notifies all processes that roomID changed; each
// delivers a typed event to the room's members it holds sockets for.
func (b *Bus) PublishRoomUpdate(ctx context.Context, roomID int64, messageType string) error {
	envelope, err := json.Marshal(roomUpdateEnvelope{RoomID: roomID, MessageType: messageType})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelRoomUpdate, envelope).Err()
}

func (b *Bus) deliverLocal(userID int64, raw json.RawMessage) bool {
	b.mu.RLock()
	conn, ok := b.conns[userID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.writeRaw(raw); err != nil {
		logger.Log.Info("realtime write failed", zap.Int64("userID", userID), zap.Error(err))
		return false
	}
	return true
}

func (b *Bus) localUserIDs() []int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int64, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bus) consume(ctx context.Context, sub *redis.PubSub) {
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case ChannelPrivate:
		var envelope privateEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			logger.Log.Warn("bad private envelope", zap.Error(err))
			return
		}
		b.deliverLocal(envelope.TargetUserID, envelope.Message)

	case ChannelBroadcast:
		var envelope broadcastEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			logger.Log.Warn("bad broadcast envelope", zap.Error(err))
			return
		}
		for _, userID := range b.localUserIDs() {
			if userID == envelope.ExcludeUserID {
				continue
			}
			b.deliverLocal(userID, envelope.Message)
		}

	case ChannelRoomUpdate:
		var envelope roomUpdateEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			logger.Log.Warn("bad room_update envelope", zap.Error(err))
			return
		}
		if b.roomResolver == nil {
			return
		}
		event := NewEvent(envelope.MessageType, map[string]interface{}{
			"room_id": envelope.RoomID,
		})
		raw, err := json.Marshal(event)
		if err != nil {
			return
		}
		for _, userID := range b.roomResolver(ctx, envelope.RoomID) {
			b.deliverLocal(userID, raw)
		}
	}
}

func (b *Bus) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.HeartbeatSweep()
		}
	}
}

// HeartbeatSweep probes every connection that has been silent longer
// than the heartbeat timeout. An answered ping counts as liveness and
// refreshes the activity clock; a failed one closes the connection.
func (b *Bus) HeartbeatSweep() int {
	timeout := b.cfg.HeartbeatTimeout()
	now := time.Now()

	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	closed := 0
	for _, conn := range conns {
		conn.writeMu.Lock()
		silent := now.Sub(conn.lastActivity)
		conn.writeMu.Unlock()

		if silent <= timeout {
			continue
		}
		if err := conn.ping(now.Add(5 * time.Second)); err != nil {
			logger.Log.Info("closing unreachable connection",
				zap.Int64("userID", conn.UserID),
				zap.Duration("silent", silent),
			)
			conn.transport.Close()
			b.Unregister(conn.transport)
			closed++
			continue
		}
		conn.Touch()
	}
	return closed
}
