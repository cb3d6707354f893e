package match

import (
	"context"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Start launches the background sweeper: stale queue entries and
// pending matches whose confirmation window has lapsed.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go s.runSweeper(ctx)
	})
	return nil
}

func (s *Service) runSweeper(ctx context.Context) {
	logger.Log.Info("match sweeper started",
		zap.Duration("queueTimeout", s.cfg.QueueTimeout()),
		zap.Duration("confirmTimeout", s.cfg.ConfirmTimeout()),
	)

	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("match sweeper stopped")
			return
		case <-ticker.C:
			now := time.Now()
			if _, err := s.SweepExpired(ctx, now); err != nil {
				logger.Log.Warn("queue sweep error", zap.Error(err))
			}
			if err := s.sweepPendingMatches(ctx, now); err != nil {
				logger.Log.Warn("pending match sweep error", zap.Error(err))
			}
		}
	}
}

// sweepPendingMatches discards pending matches older than the confirm
// timeout. Members who had accepted go back to the head of the queue
// (silence counts as neither accept nor reject); everyone involved gets
// a match_timeout push.
func (s *Service) sweepPendingMatches(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.ConfirmTimeout())

	var timedOut []PendingMatch
	err := s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := s.loadQueue(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := s.loadPending(ctx, tx)
		if err != nil {
			return err
		}

		timedOut = timedOut[:0]
		for matchID, m := range pending {
			if !m.CreatedAt.Before(cutoff) {
				continue
			}
			delete(pending, matchID)
			timedOut = append(timedOut, m)

			// Requeue accepters in pairing order, ahead of new joiners.
			for i := len(m.Members) - 1; i >= 0; i-- {
				member := m.Members[i]
				if m.Confirmations[member.UserID] {
					queue = append([]QueueEntry{member}, queue...)
				}
			}
		}
		if len(timedOut) == 0 {
			return nil
		}
		return s.storeDocs(ctx, tx, queue, pending)
	})
	if err != nil {
		return err
	}

	for _, m := range timedOut {
		payload := map[string]interface{}{"match_id": m.MatchID}
		for _, member := range m.Members {
			s.bus.SendDirect(ctx, member.UserID, realtime.NewEvent(realtime.EventMatchTimeout, payload))
		}
		logger.Log.Info("pending match timed out", zap.String("matchID", m.MatchID))
	}
	return nil
}
