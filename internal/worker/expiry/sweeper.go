// Package expiry は終了済みイベントを定期的に期限切れにするワーカーを提供する。
// 一覧取得時の遅延失効と同じ境界（終了時刻+猶予を過ぎたもの）を使う。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/rideboard/internal/event"
	"github.com/hitoshi/rideboard/internal/metrics"
)

// EventExpirer は終了時刻による一括失効を行うストア。
type EventExpirer interface {
	ExpireEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper は一定間隔でイベントの失効処理を実行する。
type Sweeper struct {
	store   EventExpirer
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	grace   time.Duration
	now     func() time.Time
}

// NewSweeper はSweeperを生成する。graceが0以下の場合はevent.DefaultGraceを使う。
func NewSweeper(store EventExpirer, m metrics.MetricsCollector, logger *slog.Logger, grace time.Duration) *Sweeper {
	if m == nil {
		m = metrics.Nop{}
	}
	if grace <= 0 {
		grace = event.DefaultGrace
	}
	return &Sweeper{
		store:   store,
		metrics: m,
		logger:  logger,
		grace:   grace,
		now:     time.Now,
	}
}

// Start はintervalごとにRunOnceを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまでブロックする。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("失効スイーパーを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace", s.grace),
	)

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("失効スイーパーを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("失効スイープに失敗しました", slog.String("error", err.Error()))
	}
}

// RunOnce は終了時刻+猶予を過ぎた未失効イベントを期限切れにし、件数を返す。
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := s.now().Add(-s.grace)

	n, err := s.store.ExpireEndedBefore(ctx, cutoff)
	s.metrics.RecordSweepLatency(time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to expire events: %w", err)
	}

	if n > 0 {
		s.metrics.RecordEventsExpired(int(n))
	}
	s.logger.Info("失効スイープが完了しました",
		slog.Int64("expired_count", n),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return n, nil
}
