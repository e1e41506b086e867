package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// DefaultGrace は終了時刻から期限切れ扱いになるまでの猶予。
const DefaultGrace = time.Hour

// IsPastGrace はイベントが終了時刻+猶予を過ぎているかを返す。
// ちょうど境界の時刻ではまだ期限切れではない。
func IsPastGrace(e *model.Event, now time.Time, grace time.Duration) bool {
	return now.After(e.EndTime.Add(grace))
}

// expireCutoff は終了時刻がこれより前なら期限切れとなる時刻を返す。
// IsPastGraceと同じ境界になる。
func (s *Service) expireCutoff() time.Time {
	return s.now().Add(-s.grace)
}

// expirePass は猶予を過ぎた有効イベントに期限切れフラグを立てる。
// 一覧取得の直前に呼び出し、同じ呼び出しの中でフィルタに反映させる。
// 判定はストアの1回の更新で行い、並行する編集で延長された終了時刻を上書きしない。
func (s *Service) expirePass(ctx context.Context) error {
	n, err := s.store.ExpireEndedBefore(ctx, s.expireCutoff())
	if err != nil {
		return fmt.Errorf("failed to expire events: %w", err)
	}
	if n == 0 {
		return nil
	}
	s.metrics.RecordEventsExpired(int(n))
	s.logger.Info("イベントを期限切れにしました", slog.Int64("count", n))
	return nil
}
