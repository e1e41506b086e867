package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/rideboard/internal/metrics"
	"github.com/hitoshi/rideboard/internal/model"
)

// Channel は通知チャネルのインターフェース。
// 受信者が宛先を持たない場合はErrNoAddressを返す。
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// RideReader は通知先の解決に必要な読み取り操作。
type RideReader interface {
	FindEventByID(ctx context.Context, id string) (*model.Event, error)
	FindSentinelCar(ctx context.Context, eventID string) (*model.Car, error)
	ListRidersByCar(ctx context.Context, carID string) ([]*model.Rider, error)
}

// AcceptLinker は承諾リンクを生成する。
type AcceptLinker interface {
	AcceptURL(fromCarID, toCarID, userID string) string
}

// Summary は1回の空席通知の結果。
type Summary struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Dispatcher は空席が出たときに「Need a Ride」車の待機者へ通知する。
// 通知はベストエフォートで、失敗してもエラーは返さずログとメトリクスに残す。
type Dispatcher struct {
	rides    RideReader
	links    AcceptLinker
	channels []Channel
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher はDispatcherを生成する。channelsは試行順に並べる。
// timeoutは1チャネル1受信者あたりの送信上限で、0以下の場合は10秒。
func NewDispatcher(rides RideReader, links AcceptLinker, m metrics.MetricsCollector, logger *slog.Logger, timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		rides:    rides,
		links:    links,
		channels: channels,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
	}
}

// NotifyOpening はイベントの「Need a Ride」車に待機している全員へ、
// carIDの車に空きが出たことを知らせる。
// 呼び出し元のキャンセルは引き継がない（コミット済みの空席に対する通知のため）。
func (d *Dispatcher) NotifyOpening(ctx context.Context, eventID, driverName, carID string) Summary {
	ctx = context.WithoutCancel(ctx)
	var summary Summary

	event, err := d.rides.FindEventByID(ctx, eventID)
	if err != nil || event == nil {
		d.logger.Error("通知対象イベントの取得に失敗しました",
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
		return summary
	}

	sentinel, err := d.rides.FindSentinelCar(ctx, eventID)
	if err != nil || sentinel == nil {
		d.logger.Error("Need a Ride車の取得に失敗しました",
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
		return summary
	}
	if sentinel.ID == carID {
		return summary
	}

	waiting, err := d.rides.ListRidersByCar(ctx, sentinel.ID)
	if err != nil {
		d.logger.Error("待機者一覧の取得に失敗しました",
			slog.String("car_id", sentinel.ID),
			slog.String("error", err.Error()),
		)
		return summary
	}

	for _, rider := range waiting {
		summary.Recipients++
		msg := Message{
			RecipientName:   rider.Name,
			RecipientHandle: rider.ChatHandle,
			RecipientEmail:  rider.Email,
			EventName:       event.Name,
			DriverName:      driverName,
			AcceptURL:       d.links.AcceptURL(sentinel.ID, carID, rider.UserID),
		}
		if d.deliver(ctx, rider, msg) {
			summary.Delivered++
		} else {
			summary.Failed++
		}
	}

	d.logger.Info("空席通知を送信しました",
		slog.String("event_id", eventID),
		slog.String("car_id", carID),
		slog.Int("recipients", summary.Recipients),
		slog.Int("delivered", summary.Delivered),
		slog.Int("failed", summary.Failed),
	)
	return summary
}

// deliver はチャネルを順に試し、いずれかで送信できればtrueを返す。
func (d *Dispatcher) deliver(ctx context.Context, rider *model.Rider, msg Message) bool {
	for _, ch := range d.channels {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := ch.Send(sendCtx, msg)
		cancel()

		if err == nil {
			d.metrics.RecordNotification(ch.Name(), "sent")
			return true
		}
		if errors.Is(err, ErrNoAddress) {
			d.metrics.RecordNotification(ch.Name(), "skipped")
			continue
		}

		d.metrics.RecordNotification(ch.Name(), "failed")
		apiErr := model.NewNotificationDeliveryFailedError(ch.Name(), err.Error())
		d.logger.Warn(apiErr.Message,
			slog.String("code", apiErr.Code),
			slog.String("channel", ch.Name()),
			slog.String("user_id", rider.UserID),
		)
	}

	d.logger.Error("すべてのチャネルで空席通知の送信に失敗しました",
		slog.String("code", model.ErrCodeNotificationDeliveryFailed),
		slog.String("user_id", rider.UserID),
		slog.String("car_id", rider.CarID),
	)
	return false
}
