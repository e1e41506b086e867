// Package ledger は車の座席台帳（乗車・降車・車の提供・乗り換え）を提供する。
// 各操作はイベント行をロックした1トランザクション内で検証と書き込みを行い、
// 通知はコミット成功後にのみ送る。
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/rideboard/internal/metrics"
	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/notify"
	"github.com/hitoshi/rideboard/internal/policy"
	"github.com/hitoshi/rideboard/internal/repository"
)

// maxCommentLength はドライバーコメントの最大文字数。
const maxCommentLength = 1000

// OpeningNotifier は空席通知のインターフェース。
type OpeningNotifier interface {
	NotifyOpening(ctx context.Context, eventID, driverName, carID string) notify.Summary
}

// DriverPinger はドライバーへの乗車・降車通知のインターフェース。
type DriverPinger interface {
	RiderJoined(ctx context.Context, driverID string, rider model.Actor, eventName string)
	RiderLeft(ctx context.Context, driverID string, rider model.Actor, eventName string)
}

// Service は座席台帳のビジネスロジックを提供する。
type Service struct {
	store    repository.RideStore
	notifier OpeningNotifier
	pinger   DriverPinger
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。pingerとmetricsはnil可。
func NewService(store repository.RideStore, notifier OpeningNotifier, pinger DriverPinger, m metrics.MetricsCollector, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	if pinger == nil {
		pinger = nopPinger{}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		pinger:   pinger,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

type nopPinger struct{}

func (nopPinger) RiderJoined(context.Context, string, model.Actor, string) {}
func (nopPinger) RiderLeft(context.Context, string, model.Actor, string)   {}

// Join はactorを指定車に乗車させる。
// 同一イベント内で既に運転・乗車している場合はALREADY_IN_EVENT、
// 満席の場合はCAPACITY_EXCEEDEDを返す（重複判定が先）。
func (s *Service) Join(ctx context.Context, actor model.Actor, carID string) (*model.Rider, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}

	var (
		rider *model.Rider
		car   *model.Car
		event *model.Event
	)
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		var err error
		car, event, err = s.lockCar(ctx, repo, carID)
		if err != nil {
			return err
		}
		rider, err = s.joinLocked(ctx, repo, actor, event, car)
		return err
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}

	s.metrics.RecordSeatJoined()
	s.logger.Info("乗車しました",
		slog.String("user_id", actor.ID),
		slog.String("car_id", car.ID),
		slog.String("event_id", event.ID),
	)
	if !car.IsSentinel() {
		s.pinger.RiderJoined(context.WithoutCancel(ctx), car.DriverID, actor, event.Name)
	}
	return rider, nil
}

// Leave はriderUserIDの乗車記録を指定車から削除する。
// 本人以外はFORBIDDEN。実車から降りた場合は待機者へ空席通知を送る。
func (s *Service) Leave(ctx context.Context, actor model.Actor, carID, riderUserID string) error {
	if actor.ID == "" {
		return model.NewUnauthorizedError()
	}

	var (
		car   *model.Car
		event *model.Event
	)
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		var err error
		car, event, err = s.lockCar(ctx, repo, carID)
		if err != nil {
			return err
		}
		return s.leaveLocked(ctx, repo, actor, car, riderUserID)
	})
	if err != nil {
		s.reject(err)
		return err
	}

	s.afterLeave(ctx, actor, event, car)
	return nil
}

// CreateCar はactorをドライバーとする車をイベントに追加する。
// 作成後は新しい座席として待機者へ通知する。
func (s *Service) CreateCar(ctx context.Context, actor model.Actor, eventID string, in model.CarInput) (*model.Car, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if err := validateCarInput(in); err != nil {
		s.reject(err)
		return nil, err
	}

	now := s.now()
	car := &model.Car{
		ID:              uuid.New().String(),
		EventID:         eventID,
		DriverID:        actor.ID,
		DriverName:      actor.Name,
		CurrentCapacity: 0,
		MaxCapacity:     in.MaxCapacity,
		DepartureTime:   in.DepartureTime,
		ReturnTime:      in.ReturnTime,
		Comment:         in.Comment,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		event, err := repo.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return model.NewEventNotFoundError(eventID)
		}
		if err := s.checkNotInEvent(ctx, repo, event.ID, actor.ID, true); err != nil {
			return err
		}
		return repo.CreateCar(ctx, car)
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}

	s.metrics.RecordCarCreated()
	s.logger.Info("車が提供されました",
		slog.String("driver_id", actor.ID),
		slog.String("car_id", car.ID),
		slog.String("event_id", eventID),
		slog.Int("max_capacity", car.MaxCapacity),
	)
	s.notifier.NotifyOpening(ctx, eventID, car.DriverName, car.ID)
	return car, nil
}

// EditCar は車の定員・時刻・コメントを更新する。ドライバー本人のみ可能。
// 新しい定員は0（無制限）か現在の乗車人数以上でなければならない。
// 定員が増えた場合は待機者へ通知する。
func (s *Service) EditCar(ctx context.Context, actor model.Actor, carID string, in model.CarInput) (*model.Car, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if err := validateCarInput(in); err != nil {
		s.reject(err)
		return nil, err
	}

	var (
		car    *model.Car
		opened bool
	)
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		var err error
		car, _, err = s.lockCar(ctx, repo, carID)
		if err != nil {
			return err
		}
		if !policy.CanEditCar(car, actor) {
			return model.NewForbiddenError("車の編集")
		}
		if in.MaxCapacity != 0 && in.MaxCapacity < car.CurrentCapacity {
			return model.NewValidationError("定員は現在の乗車人数以上にしてください")
		}

		opened = !car.Unlimited() && (in.MaxCapacity == 0 || in.MaxCapacity > car.MaxCapacity)
		car.MaxCapacity = in.MaxCapacity
		car.DepartureTime = in.DepartureTime
		car.ReturnTime = in.ReturnTime
		car.Comment = in.Comment
		car.UpdatedAt = s.now()
		return repo.UpdateCar(ctx, car)
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}

	if opened {
		s.notifier.NotifyOpening(ctx, car.EventID, car.DriverName, car.ID)
	}
	return car, nil
}

// DeleteCar は車を削除する。ドライバー本人のみ可能。
// 乗車していたライダーは「Need a Ride」車に移さず、乗車記録ごと削除する。
func (s *Service) DeleteCar(ctx context.Context, actor model.Actor, carID string) error {
	if actor.ID == "" {
		return model.NewUnauthorizedError()
	}

	var displaced int
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		car, _, err := s.lockCar(ctx, repo, carID)
		if err != nil {
			return err
		}
		if !policy.CanDeleteCar(car, actor) {
			return model.NewForbiddenError("車の削除")
		}
		riders, err := repo.ListRidersByCar(ctx, car.ID)
		if err != nil {
			return err
		}
		displaced = len(riders)
		return repo.DeleteCar(ctx, car.ID)
	})
	if err != nil {
		s.reject(err)
		return err
	}

	s.logger.Info("車が削除されました",
		slog.String("driver_id", actor.ID),
		slog.String("car_id", carID),
		slog.Int("displaced_riders", displaced),
	)
	return nil
}

// Transfer はuserIDをfrom車から降ろしてto車に乗せる。空席通知の承諾リンクから使う。
// 降車と乗車は1トランザクションで行うが、乗車が重複・満席で拒否された場合も
// 降車は確定し、乗車側のエラーを返す（結果として座席を失う）。
func (s *Service) Transfer(ctx context.Context, actor model.Actor, fromCarID, toCarID, userID string) (*model.Rider, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}

	var (
		rider    *model.Rider
		from, to *model.Car
		event    *model.Event
		joinErr  error
	)
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		var err error
		from, event, err = s.lockCar(ctx, repo, fromCarID)
		if err != nil {
			return err
		}
		to, err = repo.FindCarByID(ctx, toCarID)
		if err != nil {
			return err
		}
		if to == nil {
			return model.NewCarNotFoundError(toCarID)
		}
		if to.EventID != from.EventID {
			return model.NewValidationError("乗り換え先の車が別のイベントに属しています")
		}

		if err := s.leaveLocked(ctx, repo, actor, from, userID); err != nil {
			return err
		}

		rider, joinErr = s.joinLocked(ctx, repo, actor, event, to)
		var apiErr *model.APIError
		if joinErr != nil && !errors.As(joinErr, &apiErr) {
			return joinErr
		}
		return nil
	})
	if err != nil {
		s.reject(err)
		return nil, err
	}

	s.afterLeave(ctx, actor, event, from)
	if joinErr != nil {
		s.reject(joinErr)
		s.logger.Warn("乗り換え先への乗車が拒否されたため座席を失いました",
			slog.String("user_id", userID),
			slog.String("from_car_id", fromCarID),
			slog.String("to_car_id", toCarID),
			slog.String("error", joinErr.Error()),
		)
		return nil, joinErr
	}

	s.metrics.RecordSeatJoined()
	if !to.IsSentinel() {
		s.pinger.RiderJoined(context.WithoutCancel(ctx), to.DriverID, actor, event.Name)
	}
	return rider, nil
}

// lockCar は車を取得し、所属イベントの行をロックしてから車を読み直す。
func (s *Service) lockCar(ctx context.Context, repo repository.RideRepository, carID string) (*model.Car, *model.Event, error) {
	car, err := repo.FindCarByID(ctx, carID)
	if err != nil {
		return nil, nil, err
	}
	if car == nil {
		return nil, nil, model.NewCarNotFoundError(carID)
	}

	event, err := repo.LockEvent(ctx, car.EventID)
	if err != nil {
		return nil, nil, err
	}
	if event == nil {
		return nil, nil, model.NewEventNotFoundError(car.EventID)
	}

	// ロック取得までに削除・更新されている可能性がある
	car, err = repo.FindCarByID(ctx, carID)
	if err != nil {
		return nil, nil, err
	}
	if car == nil {
		return nil, nil, model.NewCarNotFoundError(carID)
	}
	return car, event, nil
}

// joinLocked はイベントロック取得済みの状態で乗車処理を行う。
func (s *Service) joinLocked(ctx context.Context, repo repository.RideRepository, actor model.Actor, event *model.Event, car *model.Car) (*model.Rider, error) {
	if !policy.CanJoin(car, actor) {
		return nil, model.NewForbiddenError("乗車")
	}
	if err := s.checkNotInEvent(ctx, repo, event.ID, actor.ID, false); err != nil {
		return nil, err
	}
	if !car.HasRoom() {
		return nil, model.NewCapacityExceededError(car.ID)
	}

	rider := &model.Rider{
		ID:         uuid.New().String(),
		CarID:      car.ID,
		UserID:     actor.ID,
		Name:       actor.Name,
		ChatHandle: actor.ChatHandle,
		Email:      actor.Email,
		CreatedAt:  s.now(),
	}
	if err := repo.CreateRider(ctx, rider); err != nil {
		return nil, err
	}
	if err := repo.AdjustOccupancy(ctx, car.ID, 1); err != nil {
		return nil, err
	}
	car.CurrentCapacity++
	return rider, nil
}

// leaveLocked はイベントロック取得済みの状態で降車処理を行う。
func (s *Service) leaveLocked(ctx context.Context, repo repository.RideRepository, actor model.Actor, car *model.Car, riderUserID string) error {
	rider, err := repo.FindRider(ctx, car.ID, riderUserID)
	if err != nil {
		return err
	}
	if rider == nil {
		return model.NewRiderNotFoundError(car.ID)
	}
	if !policy.CanLeave(rider, actor) {
		return model.NewForbiddenError("降車")
	}
	if err := repo.DeleteRider(ctx, rider.ID); err != nil {
		return err
	}
	if err := repo.AdjustOccupancy(ctx, car.ID, -1); err != nil {
		return err
	}
	car.CurrentCapacity--
	return nil
}

// checkNotInEvent はuserIDがイベント内で運転も乗車もしていないことを確認する。
// offeringがtrueの場合、既に車を提供しているときはCAR_ALREADY_OFFEREDを返す。
func (s *Service) checkNotInEvent(ctx context.Context, repo repository.RideRepository, eventID, userID string, offering bool) error {
	driven, err := repo.FindCarByDriver(ctx, eventID, userID)
	if err != nil {
		return err
	}
	if driven != nil {
		if offering {
			return model.NewCarAlreadyOfferedError()
		}
		return model.NewAlreadyInEventError()
	}

	seated, err := repo.FindRiderInEvent(ctx, eventID, userID)
	if err != nil {
		return err
	}
	if seated != nil {
		return model.NewAlreadyInEventError()
	}
	return nil
}

// afterLeave はコミット後の降車通知を行う。
func (s *Service) afterLeave(ctx context.Context, actor model.Actor, event *model.Event, car *model.Car) {
	s.metrics.RecordSeatLeft()
	s.logger.Info("降車しました",
		slog.String("user_id", actor.ID),
		slog.String("car_id", car.ID),
		slog.String("event_id", event.ID),
	)
	if car.IsSentinel() {
		return
	}
	s.notifier.NotifyOpening(ctx, event.ID, car.DriverName, car.ID)
	s.pinger.RiderLeft(context.WithoutCancel(ctx), car.DriverID, actor, event.Name)
}

// reject はドメインエラーをメトリクスに記録する。
func (s *Service) reject(err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		s.metrics.RecordRejection(apiErr.Code)
		return
	}
	s.logger.Error("座席台帳の操作に失敗しました", slog.String("error", err.Error()))
}

func validateCarInput(in model.CarInput) error {
	if in.MaxCapacity < 0 {
		return model.NewValidationError("定員は0以上の整数で指定してください")
	}
	if in.DepartureTime.IsZero() || in.ReturnTime.IsZero() {
		return model.NewValidationError("出発時刻と帰着時刻を指定してください")
	}
	if in.ReturnTime.Before(in.DepartureTime) {
		return model.NewValidationError("帰着時刻は出発時刻以降にしてください")
	}
	if utf8.RuneCountInString(in.Comment) > maxCommentLength {
		return model.NewValidationError("コメントが長すぎます")
	}
	return nil
}
