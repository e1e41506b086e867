// Package event はイベントの作成・編集・削除と、終了後の遅延失効を提供する。
package event

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/rideboard/internal/metrics"
	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/policy"
	"github.com/hitoshi/rideboard/internal/repository"
)

const (
	maxNameLength     = 150
	maxLocationLength = 255
)

// Service はイベントライフサイクルのビジネスロジックを提供する。
type Service struct {
	store   repository.RideStore
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	grace   time.Duration
	now     func() time.Time
}

// NewService はServiceを生成する。graceが0以下の場合はDefaultGraceを使う。
func NewService(store repository.RideStore, m metrics.MetricsCollector, logger *slog.Logger, grace time.Duration) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Service{
		store:   store,
		metrics: m,
		logger:  logger,
		grace:   grace,
		now:     time.Now,
	}
}

// Create はイベントを作成し、同じトランザクションで「Need a Ride」車を追加する。
func (s *Service) Create(ctx context.Context, actor model.Actor, in model.EventInput) (*model.Event, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	event := &model.Event{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Location:  in.Location,
		StartTime: in.StartTime,
		EndTime:   in.EndTime,
		CreatorID: actor.ID,
		GroupID:   in.GroupID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sentinel := &model.Car{
		ID:            uuid.New().String(),
		EventID:       event.ID,
		DriverID:      model.SentinelDriverID,
		DriverName:    model.SentinelDriverName,
		MaxCapacity:   0,
		DepartureTime: in.StartTime,
		ReturnTime:    in.EndTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		if err := repo.CreateEvent(ctx, event); err != nil {
			return err
		}
		return repo.CreateCar(ctx, sentinel)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}

	s.logger.Info("イベントを作成しました",
		slog.String("event_id", event.ID),
		slog.String("creator_id", actor.ID),
	)
	return event, nil
}

// Edit はイベントを更新する。作成者のみ可能。
// 期限切れフラグは解除され、「Need a Ride」車の時刻も追随する。
func (s *Service) Edit(ctx context.Context, actor model.Actor, id string, in model.EventInput) (*model.Event, error) {
	if actor.ID == "" {
		return nil, model.NewUnauthorizedError()
	}
	in, err := normalizeInput(in)
	if err != nil {
		return nil, err
	}

	var event *model.Event
	err = s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		var err error
		event, err = repo.LockEvent(ctx, id)
		if err != nil {
			return err
		}
		if event == nil {
			return model.NewEventNotFoundError(id)
		}
		if !policy.CanEditEvent(event, actor) {
			return model.NewForbiddenError("イベントの編集")
		}

		event.Name = in.Name
		event.Location = in.Location
		event.StartTime = in.StartTime
		event.EndTime = in.EndTime
		event.GroupID = in.GroupID
		event.Expired = false
		event.UpdatedAt = s.now()
		if err := repo.UpdateEvent(ctx, event); err != nil {
			return err
		}
		return repo.UpdateSentinelTimes(ctx, event.ID, event.StartTime, event.EndTime)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// Delete はイベントを削除する。車と乗車記録も連鎖削除される。作成者のみ可能。
func (s *Service) Delete(ctx context.Context, actor model.Actor, id string) error {
	if actor.ID == "" {
		return model.NewUnauthorizedError()
	}
	err := s.store.WithinTx(ctx, func(repo repository.RideRepository) error {
		event, err := repo.LockEvent(ctx, id)
		if err != nil {
			return err
		}
		if event == nil {
			return model.NewEventNotFoundError(id)
		}
		if !policy.CanDeleteEvent(event, actor) {
			return model.NewForbiddenError("イベントの削除")
		}
		return repo.DeleteEvent(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("イベントを削除しました",
		slog.String("event_id", id),
		slog.String("actor_id", actor.ID),
	)
	return nil
}

// ListActive は有効なイベントを開始時刻の昇順で返す。
// groupIDがnilでない場合はそのグループのイベントに絞り込む。
func (s *Service) ListActive(ctx context.Context, groupID *string) ([]*model.Event, error) {
	if err := s.expirePass(ctx); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, repository.EventFilter{Expired: false, GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("failed to list active events: %w", err)
	}
	return events, nil
}

// ListExpired は期限切れのイベントを開始時刻の降順で返す。
func (s *Service) ListExpired(ctx context.Context, groupID *string) ([]*model.Event, error) {
	if err := s.expirePass(ctx); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, repository.EventFilter{Expired: true, GroupID: groupID, Descending: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired events: %w", err)
	}
	return events, nil
}

// Detail はイベントと車・ライダーを返す。
// 車は「Need a Ride」車が先頭、以降は作成順。
func (s *Service) Detail(ctx context.Context, id string) (*model.EventDetail, error) {
	event, err := s.store.FindEventByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	if event == nil {
		return nil, model.NewEventNotFoundError(id)
	}
	if !event.Expired && IsPastGrace(event, s.now(), s.grace) {
		expired, err := s.store.ExpireEventEndedBefore(ctx, event.ID, s.expireCutoff())
		if err != nil {
			return nil, fmt.Errorf("failed to expire event: %w", err)
		}
		if expired {
			s.metrics.RecordEventsExpired(1)
			event.Expired = true
		} else if event, err = s.store.FindEventByID(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to find event: %w", err)
		} else if event == nil {
			return nil, model.NewEventNotFoundError(id)
		}
	}

	cars, err := s.store.ListCarsByEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list cars: %w", err)
	}
	riders, err := s.store.ListRidersByEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list riders: %w", err)
	}

	byCar := make(map[string][]*model.Rider, len(cars))
	for _, r := range riders {
		byCar[r.CarID] = append(byCar[r.CarID], r)
	}

	detail := &model.EventDetail{Event: *event, Cars: make([]model.CarWithRiders, 0, len(cars))}
	for _, c := range cars {
		detail.Cars = append(detail.Cars, model.CarWithRiders{Car: *c, Riders: byCar[c.ID]})
	}
	return detail, nil
}

// EventIDsForUser はユーザーが運転または乗車しているイベントのID一覧を返す。
func (s *Service) EventIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.ListEventIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for user: %w", err)
	}
	return ids, nil
}

func normalizeInput(in model.EventInput) (model.EventInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Location = strings.TrimSpace(in.Location)
	if in.GroupID != nil && strings.TrimSpace(*in.GroupID) == "" {
		in.GroupID = nil
	}

	switch {
	case in.Name == "":
		return in, model.NewValidationError("イベント名を入力してください")
	case utf8.RuneCountInString(in.Name) > maxNameLength:
		return in, model.NewValidationError("イベント名が長すぎます")
	case utf8.RuneCountInString(in.Location) > maxLocationLength:
		return in, model.NewValidationError("場所が長すぎます")
	case in.StartTime.IsZero() || in.EndTime.IsZero():
		return in, model.NewValidationError("開始時刻と終了時刻を指定してください")
	case in.EndTime.Before(in.StartTime):
		return in, model.NewValidationError("終了時刻は開始時刻以降にしてください")
	}
	return in, nil
}
