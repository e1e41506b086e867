// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はログイン時のプロフィールでユーザーを作成または更新する。
	// 既に登録済みの連絡先（chat_handle, email）は空でない限り上書きしない。
	Upsert(ctx context.Context, user *model.User) error

	// UpdateContact はユーザーの通知用連絡先を更新する。
	UpdateContact(ctx context.Context, id, chatHandle, email string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// EventFilter はイベント一覧の絞り込み条件。
type EventFilter struct {
	Expired bool
	// GroupIDがnilの場合はグループで絞り込まない。
	GroupID *string
	// Descendingがtrueの場合はstart_time降順で返す。
	Descending bool
}

// RideRepository はイベント・車・ライダーの永続化インターフェース。
// トランザクション内外のどちらでも同じ操作を提供する。
type RideRepository interface {
	// CreateEvent はイベントを作成する。
	CreateEvent(ctx context.Context, event *model.Event) error
	// FindEventByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindEventByID(ctx context.Context, id string) (*model.Event, error)
	// LockEvent はイベント行をSELECT ... FOR UPDATEで取得する。
	// 同一イベント内の座席操作を直列化するために使う。見つからない場合はnilを返す。
	LockEvent(ctx context.Context, id string) (*model.Event, error)
	// UpdateEvent はイベントの属性とexpiredフラグを更新する。
	UpdateEvent(ctx context.Context, event *model.Event) error
	// DeleteEvent はイベントを削除する。車とライダーはCASCADE削除される。
	DeleteEvent(ctx context.Context, id string) error
	// ListEvents は条件に一致するイベントをstart_time順で返す。
	ListEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error)
	// ExpireEventEndedBefore は指定イベントのend_timeがcutoffより前の場合のみ失効させる。
	// 失効させた場合にtrueを返す。
	ExpireEventEndedBefore(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// ExpireEndedBefore はend_timeがcutoffより前の未失効イベントを一括で失効させ、件数を返す。
	ExpireEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateCar は車を作成する。同一イベント・同一ドライバーの車が既にある場合は
	// CAR_ALREADY_OFFEREDのAPIErrorを返す。
	CreateCar(ctx context.Context, car *model.Car) error
	// FindCarByID は指定IDの車を取得する。見つからない場合はnilを返す。
	FindCarByID(ctx context.Context, id string) (*model.Car, error)
	// FindSentinelCar はイベントの「Need a Ride」車を取得する。見つからない場合はnilを返す。
	FindSentinelCar(ctx context.Context, eventID string) (*model.Car, error)
	// FindCarByDriver はイベント内で指定ユーザーが運転する車を取得する。見つからない場合はnilを返す。
	FindCarByDriver(ctx context.Context, eventID, driverID string) (*model.Car, error)
	// ListCarsByEvent はイベントの車一覧を「Need a Ride」車を先頭に作成順で返す。
	ListCarsByEvent(ctx context.Context, eventID string) ([]*model.Car, error)
	// UpdateCar は車の定員・時刻・コメントを更新する。
	UpdateCar(ctx context.Context, car *model.Car) error
	// UpdateSentinelTimes はイベントの「Need a Ride」車の出発・帰着時刻を更新する。
	UpdateSentinelTimes(ctx context.Context, eventID string, departure, ret time.Time) error
	// AdjustOccupancy は車のcurrent_capacityをdeltaだけ増減する。
	AdjustOccupancy(ctx context.Context, carID string, delta int) error
	// DeleteCar は車を削除する。ライダーはCASCADE削除される。
	DeleteCar(ctx context.Context, id string) error

	// CreateRider はライダーを作成する。
	CreateRider(ctx context.Context, rider *model.Rider) error
	// FindRider は車とユーザーでライダーを取得する。見つからない場合はnilを返す。
	FindRider(ctx context.Context, carID, userID string) (*model.Rider, error)
	// FindRiderInEvent はイベント内の任意の車に乗車しているライダーを取得する。
	// 見つからない場合はnilを返す。
	FindRiderInEvent(ctx context.Context, eventID, userID string) (*model.Rider, error)
	// ListRidersByCar は車のライダー一覧を参加順で返す。
	ListRidersByCar(ctx context.Context, carID string) ([]*model.Rider, error)
	// ListRidersByEvent はイベント内の全ライダーを返す。
	ListRidersByEvent(ctx context.Context, eventID string) ([]*model.Rider, error)
	// DeleteRider はライダーを削除する。
	DeleteRider(ctx context.Context, id string) error

	// ListEventIDsForUser はユーザーが運転または乗車しているイベントIDを返す。
	ListEventIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// RideTransactor はRideRepositoryの操作を1トランザクションで実行する。
// fnがエラーを返した場合はロールバックし、そのエラーを返す。
type RideTransactor interface {
	WithinTx(ctx context.Context, fn func(repo RideRepository) error) error
}

// RideStore は非トランザクション操作とトランザクション実行の両方を提供する。
type RideStore interface {
	RideRepository
	RideTransactor
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
