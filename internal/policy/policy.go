// Package policy はイベント・車・乗車記録に対する操作権限の判定を提供する。
// すべて副作用のない純粋関数で、判定に失敗した呼び出し元はFORBIDDENを返す。
package policy

import "github.com/hitoshi/rideboard/internal/model"

// CanEditEvent はイベント作成者のみ編集できる。
func CanEditEvent(event *model.Event, actor model.Actor) bool {
	return event != nil && actor.ID != "" && event.CreatorID == actor.ID
}

// CanDeleteEvent はCanEditEventと同じ条件。
func CanDeleteEvent(event *model.Event, actor model.Actor) bool {
	return CanEditEvent(event, actor)
}

// CanEditCar は車のドライバーのみ編集できる。
// 「Need a Ride」車のドライバーは実在しないため誰も編集できない。
func CanEditCar(car *model.Car, actor model.Actor) bool {
	return car != nil && actor.ID != "" && !car.IsSentinel() && car.DriverID == actor.ID
}

// CanDeleteCar はCanEditCarと同じ条件。
func CanDeleteCar(car *model.Car, actor model.Actor) bool {
	return CanEditCar(car, actor)
}

// CanJoin は認証済みであれば常に許可する。定員と重複の判定は台帳側で行う。
func CanJoin(car *model.Car, actor model.Actor) bool {
	return car != nil && actor.ID != ""
}

// CanLeave は乗車している本人のみ降車できる。
func CanLeave(rider *model.Rider, actor model.Actor) bool {
	return rider != nil && actor.ID != "" && rider.UserID == actor.ID
}
