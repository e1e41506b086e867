// Package model はドメインモデルを定義する。
package model

import "time"

const (
	// SentinelDriverID は「Need a Ride」車のドライバーを表す予約済みID。
	// 実ユーザーのIDは必ず名前空間付き（"csh:..." 等）なので衝突しない。
	SentinelDriverID = "∞"
	// SentinelDriverName は「Need a Ride」車の表示名。
	SentinelDriverName = "Need a Ride"
)

// Event は相乗りの対象となるイベントを表す。
type Event struct {
	ID        string
	Name      string
	Location  string
	StartTime time.Time
	EndTime   time.Time
	CreatorID string
	Expired   bool
	GroupID   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Car はイベントに紐づく座席プールを表す。
// MaxCapacityが0の場合は上限なし。
type Car struct {
	ID              string
	EventID         string
	DriverID        string
	DriverName      string
	CurrentCapacity int
	MaxCapacity     int
	DepartureTime   time.Time
	ReturnTime      time.Time
	Comment         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsSentinel は「Need a Ride」車かどうかを返す。
func (c *Car) IsSentinel() bool {
	return c.DriverID == SentinelDriverID
}

// Unlimited は定員上限がないかどうかを返す。
func (c *Car) Unlimited() bool {
	return c.MaxCapacity == 0
}

// HasRoom は空席があるかどうかを返す。
func (c *Car) HasRoom() bool {
	return c.Unlimited() || c.CurrentCapacity < c.MaxCapacity
}

// Rider は車の座席占有記録を表す。
// 通知用に参加時点の連絡先を保持する。
type Rider struct {
	ID         string
	CarID      string
	UserID     string
	Name       string
	ChatHandle string
	Email      string
	CreatedAt  time.Time
}

// CarWithRiders は車と乗車中のライダー一覧を結合したモデル。
type CarWithRiders struct {
	Car
	Riders []*Rider
}

// EventDetail はイベントと車・ライダーを結合した読み取りモデル。
// Carsは「Need a Ride」車が先頭、以降は作成順。
type EventDetail struct {
	Event
	Cars []CarWithRiders
}

// EventInput はイベント作成・編集の入力値。
type EventInput struct {
	Name      string
	Location  string
	StartTime time.Time
	EndTime   time.Time
	GroupID   *string
}

// CarInput は車の提供・編集の入力値。
type CarInput struct {
	MaxCapacity   int
	DepartureTime time.Time
	ReturnTime    time.Time
	Comment       string
}
