// Package notify は空席通知の配信を提供する。
// チャットを一次チャネル、メールをフォールバックとして順に試行する。
package notify

import (
	"errors"
	"fmt"
)

// ErrNoAddress は受信者がそのチャネルの宛先を持っていないことを示す。
// ディスパッチャは失敗ではなくスキップとして扱い、次のチャネルに進む。
var ErrNoAddress = errors.New("recipient has no address for channel")

// Message は空席通知1件分のペイロード。
type Message struct {
	RecipientName   string
	RecipientHandle string
	RecipientEmail  string
	EventName       string
	DriverName      string
	AcceptURL       string
}

// Text はチャット・メール本文共通のプレーンテキストを返す。
func (m Message) Text() string {
	return fmt.Sprintf("Hello %s, there is a ride available for %s! Driver is %s. Go to %s to claim your spot!",
		m.RecipientName, m.EventName, m.DriverName, m.AcceptURL)
}

// Subject はメール件名を返す。
func (m Message) Subject() string {
	return "Ride Opening For " + m.EventName
}
