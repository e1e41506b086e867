// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, ride, notification, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeForbidden                  = "FORBIDDEN"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeEventNotFound              = "EVENT_NOT_FOUND"
	ErrCodeCarNotFound                = "CAR_NOT_FOUND"
	ErrCodeRiderNotFound              = "RIDER_NOT_FOUND"
	ErrCodeUserNotFound               = "USER_NOT_FOUND"
	ErrCodeAlreadyInEvent             = "ALREADY_IN_EVENT"
	ErrCodeCarAlreadyOffered          = "CAR_ALREADY_OFFERED"
	ErrCodeCapacityExceeded           = "CAPACITY_EXCEEDED"
	ErrCodeValidation                 = "VALIDATION_ERROR"
	ErrCodeNotificationDeliveryFailed = "NOTIFICATION_DELIVERY_FAILED"
)

// IsCode はエラーチェーン内に指定コードのAPIErrorが含まれるかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", action),
		Category: "auth",
		Action:   "作成者本人としてログインしているか確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("指定されたイベントが見つかりません: %s", eventID),
		Category: "ride",
		Action:   "イベント一覧から選択し直してください。",
	}
}

// NewCarNotFoundError は車未検出エラーを生成する。
func NewCarNotFoundError(carID string) *APIError {
	return &APIError{
		Code:     ErrCodeCarNotFound,
		Message:  fmt.Sprintf("指定された車が見つかりません: %s", carID),
		Category: "ride",
		Action:   "イベント詳細を再読み込みしてください。",
	}
}

// NewRiderNotFoundError は乗車記録未検出エラーを生成する。
func NewRiderNotFoundError(carID string) *APIError {
	return &APIError{
		Code:     ErrCodeRiderNotFound,
		Message:  fmt.Sprintf("この車に乗車していません: %s", carID),
		Category: "ride",
		Action:   "イベント詳細を再読み込みしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewAlreadyInEventError は同一イベント内で既に乗車・運転している場合のエラーを生成する。
func NewAlreadyInEventError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyInEvent,
		Message:  "このイベントでは既に別の車に参加しています。",
		Category: "ride",
		Action:   "現在の車から降りてから、もう一度お試しください。",
	}
}

// NewCarAlreadyOfferedError はドライバーが同一イベントで既に車を提供している場合のエラーを生成する。
func NewCarAlreadyOfferedError() *APIError {
	return &APIError{
		Code:     ErrCodeCarAlreadyOffered,
		Message:  "このイベントでは既に車を提供しています。",
		Category: "ride",
		Action:   "既存の車の設定を編集してください。",
	}
}

// NewCapacityExceededError は満席エラーを生成する。
func NewCapacityExceededError(carID string) *APIError {
	return &APIError{
		Code:     ErrCodeCapacityExceeded,
		Message:  fmt.Sprintf("この車は満席です: %s", carID),
		Category: "ride",
		Action:   "「Need a Ride」に登録すると空席が出たときに通知されます。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewNotificationDeliveryFailedError は通知送信失敗エラーを生成する。
// ログ記録専用であり、呼び出し元の処理を中断させてはならない。
func NewNotificationDeliveryFailedError(channel, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationDeliveryFailed,
		Message:  fmt.Sprintf("通知の送信に失敗しました (%s): %s", channel, reason),
		Category: "notification",
		Action:   "連絡先設定を確認してください。",
	}
}
