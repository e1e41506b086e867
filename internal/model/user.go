// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// 認証元の名前空間
const (
	// NamespaceCSH は組織SSOで認証したユーザーの名前空間。
	NamespaceCSH = "csh"
	// NamespaceGoogle はGoogleで認証したユーザーの名前空間。
	NamespaceGoogle = "google"
)

// User はサービス利用ユーザーを表す。
// IDは "<namespace>:<subject>" 形式で、認証元ごとに衝突しない。
type User struct {
	ID         string
	Namespace  string
	FirstName  string
	LastName   string
	AvatarURL  string
	ChatHandle string
	Email      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MaxDisplayNameLength は表示名の最大文字数。cars.driver_nameとriders.nameの列幅に合わせる。
const MaxDisplayNameLength = 255

// DisplayName は姓名を結合した表示名を返す。
// MaxDisplayNameLength文字を超える分は切り詰める。
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if utf8.RuneCountInString(name) <= MaxDisplayNameLength {
		return name
	}
	return strings.TrimSpace(string([]rune(name)[:MaxDisplayNameLength]))
}

// Actor は認証済みユーザーから生成するリクエストスコープの操作主体。
// コアの全操作はグローバル状態ではなくこの値を受け取る。
type Actor struct {
	ID         string
	Name       string
	ChatHandle string
	Email      string
}

// ActorFromUser はUserからActorを生成する。
func ActorFromUser(u *User) Actor {
	return Actor{
		ID:         u.ID,
		Name:       u.DisplayName(),
		ChatHandle: u.ChatHandle,
		Email:      u.Email,
	}
}

// IdentityID は名前空間とサブジェクトからユーザーIDを組み立てる。
func IdentityID(namespace, subject string) string {
	return namespace + ":" + subject
}

// SplitIdentityID はユーザーIDを名前空間とサブジェクトに分解する。
// 名前空間を含まない場合はokがfalseになる。
func SplitIdentityID(id string) (namespace, subject string, ok bool) {
	return strings.Cut(id, ":")
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
