// Package user はプロフィールと通知用連絡先の管理を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode"

	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/repository"
)

const maxChatHandleLength = 64

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sessionRepo repository.SessionRepository) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
	}
}

// GetProfile はユーザーのプロフィールを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateContact は空席通知に使う連絡先を更新する。
// 以後に乗車した記録から新しい連絡先が使われる。
func (s *Service) UpdateContact(ctx context.Context, userID, chatHandle, email string) (*model.User, error) {
	chatHandle = strings.TrimSpace(chatHandle)
	email = strings.TrimSpace(email)

	if err := validateChatHandle(chatHandle); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	if err := s.userRepo.UpdateContact(ctx, userID, chatHandle, email); err != nil {
		return nil, err
	}
	slog.Info("連絡先を更新しました",
		slog.String("user_id", userID),
		slog.Bool("has_chat_handle", chatHandle != ""),
		slog.Bool("has_email", email != ""),
	)
	return s.GetProfile(ctx, userID)
}

// SignOutEverywhere はユーザーの全セッションを破棄する。
func (s *Service) SignOutEverywhere(ctx context.Context, userID string) error {
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	slog.Info("全セッションを破棄しました", slog.String("user_id", userID))
	return nil
}

func validateChatHandle(handle string) error {
	if handle == "" {
		return nil
	}
	if len(handle) > maxChatHandleLength {
		return model.NewValidationError("チャットIDが長すぎます")
	}
	for _, r := range handle {
		if unicode.IsSpace(r) {
			return model.NewValidationError("チャットIDに空白は使用できません")
		}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	return nil
}
