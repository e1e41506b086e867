package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/rideboard/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	// UpdateContact は通知に使うチャットハンドルとメールアドレスを更新する。
	UpdateContact(ctx context.Context, userID, chatHandle, email string) (*model.User, error)
	// SignOutEverywhere はユーザーの全セッションを破棄する。
	SignOutEverywhere(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateContactRequest は連絡先更新リクエストのボディ。
type updateContactRequest struct {
	ChatHandle string `json:"chat_handle"`
	Email      string `json:"email"`
}

// GetMe は閲覧者のプロフィールを返す。
// GET /api/users/me
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetProfile(r.Context(), actor.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// UpdateContact は閲覧者の連絡先を更新する。
// PUT /api/users/me/contact
func (h *UserHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req updateContactRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.service.UpdateContact(r.Context(), actor.ID, req.ChatHandle, req.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// SignOutEverywhere は閲覧者の全セッションを破棄する。
// DELETE /api/users/me/sessions
func (h *UserHandler) SignOutEverywhere(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	if err := h.service.SignOutEverywhere(r.Context(), actor.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
