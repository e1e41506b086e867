// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rideboard/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey = contextKey("user_id")
	actorContextKey  = contextKey("actor")
)

// SessionResolver はセッションIDからユーザーを解決するインターフェース。
// セッションが無効な場合はnil, nilを返す。
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (*model.User, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 認証済みユーザーのIDとActorをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := resolve(w, r, resolver)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), model.ActorFromUser(user))))
		})
	}
}

// NewBrowserSessionMiddleware はNewSessionMiddlewareと同様だが、
// 未認証の場合はloginPathへリダイレクトする。メール内リンクなどブラウザ遷移用。
func NewBrowserSessionMiddleware(resolver SessionResolver, loginPath string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			user, err := resolver.ResolveSession(r.Context(), cookie.Value)
			if err != nil || user == nil {
				if err != nil {
					slog.Error("failed to resolve session", slog.String("error", err.Error()))
				}
				http.Redirect(w, r, loginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), model.ActorFromUser(user))))
		})
	}
}

func resolve(w http.ResponseWriter, r *http.Request, resolver SessionResolver) (*model.User, bool) {
	// 1. CookieからセッションIDを取得
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}

	// 2. セッションの有効性を検証
	user, err := resolver.ResolveSession(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to resolve session",
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	if user == nil {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ActorFromContext はリクエストコンテキストから操作者を取得する。
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(model.Actor)
	if !ok || actor.ID == "" {
		return model.Actor{}, false
	}
	return actor, true
}

// ContextWithUserID はコンテキストにユーザーIDのみを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithActor はコンテキストに操作者とそのユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithActor(ctx context.Context, actor model.Actor) context.Context {
	noteUserID(ctx, actor.ID)
	ctx = context.WithValue(ctx, actorContextKey, actor)
	return ContextWithUserID(ctx, actor.ID)
}
