package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rideboard/internal/middleware"
	"github.com/hitoshi/rideboard/internal/model"
)

// AcceptLinkVerifier は空席承諾リンクの署名を検証する。
type AcceptLinkVerifier interface {
	Verify(fromCarID, toCarID, userID, exp, sig string) bool
}

// AutojoinHandler は空席通知の承諾リンクを処理する。
// 結果にかかわらずトップページへリダイレクトし、失敗はログにのみ残す。
type AutojoinHandler struct {
	ledger   LedgerServiceInterface
	verifier AcceptLinkVerifier
	baseURL  string
}

// NewAutojoinHandler はAutojoinHandlerを生成する。
func NewAutojoinHandler(ledger LedgerServiceInterface, verifier AcceptLinkVerifier, baseURL string) *AutojoinHandler {
	return &AutojoinHandler{ledger: ledger, verifier: verifier, baseURL: baseURL}
}

// Accept は「Need a Ride」車から空席のある車への乗り換えを行う。
// GET /autojoin/{from}/{to}/{user}?exp=&sig=
// 期限切れ・署名不正のリンクは何もせずにリダイレクトする。
func (h *AutojoinHandler) Accept(w http.ResponseWriter, r *http.Request) {
	defer http.Redirect(w, r, h.baseURL, http.StatusFound)

	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		slog.Warn("autojoin without actor")
		return
	}

	from := pathParam(r, "from")
	to := pathParam(r, "to")
	userID := pathParam(r, "user")

	q := r.URL.Query()
	if !h.verifier.Verify(from, to, userID, q.Get("exp"), q.Get("sig")) {
		slog.Warn("autojoin signature rejected",
			slog.String("user_id", actor.ID),
			slog.String("from_car_id", from),
			slog.String("to_car_id", to),
		)
		return
	}

	if _, err := h.ledger.Transfer(r.Context(), actor, from, to, userID); err != nil {
		attrs := []any{
			slog.String("user_id", actor.ID),
			slog.String("from_car_id", from),
			slog.String("to_car_id", to),
			slog.String("error", err.Error()),
		}
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("autojoin rejected", append(attrs, slog.String("code", apiErr.Code))...)
			return
		}
		slog.Error("autojoin failed", attrs...)
		return
	}

	slog.Info("autojoin accepted",
		slog.String("user_id", actor.ID),
		slog.String("from_car_id", from),
		slog.String("to_car_id", to),
	)
}

// pathParam はURLパラメータをパスエスケープを解除して返す。
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
