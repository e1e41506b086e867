package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// serveAs は指定ユーザーとしてリクエストを送り、ステータスコードを返す。
func serveAs(handler http.Handler, method, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/test", nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testLimiterConfig(generalBurst, mutationBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		MutationRate:    1,
		MutationBurst:   mutationBurst,
		CleanupInterval: time.Minute,
	}
}

// --- API全般 ---

func TestRateLimitMiddleware_AllowsBurstThenReturns429(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(2, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		if w := serveAs(handler, http.MethodGet, "csh:alice"); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := serveAs(handler, http.MethodGet, "csh:alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retrySeconds, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["code"] != "RATE_LIMIT_EXCEEDED" || body["message"] == "" || body["category"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	if w := serveAs(handler, http.MethodGet, "user-A"); w.Code != http.StatusOK {
		t.Errorf("user-A first request: status = %d", w.Code)
	}
	if w := serveAs(handler, http.MethodGet, "user-A"); w.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want 429", w.Code)
	}
	// ユーザーBはユーザーAのレートに影響されない
	if w := serveAs(handler, http.MethodGet, "user-B"); w.Code != http.StatusOK {
		t.Errorf("user-B first request: status = %d", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(5, 5))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without user ID")
	}))

	if w := serveAs(handler, http.MethodGet, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- 変更操作 ---

func TestMutationRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	mutation := rl.MutationMiddleware()(okHandler())

	// API全般のバーストを使い切っても変更操作はまだ使える
	serveAs(general, http.MethodGet, "user-indep")
	if w := serveAs(mutation, http.MethodPost, "user-indep"); w.Code != http.StatusOK {
		t.Errorf("mutation should still be allowed: status = %d", w.Code)
	}
	if w := serveAs(mutation, http.MethodPost, "user-indep"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second mutation: status = %d, want 429", w.Code)
	}
	if rl.MutationLimiterCount() != 1 {
		t.Errorf("MutationLimiterCount() = %d, want 1", rl.MutationLimiterCount())
	}
}

// --- クリーンアップ ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testLimiterConfig(5, 5)
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	serveAs(handler, http.MethodGet, "user-cleanup")
	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍（100ms）。200ms待てば削除されるはず
	time.Sleep(200 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

// --- ミドルウェアチェーンとの統合テスト ---

func TestRateLimitMiddleware_InChainWithSessionAndCORS(t *testing.T) {
	resolver := &mockSessionResolver{
		resolveFn: func(ctx context.Context, id string) (*model.User, error) {
			if id == "rate-limit-session" {
				return &model.User{ID: "csh:rate", FirstName: "Rate"}, nil
			}
			return nil, nil
		},
	}

	rl := NewRateLimiter(testLimiterConfig(2, 10))
	defer rl.Stop()

	// CORS -> Session -> RateLimit -> Handler
	handler := NewCORSMiddleware("http://localhost:3000")(NewSessionMiddleware(resolver)(rl.GeneralMiddleware()(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, _ := UserIDFromContext(r.Context())
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"user_id": userID})
		}))))

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "rate-limit-session"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := send(); code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, code, http.StatusOK)
		}
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("request 3: status = %d, want %d", code, http.StatusTooManyRequests)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.MutationRate != 0.5 {
		t.Errorf("MutationRate = %f, want 0.5", cfg.MutationRate)
	}
	if cfg.MutationBurst != 30 {
		t.Errorf("MutationBurst = %d, want 30", cfg.MutationBurst)
	}
}
