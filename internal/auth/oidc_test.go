package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/rideboard/internal/model"
)

// fakeIDToken は署名部を持たないテスト用IDトークンを生成する。
func fakeIDToken(iss string) string {
	payload, _ := json.Marshal(map[string]string{"iss": iss})
	return "e30." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// newIdPServer はトークン・userinfoエンドポイントを提供するテストサーバーを立てる。
func newIdPServer(t *testing.T, idToken string, userInfo map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.Form.Get("grant_type") != "authorization_code" || r.Form.Get("code") != "auth-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   300,
			"id_token":     idToken,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(userInfo)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCSHProvider_DerivesKeycloakEndpoints(t *testing.T) {
	p := NewCSHProvider(OIDCConfig{
		ClientID:    "rideboard",
		RedirectURL: "https://rides.example.com/auth/csh/callback",
		Issuer:      "https://sso.example.com/auth/realms/csh/",
	}, nil)

	loginURL := p.GetLoginURL("state-123")
	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if got := u.Scheme + "://" + u.Host + u.Path; got != "https://sso.example.com/auth/realms/csh/protocol/openid-connect/auth" {
		t.Errorf("auth endpoint = %q", got)
	}

	q := u.Query()
	tests := []struct {
		key  string
		want string
	}{
		{"client_id", "rideboard"},
		{"redirect_uri", "https://rides.example.com/auth/csh/callback"},
		{"response_type", "code"},
		{"state", "state-123"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := q.Get(tt.key); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("scope = %q, want openid", q.Get("scope"))
	}
	if p.Namespace() != model.NamespaceCSH {
		t.Errorf("Namespace() = %q", p.Namespace())
	}
}

func TestCSHProvider_ExchangeCode_MapsClaims(t *testing.T) {
	srv := newIdPServer(t, fakeIDToken("https://sso.example.com/auth/realms/csh"), map[string]any{
		"preferred_username": "alice",
		"given_name":         "Alice",
		"family_name":        "Liddell",
		"email":              "alice@example.com",
		"slackuid":           "U024BE7LH",
	})

	p := NewCSHProvider(OIDCConfig{
		ClientID:    "rideboard",
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
	}, srv.Client())

	claims, err := p.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	want := Claims{
		Namespace:  model.NamespaceCSH,
		Subject:    "alice",
		FirstName:  "Alice",
		LastName:   "Liddell",
		AvatarURL:  "https://profiles.csh.rit.edu/image/alice",
		Email:      "alice@example.com",
		ChatHandle: "U024BE7LH",
	}
	if *claims != want {
		t.Errorf("claims = %+v, want %+v", *claims, want)
	}
}

// 体験入会レルムのユーザーは名=uid、姓=(Intro)になる。
func TestCSHProvider_ExchangeCode_IntroRealm(t *testing.T) {
	srv := newIdPServer(t, fakeIDToken("https://sso.example.com/auth/realms/intro"), map[string]any{
		"preferred_username": "newbie",
		"given_name":         "Nora",
		"family_name":        "Newman",
	})

	p := NewCSHProvider(OIDCConfig{
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
	}, srv.Client())

	claims, err := p.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if claims.FirstName != "newbie" || claims.LastName != "(Intro)" {
		t.Errorf("name = %q %q, want newbie (Intro)", claims.FirstName, claims.LastName)
	}
}

func TestGoogleProvider_ExchangeCode_MapsClaims(t *testing.T) {
	srv := newIdPServer(t, "", map[string]any{
		"sub":         "1098765",
		"given_name":  "Gina",
		"family_name": "Gomez",
		"picture":     "https://lh3.example.com/a.png",
		"email":       "gina@example.com",
	})

	p := NewGoogleProvider(OIDCConfig{
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
	}, srv.Client())

	claims, err := p.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if claims.Namespace != model.NamespaceGoogle || claims.Subject != "1098765" {
		t.Errorf("identity = %s:%s", claims.Namespace, claims.Subject)
	}
	if claims.AvatarURL != "https://lh3.example.com/a.png" || claims.Email != "gina@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ChatHandle != "" {
		t.Errorf("Googleアカウントにチャットハンドルは無いはず: %q", claims.ChatHandle)
	}
}

func TestOIDCProvider_ExchangeCode_Errors(t *testing.T) {
	srv := newIdPServer(t, "", map[string]any{"given_name": "No Subject"})

	tests := []struct {
		name   string
		code   string
		config OIDCConfig
	}{
		{"トークン交換失敗", "bad-code", OIDCConfig{TokenURL: srv.URL + "/token", UserInfoURL: srv.URL + "/userinfo"}},
		{"userinfo取得失敗", "auth-code", OIDCConfig{TokenURL: srv.URL + "/token", UserInfoURL: srv.URL + "/missing"}},
		{"subjectなし", "auth-code", OIDCConfig{TokenURL: srv.URL + "/token", UserInfoURL: srv.URL + "/userinfo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewGoogleProvider(tt.config, srv.Client())
			if _, err := p.ExchangeCode(context.Background(), tt.code); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestIDTokenIssuer(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"正常", fakeIDToken("https://issuer"), "https://issuer"},
		{"空", "", ""},
		{"セグメント不足", "a.b", ""},
		{"不正なbase64", "a.!!!.c", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idTokenIssuer(tt.token); got != tt.want {
				t.Errorf("idTokenIssuer() = %q, want %q", got, tt.want)
			}
		})
	}
}
