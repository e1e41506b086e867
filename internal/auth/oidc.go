package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/rideboard/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	// DefaultCSHIssuer は組織SSOのデフォルト発行者。
	DefaultCSHIssuer = "https://sso.csh.rit.edu/auth/realms/csh"
	// introRealmSuffix は体験入会者向けレルムの発行者末尾。
	introRealmSuffix = "/realms/intro"

	cshProfileImageURL = "https://profiles.csh.rit.edu/image/"
)

// OIDCConfig はOIDCプロバイダーの設定。
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Issuer       string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// claimMapper はuserinfoのクレームをClaimsへ変換する。
type claimMapper func(info map[string]any, issuer string) (*Claims, error)

// OIDCProvider は認可コードフローによるOpenID Connect認証を提供する。
type OIDCProvider struct {
	namespace  string
	scope      string
	config     OIDCConfig
	httpClient *http.Client
	mapClaims  claimMapper
}

// NewCSHProvider は組織SSO（Keycloak）用のプロバイダーを生成する。
// エンドポイントは発行者URLから導出する。
func NewCSHProvider(config OIDCConfig, httpClient *http.Client) *OIDCProvider {
	if config.Issuer == "" {
		config.Issuer = DefaultCSHIssuer
	}
	issuer := strings.TrimRight(config.Issuer, "/")
	if config.AuthURL == "" {
		config.AuthURL = issuer + "/protocol/openid-connect/auth"
	}
	if config.TokenURL == "" {
		config.TokenURL = issuer + "/protocol/openid-connect/token"
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = issuer + "/protocol/openid-connect/userinfo"
	}
	return newProvider(model.NamespaceCSH, "openid profile email", config, httpClient, mapCSHClaims)
}

// NewGoogleProvider はGoogle用のプロバイダーを生成する。
func NewGoogleProvider(config OIDCConfig, httpClient *http.Client) *OIDCProvider {
	if config.Issuer == "" {
		config.Issuer = "https://accounts.google.com"
	}
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	return newProvider(model.NamespaceGoogle, "openid email profile", config, httpClient, mapGoogleClaims)
}

func newProvider(namespace, scope string, config OIDCConfig, httpClient *http.Client, mapper claimMapper) *OIDCProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OIDCProvider{
		namespace:  namespace,
		scope:      scope,
		config:     config,
		httpClient: httpClient,
		mapClaims:  mapper,
	}
}

// Namespace はこのプロバイダーが発行するIDの名前空間を返す。
func (p *OIDCProvider) Namespace() string {
	return p.namespace
}

// GetLoginURL は認可エンドポイントのURLを生成する。
func (p *OIDCProvider) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {p.scope},
		"state":         {state},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IDToken     string `json:"id_token"`
}

// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code string) (*Claims, error) {
	// 1. 認可コードをアクセストークンに交換
	tokenResp, err := p.exchangeToken(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	// 2. アクセストークンでユーザー情報を取得
	info, err := p.fetchUserInfo(ctx, tokenResp.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	// 3. 発行者はIDトークンを優先する（レルムの判別に使う）
	issuer := idTokenIssuer(tokenResp.IDToken)
	if issuer == "" {
		issuer = p.config.Issuer
	}

	claims, err := p.mapClaims(info, issuer)
	if err != nil {
		return nil, err
	}
	claims.Namespace = p.namespace
	return claims, nil
}

func (p *OIDCProvider) exchangeToken(ctx context.Context, code string) (*tokenResponse, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}
	return &tokenResp, nil
}

func (p *OIDCProvider) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	return info, nil
}

// idTokenIssuer はIDトークンのペイロードからissクレームを取り出す。
// トークンはトークンエンドポイントから直接受け取ったものなので署名検証は行わない。
func idTokenIssuer(idToken string) string {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Iss
}

func mapCSHClaims(info map[string]any, issuer string) (*Claims, error) {
	uid := claimString(info, "preferred_username")
	if uid == "" {
		return nil, fmt.Errorf("empty preferred_username in user info response")
	}
	c := &Claims{
		Subject:    uid,
		FirstName:  claimString(info, "given_name"),
		LastName:   claimString(info, "family_name"),
		AvatarURL:  cshProfileImageURL + url.PathEscape(uid),
		Email:      claimString(info, "email"),
		ChatHandle: claimString(info, "slackuid"),
	}
	if strings.HasSuffix(strings.TrimRight(issuer, "/"), introRealmSuffix) {
		c.FirstName = uid
		c.LastName = "(Intro)"
	}
	return c, nil
}

func mapGoogleClaims(info map[string]any, _ string) (*Claims, error) {
	sub := claimString(info, "sub")
	if sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}
	return &Claims{
		Subject:   sub,
		FirstName: claimString(info, "given_name"),
		LastName:  claimString(info, "family_name"),
		AvatarURL: claimString(info, "picture"),
		Email:     claimString(info, "email"),
	}, nil
}

func claimString(info map[string]any, key string) string {
	if v, ok := info[key].(string); ok {
		return v
	}
	return ""
}

// compile-time interface check
var _ Provider = (*OIDCProvider)(nil)
