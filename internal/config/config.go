package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv は設定ファイルのパスを指定する環境変数名。
const ConfigPathEnv = "RIDEBOARD_CONFIG"

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity providers
	CSHIssuer          string
	CSHClientID        string
	CSHClientSecret    string
	GoogleClientID     string
	GoogleClientSecret string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Rate Limit (req/min/user)
	RateLimitGeneral  int
	RateLimitMutation int

	// Slack
	SlackToken    string
	SlackAPIURL   string
	SlackInterval time.Duration

	// Pings
	PingsEnabled    bool
	PingsBaseURL    string
	PingsToken      string
	PingsJoinRoute  string
	PingsLeaveRoute string

	// SMTP
	SMTPEnabled  bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// SMTPTLSPolicy はSTARTTLSの扱い。mandatory / opportunistic / none。
	SMTPTLSPolicy string

	// Notification
	NotifyTimeout time.Duration
	// AcceptLinkTTL は空席承諾リンクの有効期間。
	AcceptLinkTTL time.Duration

	// Event lifecycle
	ExpirySweepInterval time.Duration
	ExpiryGrace         time.Duration
	Timezone            string
	Location            *time.Location

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// CSHEnabled は組織SSOのクライアント設定が揃っているかを返す。
func (c *Config) CSHEnabled() bool {
	return c.CSHClientID != "" && c.CSHClientSecret != ""
}

// GoogleEnabled はGoogleのクライアント設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// CallbackURL はプロバイダーごとのOAuthコールバックURLを返す。
func (c *Config) CallbackURL(provider string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/" + provider + "/callback"
}

// source は設定値の取得元。環境変数がファイルの値より優先される。
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

// Load は設定ファイル（任意）と環境変数からConfigを読み込む。
// pathが空の場合はRIDEBOARD_CONFIG環境変数のパスを使い、それも空ならファイルは読まない。
// 必須項目が未設定の場合はエラーを返す。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	file, err := readFile(path)
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = src.lookup("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = src.lookup("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = src.lookup("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.CSHClientID = src.lookup("CSH_CLIENT_ID")
	cfg.CSHClientSecret = src.lookup("CSH_CLIENT_SECRET")
	cfg.GoogleClientID = src.lookup("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = src.lookup("GOOGLE_CLIENT_SECRET")
	if !cfg.CSHEnabled() && !cfg.GoogleEnabled() {
		missing = append(missing, "CSH_CLIENT_ID/CSH_CLIENT_SECRET or GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required configuration values are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.CSHIssuer = src.getString("CSH_ISSUER", "https://sso.csh.rit.edu/auth/realms/csh")
	cfg.SessionMaxAge = src.getInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = src.getDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitGeneral = src.getInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = src.getInt("RATE_LIMIT_MUTATION", 30)
	cfg.SlackToken = src.getString("SLACK_TOKEN", "")
	cfg.SlackAPIURL = src.getString("SLACK_API_URL", "https://slack.com/api")
	cfg.SlackInterval = src.getDuration("SLACK_INTERVAL", time.Second)
	cfg.PingsEnabled = src.getBool("PINGS_ENABLED", false)
	cfg.PingsBaseURL = src.getString("PINGS_BASE_URL", "https://pings.csh.rit.edu")
	cfg.PingsToken = src.getString("PINGS_TOKEN", "")
	cfg.PingsJoinRoute = src.getString("PINGS_JOIN_ROUTE", "")
	cfg.PingsLeaveRoute = src.getString("PINGS_LEAVE_ROUTE", "")
	cfg.SMTPEnabled = src.getBool("SMTP_ENABLED", false)
	cfg.SMTPHost = src.getString("SMTP_HOST", "localhost")
	cfg.SMTPPort = src.getInt("SMTP_PORT", 587)
	cfg.SMTPUsername = src.getString("SMTP_USERNAME", "")
	cfg.SMTPPassword = src.getString("SMTP_PASSWORD", "")
	cfg.SMTPFrom = src.getString("SMTP_FROM", "rides@csh.rit.edu")
	cfg.SMTPTLSPolicy = src.getString("SMTP_TLS_POLICY", "opportunistic")
	cfg.NotifyTimeout = src.getDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.AcceptLinkTTL = src.getDuration("ACCEPT_LINK_TTL", 7*24*time.Hour)
	cfg.ExpirySweepInterval = src.getDuration("EXPIRY_SWEEP_INTERVAL", 5*time.Minute)
	cfg.ExpiryGrace = src.getDuration("EXPIRY_GRACE", time.Hour)
	cfg.Timezone = src.getString("TIMEZONE", "America/New_York")
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = src.getString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = src.getString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = src.getString("LOG_LEVEL", "info")

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if cfg.PingsEnabled && (cfg.PingsToken == "" || cfg.PingsJoinRoute == "" || cfg.PingsLeaveRoute == "") {
		return nil, fmt.Errorf("PINGS_ENABLED requires PINGS_TOKEN, PINGS_JOIN_ROUTE and PINGS_LEAVE_ROUTE")
	}

	return cfg, nil
}

// readFile はYAML設定ファイルを読み込み、キーと値の組に変換する。
// キーは環境変数名と同じものを使う（例: DATABASE_URL: postgres://...）。
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func (s source) getString(key, defaultVal string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) getInt(key string, defaultVal int) int {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) getBool(key string, defaultVal bool) bool {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (s source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
