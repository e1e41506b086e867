package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// SlackChannel はSlackのchat.postMessageでDMを送るチャネル。
// 送信間隔はrate.Limiterで制限する。
type SlackChannel struct {
	client  *slack.Client
	logger  *slog.Logger
	token   string
	limiter *rate.Limiter
}

// NewSlackChannel はSlackChannelを生成する。
// apiURLが空の場合はslack.comを使う。intervalは連続送信の最小間隔で、0以下の場合は制限しない。
func NewSlackChannel(httpClient *http.Client, logger *slog.Logger, token, apiURL string, interval time.Duration) *SlackChannel {
	opts := []slack.Option{slack.OptionHTTPClient(httpClient)}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(apiURL, "/")+"/"))
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &SlackChannel{
		client:  slack.New(token, opts...),
		logger:  logger,
		token:   token,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Name はチャネル名を返す。
func (s *SlackChannel) Name() string {
	return "slack"
}

// Send はRecipientHandle宛てにメッセージを投稿する。
// HTTPエラーとSlack APIのok=falseはどちらも送信失敗として返す。
func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	if msg.RecipientHandle == "" {
		return ErrNoAddress
	}
	if s.token == "" {
		return fmt.Errorf("slack token is not configured")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limiter: %w", err)
	}

	_, _, err := s.client.PostMessageContext(ctx, msg.RecipientHandle, slack.MsgOptionText(msg.Text(), false))
	if err != nil {
		s.logger.Warn("Slack APIの呼び出しに失敗しました",
			slog.String("channel", msg.RecipientHandle),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("slack API error: %w", err)
	}
	return nil
}
