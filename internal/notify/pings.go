package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/rideboard/internal/model"
)

// PingsConfig はPingsサービスへの接続設定。
type PingsConfig struct {
	Enabled      bool
	BaseURL      string
	Token        string
	JoinRouteID  string
	LeaveRouteID string
}

// PingsClient はドライバーへ乗車・降車を知らせるPingsサービスのクライアント。
// 送信はベストエフォートで、失敗はログのみ。
type PingsClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        PingsConfig
}

// NewPingsClient はPingsClientを生成する。
func NewPingsClient(httpClient *http.Client, logger *slog.Logger, cfg PingsConfig) *PingsClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PingsClient{httpClient: httpClient, logger: logger, cfg: cfg}
}

type pingRequest struct {
	Username string `json:"username"`
	Body     string `json:"body"`
}

// RiderJoined はドライバーにライダーの乗車を通知する。
func (p *PingsClient) RiderJoined(ctx context.Context, driverID string, rider model.Actor, eventName string) {
	p.send(ctx, p.cfg.JoinRouteID, driverID, fmt.Sprintf("@%s has joined \"%s\"", pingName(rider), eventName))
}

// RiderLeft はドライバーにライダーの降車を通知する。
func (p *PingsClient) RiderLeft(ctx context.Context, driverID string, rider model.Actor, eventName string) {
	p.send(ctx, p.cfg.LeaveRouteID, driverID, fmt.Sprintf("@%s has left \"%s\"", pingName(rider), eventName))
}

// pingName は組織アカウントならユーザー名、それ以外は表示名を返す。
func pingName(a model.Actor) string {
	if ns, subject, ok := model.SplitIdentityID(a.ID); ok && ns == model.NamespaceCSH {
		return subject
	}
	return a.Name
}

func (p *PingsClient) send(ctx context.Context, route, driverID, body string) {
	if !p.cfg.Enabled {
		return
	}
	if route == "" || p.cfg.Token == "" {
		p.logger.Warn("Pingsが設定されていません")
		return
	}
	// Pingsは組織アカウントにのみ届く
	ns, username, ok := model.SplitIdentityID(driverID)
	if !ok || ns != model.NamespaceCSH {
		return
	}

	payload, err := json.Marshal(pingRequest{Username: username, Body: body})
	if err != nil {
		p.logger.Error("Pingsリクエストのエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}

	endpoint := p.cfg.BaseURL + "/service/route/" + url.PathEscape(route) + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		p.logger.Error("Pingsリクエストの作成に失敗しました", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Warn("Pingsの送信に失敗しました",
			slog.String("error", err.Error()),
			slog.String("driver_id", driverID),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		p.logger.Warn("Pingsがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("driver_id", driverID),
		)
	}
}
