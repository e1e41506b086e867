package notify

import (
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net"
	"strings"
	texttemplate "text/template"
	"time"

	gomail "github.com/wneessen/go-mail"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var (
	openingText = texttemplate.Must(texttemplate.ParseFS(templatesFS, "templates/opening.txt.tmpl"))
	openingHTML = htmltemplate.Must(htmltemplate.ParseFS(templatesFS, "templates/opening.html.tmpl"))
)

const defaultSMTPTimeout = 10 * time.Second

// SMTPConfig はメール送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSPolicy は "mandatory" / "opportunistic" / "none"。空はopportunistic。
	TLSPolicy string
	// Timeout はSMTPの各フェーズの上限。0の場合は10秒。
	Timeout time.Duration
}

// MailChannel はSMTPでテキストとHTMLの両方を含むメールを送るチャネル。
type MailChannel struct {
	cfg    SMTPConfig
	dialer net.Dialer
	now    func() time.Time
}

// NewMailChannel はMailChannelを生成する。
func NewMailChannel(cfg SMTPConfig) *MailChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}
	return &MailChannel{cfg: cfg, now: time.Now}
}

// Name はチャネル名を返す。
func (m *MailChannel) Name() string {
	return "email"
}

// Send はRecipientEmail宛てに空席通知メールを送る。
// 接続にはctxの期限と設定の上限のうち短い方をI/O期限として設定するため、
// 応答しないサーバーでも送信は期限内に失敗して戻る。
func (m *MailChannel) Send(ctx context.Context, msg Message) error {
	if msg.RecipientEmail == "" {
		return ErrNoAddress
	}
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host is not configured")
	}

	mail, err := m.buildMessage(msg)
	if err != nil {
		return err
	}

	timeout := m.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("smtp send aborted: %w", context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	client, err := m.newClient(timeout)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, mail); err != nil {
		if ctxErr := contextExpired(ctx); ctxErr != nil {
			return fmt.Errorf("smtp send aborted: %w", ctxErr)
		}
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// contextExpired はctxが終了済み、または期限を過ぎていればその理由を返す。
// I/O期限はctxの期限と同時刻に切れるため、タイマーより先に戻った場合も期限切れとみなす。
func contextExpired(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *MailChannel) newClient(timeout time.Duration) (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(timeout),
		gomail.WithTLSPolicy(tlsPolicy(m.cfg.TLSPolicy)),
		gomail.WithDialContextFunc(m.deadlineDial(timeout)),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	return gomail.NewClient(m.cfg.Host, opts...)
}

// deadlineDial は接続直後にI/O期限を設定するダイアラーを返す。
// 挨拶行の読み取りも含め、応答しないサーバーでブロックし続けないようにする。
func (m *MailChannel) deadlineDial(timeout time.Duration) gomail.DialContextFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := m.dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func tlsPolicy(name string) gomail.TLSPolicy {
	switch strings.ToLower(name) {
	case "mandatory":
		return gomail.TLSMandatory
	case "none":
		return gomail.NoTLS
	default:
		return gomail.TLSOpportunistic
	}
}

// buildMessage はテキストとHTMLの代替パートを持つメッセージを組み立てる。
func (m *MailChannel) buildMessage(msg Message) (*gomail.Msg, error) {
	mail := gomail.NewMsg()
	if err := mail.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := mail.AddToFormat(msg.RecipientName, msg.RecipientEmail); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	mail.Subject(msg.Subject())
	mail.SetDateWithValue(m.now())
	mail.SetMessageID()

	if err := mail.SetBodyTextTemplate(openingText, msg); err != nil {
		return nil, fmt.Errorf("failed to render text mail: %w", err)
	}
	if err := mail.AddAlternativeHTMLTemplate(openingHTML, msg); err != nil {
		return nil, fmt.Errorf("failed to render html mail: %w", err)
	}
	return mail, nil
}
