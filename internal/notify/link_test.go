package notify

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

var linkNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLinkSigner(secret string) *LinkSigner {
	s := NewLinkSigner("https://rides.example.com/", secret, time.Hour)
	s.now = func() time.Time { return linkNow }
	return s
}

func TestLinkSigner_SignAndVerify(t *testing.T) {
	s := newTestLinkSigner("secret")
	exp := linkNow.Add(time.Hour).Unix()
	expStr := strconv.FormatInt(exp, 10)

	sig := s.Sign("from", "to", "csh:rin", exp)
	if len(sig) != 64 {
		t.Fatalf("署名長 = %d, want 64", len(sig))
	}
	if !s.Verify("from", "to", "csh:rin", expStr, sig) {
		t.Error("正しい署名が検証に失敗した")
	}
	if !s.Verify("from", "to", "csh:rin", expStr, strings.ToUpper(sig)) {
		t.Error("大文字の16進署名も受け付けるはず")
	}

	tests := []struct {
		name           string
		from, to, user string
		exp            string
	}{
		{"別の乗り換え元", "other", "to", "csh:rin", expStr},
		{"別の乗り換え先", "from", "other", "csh:rin", expStr},
		{"別のユーザー", "from", "to", "csh:dave", expStr},
		{"区切りをずらした入力", "fromto", "", "csh:rin", expStr},
		{"期限を延ばした", "from", "to", "csh:rin", strconv.FormatInt(exp+86400, 10)},
		{"期限が数値でない", "from", "to", "csh:rin", "tomorrow"},
		{"期限なし", "from", "to", "csh:rin", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s.Verify(tt.from, tt.to, tt.user, tt.exp, sig) {
				t.Error("異なる入力で署名検証が成功してしまった")
			}
		})
	}
}

func TestLinkSigner_DifferentSecrets(t *testing.T) {
	a := newTestLinkSigner("secret-a")
	b := newTestLinkSigner("secret-b")
	if a.Sign("f", "t", "u", 1) == b.Sign("f", "t", "u", 1) {
		t.Error("異なるシークレットで同じ署名が生成された")
	}
}

func TestLinkSigner_AcceptURL(t *testing.T) {
	s := newTestLinkSigner("secret")

	raw := s.AcceptURL("from-car", "to-car", "google:1 2")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("URLのパースに失敗: %v", err)
	}
	if u.Host != "rides.example.com" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/autojoin/from-car/to-car/google:1 2" {
		t.Errorf("path = %q", u.Path)
	}
	if got, want := u.Query().Get("exp"), strconv.FormatInt(linkNow.Add(time.Hour).Unix(), 10); got != want {
		t.Errorf("exp = %q, want %q", got, want)
	}
	if !s.Verify("from-car", "to-car", "google:1 2", u.Query().Get("exp"), u.Query().Get("sig")) {
		t.Error("URLに含まれる署名が検証に失敗した")
	}
}

func TestLinkSigner_ExpiredLinkRejected(t *testing.T) {
	s := newTestLinkSigner("secret")
	u, err := url.Parse(s.AcceptURL("from", "to", "csh:rin"))
	if err != nil {
		t.Fatalf("URLのパースに失敗: %v", err)
	}
	exp, sig := u.Query().Get("exp"), u.Query().Get("sig")

	s.now = func() time.Time { return linkNow.Add(time.Hour - time.Second) }
	if !s.Verify("from", "to", "csh:rin", exp, sig) {
		t.Error("期限直前のリンクは有効なはず")
	}
	s.now = func() time.Time { return linkNow.Add(time.Hour) }
	if s.Verify("from", "to", "csh:rin", exp, sig) {
		t.Error("期限に達したリンクは無効なはず")
	}
}

func TestNewLinkSigner_DefaultTTL(t *testing.T) {
	s := NewLinkSigner("https://x", "secret", 0)
	if s.ttl != DefaultAcceptLinkTTL {
		t.Errorf("ttl = %v, want %v", s.ttl, DefaultAcceptLinkTTL)
	}
}
