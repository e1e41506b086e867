package notify

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// acceptLinkContext は承諾リンク署名鍵の導出コンテキスト。変更すると既存リンクは無効になる。
const acceptLinkContext = "rideboard 2026-01-01 accept-link v2"

// DefaultAcceptLinkTTL は承諾リンクの既定の有効期間。
const DefaultAcceptLinkTTL = 7 * 24 * time.Hour

// LinkSigner は空席承諾リンク（from車からto車への乗り換え）を署名・検証する。
// 署名はBLAKE3の鍵付きハッシュで、鍵はセッションシークレットから導出する。
// 有効期限（Unix秒）も署名対象に含める。
type LinkSigner struct {
	baseURL string
	key     [32]byte
	ttl     time.Duration
	now     func() time.Time
}

// NewLinkSigner はLinkSignerを生成する。ttlが0以下の場合はDefaultAcceptLinkTTL。
func NewLinkSigner(baseURL, secret string, ttl time.Duration) *LinkSigner {
	if ttl <= 0 {
		ttl = DefaultAcceptLinkTTL
	}
	s := &LinkSigner{baseURL: strings.TrimRight(baseURL, "/"), ttl: ttl, now: time.Now}
	blake3.DeriveKey(acceptLinkContext, []byte(secret), s.key[:])
	return s
}

// Sign は(from, to, user, expires)の署名を16進文字列で返す。
func (s *LinkSigner) Sign(fromCarID, toCarID, userID string, expires int64) string {
	hasher, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("notify: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, part := range []string{fromCarID, toCarID, userID} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(expires))
	hasher.Write(exp[:])
	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify は期限内であり、署名が(from, to, user, exp)に対して正しいかを定数時間で比較する。
// expはURLのexpパラメータ（Unix秒）。
func (s *LinkSigner) Verify(fromCarID, toCarID, userID, exp, sig string) bool {
	expires, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return false
	}
	if !s.now().Before(time.Unix(expires, 0)) {
		return false
	}
	want := s.Sign(fromCarID, toCarID, userID, expires)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(sig))) == 1
}

// AcceptURL は署名付きの承諾リンクを返す。
// 形式: {base}/autojoin/{from}/{to}/{user}?exp={unix}&sig={sig}
func (s *LinkSigner) AcceptURL(fromCarID, toCarID, userID string) string {
	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expires, 10))
	q.Set("sig", s.Sign(fromCarID, toCarID, userID, expires))
	return s.baseURL + "/autojoin/" + url.PathEscape(fromCarID) + "/" + url.PathEscape(toCarID) + "/" +
		url.PathEscape(userID) + "?" + q.Encode()
}
