package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/notify"
)

func autojoinRequest(sig string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/autojoin/a/b/c?exp=1772355600&sig="+sig, nil)
	req = withChiURLParams(req, "from", testCarID, "to", testCar2ID, "user", "csh%3Aalice")
	return withActor(req, testActor)
}

func TestAutojoinHandler_Accept_TransfersAndRedirects(t *testing.T) {
	var from, to, user string
	ledger := &mockLedgerService{
		transferFn: func(ctx context.Context, actor model.Actor, fromCarID, toCarID, userID string) (*model.Rider, error) {
			from, to, user = fromCarID, toCarID, userID
			return &model.Rider{CarID: toCarID, UserID: userID}, nil
		},
	}
	h := NewAutojoinHandler(ledger, mockVerifier{ok: true}, "https://rides.example.com")

	w := httptest.NewRecorder()
	h.Accept(w, autojoinRequest("abc"))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	if loc := w.Header().Get("Location"); loc != "https://rides.example.com" {
		t.Errorf("Location = %q", loc)
	}
	if from != testCarID || to != testCar2ID || user != "csh:alice" {
		t.Errorf("Transfer(%q, %q, %q)", from, to, user)
	}
}

func TestAutojoinHandler_Accept_SilentRedirectOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		verifier mockVerifier
		sig      string
		err      error
		wantCall bool
	}{
		{"署名不正", mockVerifier{ok: false}, "abc", nil, false},
		{"署名なし", mockVerifier{ok: true}, "", nil, false},
		{"満席", mockVerifier{ok: true}, "abc", model.NewCapacityExceededError(testCar2ID), true},
		{"乗車記録なし", mockVerifier{ok: true}, "abc", model.NewRiderNotFoundError(testCarID), true},
		{"インフラ障害", mockVerifier{ok: true}, "abc", errors.New("db down"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			ledger := &mockLedgerService{
				transferFn: func(context.Context, model.Actor, string, string, string) (*model.Rider, error) {
					called = true
					return nil, tt.err
				},
			}
			h := NewAutojoinHandler(ledger, tt.verifier, "https://rides.example.com")

			w := httptest.NewRecorder()
			h.Accept(w, autojoinRequest(tt.sig))

			if w.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if w.Header().Get("Location") != "https://rides.example.com" {
				t.Errorf("Location = %q", w.Header().Get("Location"))
			}
			if called != tt.wantCall {
				t.Errorf("Transfer called = %v, want %v", called, tt.wantCall)
			}
		})
	}
}

func TestAutojoinHandler_Accept_ExpiredLinkIgnored(t *testing.T) {
	signer := notify.NewLinkSigner("https://rides.example.com", "secret", time.Hour)
	called := false
	ledger := &mockLedgerService{
		transferFn: func(context.Context, model.Actor, string, string, string) (*model.Rider, error) {
			called = true
			return &model.Rider{}, nil
		},
	}
	h := NewAutojoinHandler(ledger, signer, "https://rides.example.com")

	tests := []struct {
		name     string
		expires  time.Time
		wantCall bool
	}{
		{"期限内", time.Now().Add(time.Minute), true},
		{"期限切れ", time.Now().Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			exp := tt.expires.Unix()
			target := fmt.Sprintf("/autojoin/a/b/c?exp=%d&sig=%s", exp, signer.Sign(testCarID, testCar2ID, "csh:alice", exp))
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req = withActor(withChiURLParams(req, "from", testCarID, "to", testCar2ID, "user", "csh%3Aalice"), testActor)

			w := httptest.NewRecorder()
			h.Accept(w, req)

			if w.Code != http.StatusFound {
				t.Errorf("status = %d, want %d", w.Code, http.StatusFound)
			}
			if called != tt.wantCall {
				t.Errorf("Transfer called = %v, want %v", called, tt.wantCall)
			}
		})
	}
}
