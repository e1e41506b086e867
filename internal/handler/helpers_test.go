package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rideboard/internal/middleware"
	"github.com/hitoshi/rideboard/internal/model"
)

const (
	testEventID = "6f1d2c3b-0000-4000-8000-000000000001"
	testCarID   = "6f1d2c3b-0000-4000-8000-0000000000c1"
	testCar2ID  = "6f1d2c3b-0000-4000-8000-0000000000c2"
)

var testActor = model.Actor{ID: "csh:alice", Name: "Alice Liddell", ChatHandle: "U1", Email: "alice@example.com"}

// withActor はテスト用に操作者をコンテキストへ注入するヘルパー。
func withActor(r *http.Request, actor model.Actor) *http.Request {
	return r.WithContext(middleware.ContextWithActor(r.Context(), actor))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// plainRenderer はMarkdownを<p>で囲むだけのテスト用Renderer。
type plainRenderer struct{}

func (plainRenderer) Render(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	return "<p>" + md + "</p>"
}

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(provider, state string) (string, error)
	handleCallbackFn func(ctx context.Context, provider, code string) (*model.Session, error)
	logoutFn         func(ctx context.Context, sessionID string) error
	getCurrentUserFn func(ctx context.Context, sessionID string) (*model.User, error)
}

func (m *mockAuthService) GetLoginURL(provider, state string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state)
	}
	return "", nil
}

func (m *mockAuthService) HandleCallback(ctx context.Context, provider, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, provider, code)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if m.getCurrentUserFn != nil {
		return m.getCurrentUserFn(ctx, sessionID)
	}
	return nil, nil
}

type mockEventService struct {
	createFn          func(ctx context.Context, actor model.Actor, in model.EventInput) (*model.Event, error)
	editFn            func(ctx context.Context, actor model.Actor, id string, in model.EventInput) (*model.Event, error)
	deleteFn          func(ctx context.Context, actor model.Actor, id string) error
	listActiveFn      func(ctx context.Context, groupID *string) ([]*model.Event, error)
	listExpiredFn     func(ctx context.Context, groupID *string) ([]*model.Event, error)
	detailFn          func(ctx context.Context, id string) (*model.EventDetail, error)
	eventIDsForUserFn func(ctx context.Context, userID string) ([]string, error)
}

func (m *mockEventService) Create(ctx context.Context, actor model.Actor, in model.EventInput) (*model.Event, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actor, in)
	}
	return nil, nil
}

func (m *mockEventService) Edit(ctx context.Context, actor model.Actor, id string, in model.EventInput) (*model.Event, error) {
	if m.editFn != nil {
		return m.editFn(ctx, actor, id, in)
	}
	return nil, nil
}

func (m *mockEventService) Delete(ctx context.Context, actor model.Actor, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, actor, id)
	}
	return nil
}

func (m *mockEventService) ListActive(ctx context.Context, groupID *string) ([]*model.Event, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx, groupID)
	}
	return nil, nil
}

func (m *mockEventService) ListExpired(ctx context.Context, groupID *string) ([]*model.Event, error) {
	if m.listExpiredFn != nil {
		return m.listExpiredFn(ctx, groupID)
	}
	return nil, nil
}

func (m *mockEventService) Detail(ctx context.Context, id string) (*model.EventDetail, error) {
	if m.detailFn != nil {
		return m.detailFn(ctx, id)
	}
	return nil, nil
}

func (m *mockEventService) EventIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if m.eventIDsForUserFn != nil {
		return m.eventIDsForUserFn(ctx, userID)
	}
	return nil, nil
}

type mockLedgerService struct {
	joinFn      func(ctx context.Context, actor model.Actor, carID string) (*model.Rider, error)
	leaveFn     func(ctx context.Context, actor model.Actor, carID, riderUserID string) error
	createCarFn func(ctx context.Context, actor model.Actor, eventID string, in model.CarInput) (*model.Car, error)
	editCarFn   func(ctx context.Context, actor model.Actor, carID string, in model.CarInput) (*model.Car, error)
	deleteCarFn func(ctx context.Context, actor model.Actor, carID string) error
	transferFn  func(ctx context.Context, actor model.Actor, fromCarID, toCarID, userID string) (*model.Rider, error)
}

func (m *mockLedgerService) Join(ctx context.Context, actor model.Actor, carID string) (*model.Rider, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, actor, carID)
	}
	return &model.Rider{CarID: carID, UserID: actor.ID, Name: actor.Name}, nil
}

func (m *mockLedgerService) Leave(ctx context.Context, actor model.Actor, carID, riderUserID string) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, actor, carID, riderUserID)
	}
	return nil
}

func (m *mockLedgerService) CreateCar(ctx context.Context, actor model.Actor, eventID string, in model.CarInput) (*model.Car, error) {
	if m.createCarFn != nil {
		return m.createCarFn(ctx, actor, eventID, in)
	}
	return nil, nil
}

func (m *mockLedgerService) EditCar(ctx context.Context, actor model.Actor, carID string, in model.CarInput) (*model.Car, error) {
	if m.editCarFn != nil {
		return m.editCarFn(ctx, actor, carID, in)
	}
	return nil, nil
}

func (m *mockLedgerService) DeleteCar(ctx context.Context, actor model.Actor, carID string) error {
	if m.deleteCarFn != nil {
		return m.deleteCarFn(ctx, actor, carID)
	}
	return nil
}

func (m *mockLedgerService) Transfer(ctx context.Context, actor model.Actor, fromCarID, toCarID, userID string) (*model.Rider, error) {
	if m.transferFn != nil {
		return m.transferFn(ctx, actor, fromCarID, toCarID, userID)
	}
	return &model.Rider{CarID: toCarID, UserID: userID}, nil
}

type mockUserService struct {
	getProfileFn        func(ctx context.Context, userID string) (*model.User, error)
	updateContactFn     func(ctx context.Context, userID, chatHandle, email string) (*model.User, error)
	signOutEverywhereFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return &model.User{ID: userID}, nil
}

func (m *mockUserService) UpdateContact(ctx context.Context, userID, chatHandle, email string) (*model.User, error) {
	if m.updateContactFn != nil {
		return m.updateContactFn(ctx, userID, chatHandle, email)
	}
	return &model.User{ID: userID, ChatHandle: chatHandle, Email: email}, nil
}

func (m *mockUserService) SignOutEverywhere(ctx context.Context, userID string) error {
	if m.signOutEverywhereFn != nil {
		return m.signOutEverywhereFn(ctx, userID)
	}
	return nil
}

type mockVerifier struct {
	ok bool
}

func (m mockVerifier) Verify(fromCarID, toCarID, userID, exp, sig string) bool {
	return m.ok && exp != "" && sig != ""
}

func sampleEvent() *model.Event {
	start := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	return &model.Event{
		ID:        testEventID,
		Name:      "Ski Trip",
		Location:  "Bristol **Mountain**",
		StartTime: start,
		EndTime:   start.Add(8 * time.Hour),
		CreatorID: "csh:alice",
	}
}
