package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// LedgerServiceInterface は車・座席ハンドラーが必要とする台帳サービスのインターフェース。
type LedgerServiceInterface interface {
	Join(ctx context.Context, actor model.Actor, carID string) (*model.Rider, error)
	Leave(ctx context.Context, actor model.Actor, carID, riderUserID string) error
	CreateCar(ctx context.Context, actor model.Actor, eventID string, in model.CarInput) (*model.Car, error)
	EditCar(ctx context.Context, actor model.Actor, carID string, in model.CarInput) (*model.Car, error)
	DeleteCar(ctx context.Context, actor model.Actor, carID string) error
	Transfer(ctx context.Context, actor model.Actor, fromCarID, toCarID, userID string) (*model.Rider, error)
}

// CarHandler は車の提供と乗車・降車のHTTPハンドラー。
type CarHandler struct {
	ledger   LedgerServiceInterface
	renderer Renderer
}

// NewCarHandler はCarHandlerを生成する。
func NewCarHandler(ledger LedgerServiceInterface, renderer Renderer) *CarHandler {
	return &CarHandler{ledger: ledger, renderer: renderer}
}

// carRequest は車の提供・編集リクエストのボディ。
// max_capacityが0の場合は上限なし。
type carRequest struct {
	MaxCapacity   int       `json:"max_capacity"`
	DepartureTime time.Time `json:"departure_time"`
	ReturnTime    time.Time `json:"return_time"`
	Comment       string    `json:"comment"`
}

func (req carRequest) toInput() model.CarInput {
	return model.CarInput{
		MaxCapacity:   req.MaxCapacity,
		DepartureTime: req.DepartureTime,
		ReturnTime:    req.ReturnTime,
		Comment:       req.Comment,
	}
}

// CreateCar はイベントに車を提供する。
// POST /api/events/{id}/cars
func (h *CarHandler) CreateCar(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	eventID, ok := idParam(w, r, "id", model.NewEventNotFoundError)
	if !ok {
		return
	}
	var req carRequest
	if !decodeBody(w, r, &req) {
		return
	}

	car, err := h.ledger.CreateCar(r.Context(), actor, eventID, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCarResponse(h.renderer, car, nil))
}

// UpdateCar は車の定員・時刻・コメントを編集する。
// PUT /api/cars/{id}
func (h *CarHandler) UpdateCar(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	carID, ok := idParam(w, r, "id", model.NewCarNotFoundError)
	if !ok {
		return
	}
	var req carRequest
	if !decodeBody(w, r, &req) {
		return
	}

	car, err := h.ledger.EditCar(r.Context(), actor, carID, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCarResponse(h.renderer, car, nil))
}

// DeleteCar は車を削除する。乗車中のライダーも削除される。
// DELETE /api/cars/{id}
func (h *CarHandler) DeleteCar(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	carID, ok := idParam(w, r, "id", model.NewCarNotFoundError)
	if !ok {
		return
	}

	if err := h.ledger.DeleteCar(r.Context(), actor, carID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Join は閲覧者を車に乗車させる。
// POST /api/cars/{id}/riders
func (h *CarHandler) Join(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	carID, ok := idParam(w, r, "id", model.NewCarNotFoundError)
	if !ok {
		return
	}

	rider, err := h.ledger.Join(r.Context(), actor, carID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, riderResponse{UserID: rider.UserID, Name: rider.Name, JoinedAt: rider.CreatedAt})
}

// Leave は閲覧者を車から降ろす。
// DELETE /api/cars/{id}/riders/me
func (h *CarHandler) Leave(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	carID, ok := idParam(w, r, "id", model.NewCarNotFoundError)
	if !ok {
		return
	}

	if err := h.ledger.Leave(r.Context(), actor, carID, actor.ID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
