package handler

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// EventServiceInterface はイベントハンドラーが必要とするサービスインターフェース。
type EventServiceInterface interface {
	Create(ctx context.Context, actor model.Actor, in model.EventInput) (*model.Event, error)
	Edit(ctx context.Context, actor model.Actor, id string, in model.EventInput) (*model.Event, error)
	Delete(ctx context.Context, actor model.Actor, id string) error
	ListActive(ctx context.Context, groupID *string) ([]*model.Event, error)
	ListExpired(ctx context.Context, groupID *string) ([]*model.Event, error)
	Detail(ctx context.Context, id string) (*model.EventDetail, error)
	EventIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Renderer は運転者コメントや集合場所のMarkdownを安全なHTMLに変換する。
type Renderer interface {
	Render(markdown string) string
}

// EventHandler はイベント管理のHTTPハンドラー。
type EventHandler struct {
	service  EventServiceInterface
	renderer Renderer
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventServiceInterface, renderer Renderer) *EventHandler {
	return &EventHandler{service: service, renderer: renderer}
}

// eventRequest はイベント作成・編集リクエストのボディ。
type eventRequest struct {
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	GroupID   *string   `json:"group_id"`
}

func (req eventRequest) toInput() model.EventInput {
	return model.EventInput{
		Name:      req.Name,
		Location:  req.Location,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		GroupID:   req.GroupID,
	}
}

// eventResponse はイベント情報のAPIレスポンス。
type eventResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Location     string    `json:"location"`
	LocationHTML string    `json:"location_html"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	CreatorID    string    `json:"creator_id"`
	Expired      bool      `json:"expired"`
	GroupID      *string   `json:"group_id"`
}

// riderResponse は乗車中ライダーのAPIレスポンス。連絡先は含めない。
type riderResponse struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// carResponse は車情報のAPIレスポンス。
type carResponse struct {
	ID              string          `json:"id"`
	EventID         string          `json:"event_id"`
	DriverID        string          `json:"driver_id"`
	DriverName      string          `json:"driver_name"`
	NeedsRide       bool            `json:"needs_ride"`
	CurrentCapacity int             `json:"current_capacity"`
	MaxCapacity     int             `json:"max_capacity"`
	Unlimited       bool            `json:"unlimited"`
	DepartureTime   time.Time       `json:"departure_time"`
	ReturnTime      time.Time       `json:"return_time"`
	Comment         string          `json:"comment"`
	CommentHTML     string          `json:"comment_html"`
	Riders          []riderResponse `json:"riders"`
}

// eventDetailResponse はイベント詳細のAPIレスポンス。
type eventDetailResponse struct {
	eventResponse
	Cars []carResponse `json:"cars"`
	// ViewerInEvent は閲覧者がこのイベントで既に運転または乗車しているか。
	ViewerInEvent bool `json:"viewer_in_event"`
}

type eventListResponse struct {
	Events []eventResponse `json:"events"`
}

func (h *EventHandler) toEventResponse(e *model.Event) eventResponse {
	return eventResponse{
		ID:           e.ID,
		Name:         e.Name,
		Location:     e.Location,
		LocationHTML: h.renderer.Render(e.Location),
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		CreatorID:    e.CreatorID,
		Expired:      e.Expired,
		GroupID:      e.GroupID,
	}
}

func toCarResponse(renderer Renderer, c *model.Car, riders []*model.Rider) carResponse {
	resp := carResponse{
		ID:              c.ID,
		EventID:         c.EventID,
		DriverID:        c.DriverID,
		DriverName:      c.DriverName,
		NeedsRide:       c.IsSentinel(),
		CurrentCapacity: c.CurrentCapacity,
		MaxCapacity:     c.MaxCapacity,
		Unlimited:       c.Unlimited(),
		DepartureTime:   c.DepartureTime,
		ReturnTime:      c.ReturnTime,
		Comment:         c.Comment,
		CommentHTML:     renderer.Render(c.Comment),
		Riders:          make([]riderResponse, 0, len(riders)),
	}
	for _, r := range riders {
		resp.Riders = append(resp.Riders, riderResponse{UserID: r.UserID, Name: r.Name, JoinedAt: r.CreatedAt})
	}
	return resp
}

// ListEvents はイベント一覧を返す。
// GET /api/events?status=active|expired&group=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var groupID *string
	if g := strings.TrimSpace(r.URL.Query().Get("group")); g != "" {
		groupID = &g
	}

	var (
		events []*model.Event
		err    error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "active":
		events, err = h.service.ListActive(r.Context(), groupID)
	case "expired":
		events, err = h.service.ListExpired(r.Context(), groupID)
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("statusはactiveまたはexpiredを指定してください"))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := eventListResponse{Events: make([]eventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, h.toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateEvent はイベントを作成する。
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	event, err := h.service.Create(r.Context(), actor, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toEventResponse(event))
}

// GetEvent はイベント詳細を返す。
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id", model.NewEventNotFoundError)
	if !ok {
		return
	}

	detail, err := h.service.Detail(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	mine, err := h.service.EventIDsForUser(r.Context(), actor.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := eventDetailResponse{
		eventResponse: h.toEventResponse(&detail.Event),
		Cars:          make([]carResponse, 0, len(detail.Cars)),
		ViewerInEvent: slices.Contains(mine, detail.ID),
	}
	for i := range detail.Cars {
		resp.Cars = append(resp.Cars, toCarResponse(h.renderer, &detail.Cars[i].Car, detail.Cars[i].Riders))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateEvent はイベントを編集する。
// PUT /api/events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id", model.NewEventNotFoundError)
	if !ok {
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	event, err := h.service.Edit(r.Context(), actor, id, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toEventResponse(event))
}

// DeleteEvent はイベントを削除する。車とライダーも削除される。
// DELETE /api/events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r, "id", model.NewEventNotFoundError)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MyEvents は閲覧者が運転または乗車しているイベントのID一覧を返す。
// GET /api/users/me/events
func (h *EventHandler) MyEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	ids, err := h.service.EventIDsForUser(r.Context(), actor.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"event_ids": ids})
}
