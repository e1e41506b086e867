package handler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
)

// ActiveEventLister は公開中イベントの一覧を返す。
type ActiveEventLister interface {
	ListActive(ctx context.Context, groupID *string) ([]*model.Event, error)
}

// FeedWriter はイベント一覧をフィード形式で書き出す。
type FeedWriter interface {
	Write(w io.Writer, events []*model.Event, now time.Time) error
}

// FeedHandler は公開中イベントのAtomフィードを配信する。
type FeedHandler struct {
	events ActiveEventLister
	writer FeedWriter
	now    func() time.Time
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(events ActiveEventLister, writer FeedWriter) *FeedHandler {
	return &FeedHandler{events: events, writer: writer, now: time.Now}
}

// Atom はAtomフィードを返す。
// GET /events.atom?group=
func (h *FeedHandler) Atom(w http.ResponseWriter, r *http.Request) {
	var groupID *string
	if g := r.URL.Query().Get("group"); g != "" {
		groupID = &g
	}

	events, err := h.events.ListActive(r.Context(), groupID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := h.writer.Write(&buf, events, h.now()); err != nil {
		slog.Error("failed to render atom feed", slog.String("error", err.Error()))
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
