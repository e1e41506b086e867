// Package eventfeed は有効なイベント一覧をAtomフィードとして出力する。
package eventfeed

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/richtext"
)

// Writer はAtomフィードを書き出す。
type Writer struct {
	baseURL  string
	title    string
	location *time.Location
	text     *richtext.Renderer
}

// NewWriter はWriterを生成する。locがnilの場合はUTCで時刻を表示する。
func NewWriter(baseURL, title string, loc *time.Location) *Writer {
	if loc == nil {
		loc = time.UTC
	}
	return &Writer{
		baseURL:  strings.TrimRight(baseURL, "/"),
		title:    title,
		location: loc,
		text:     richtext.Default(),
	}
}

// Write はeventsをAtom形式でwに書き出す。
// フィードの更新時刻は最新のイベント更新時刻で、イベントがない場合はnowを使う。
func (fw *Writer) Write(w io.Writer, events []*model.Event, now time.Time) error {
	selfURL := fw.baseURL + "/events.atom"
	feed := &feeds.Feed{
		Title:   fw.title,
		Link:    &feeds.Link{Href: selfURL, Rel: "self"},
		Id:      selfURL,
		Updated: now.UTC(),
	}

	var latest time.Time
	published := make(map[string]string, len(events))
	for _, e := range events {
		item := fw.item(e)
		if item.Updated.After(latest) {
			latest = item.Updated
		}
		published[item.Id] = e.CreatedAt.UTC().Format(time.RFC3339)
		feed.Add(item)
	}
	if !latest.IsZero() {
		feed.Updated = latest
	}

	atom := (&feeds.Atom{Feed: feed}).AtomFeed()
	atom.Link.Type = "application/atom+xml"
	for _, entry := range atom.Entries {
		entry.Published = published[entry.Id]
		if entry.Summary != nil {
			entry.Summary.Type = "text"
		}
	}

	if err := feeds.WriteXML(atom, w); err != nil {
		return fmt.Errorf("failed to encode atom feed: %w", err)
	}
	return nil
}

func (fw *Writer) item(e *model.Event) *feeds.Item {
	start := e.StartTime.In(fw.location)
	end := e.EndTime.In(fw.location)

	summary := fmt.Sprintf("%s to %s", start.Format("Mon Jan 2 3:04 PM"), end.Format("Mon Jan 2 3:04 PM"))
	if loc := fw.text.PlainText(e.Location); loc != "" {
		summary = loc + " / " + summary
	}

	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = e.CreatedAt
	}
	return &feeds.Item{
		Id:          "urn:uuid:" + e.ID,
		Title:       e.Name,
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/events/%s", fw.baseURL, e.ID), Rel: "alternate", Type: "text/html"},
		Author:      &feeds.Author{Name: e.CreatorID},
		Description: summary,
		Created:     e.CreatedAt.UTC(),
		Updated:     updated.UTC(),
	}
}
