package event

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/rideboard/internal/metrics"
	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/repository/repotest"
)

// countingMetrics は失効件数を記録するメトリクス。
type countingMetrics struct {
	metrics.Nop
	expired int
}

func (c *countingMetrics) RecordEventsExpired(n int) { c.expired += n }

var (
	base    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	creator = model.Actor{ID: "csh:alice", Name: "Alice"}
	other   = model.Actor{ID: "csh:bob", Name: "Bob"}
)

func newTestService(store *repotest.MemoryRideStore, now time.Time) (*Service, *countingMetrics) {
	m := &countingMetrics{}
	svc := NewService(store, m, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), 0)
	svc.now = func() time.Time { return now }
	return svc, m
}

func input(name string, start, end time.Time) model.EventInput {
	return model.EventInput{Name: name, Location: "Main Lot", StartTime: start, EndTime: end}
}

func TestCreate_AddsSentinelCar(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	svc, _ := newTestService(store, base.Add(-24*time.Hour))

	ev, err := svc.Create(context.Background(), creator, input("Ski Trip", base, base.Add(6*time.Hour)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ev.CreatorID != creator.ID || ev.Expired {
		t.Errorf("event = %+v", ev)
	}

	detail, err := svc.Detail(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if len(detail.Cars) != 1 {
		t.Fatalf("cars = %d, want 1", len(detail.Cars))
	}
	sentinel := detail.Cars[0]
	if !sentinel.IsSentinel() || sentinel.DriverName != model.SentinelDriverName || !sentinel.Unlimited() {
		t.Errorf("sentinel = %+v", sentinel.Car)
	}
	if !sentinel.DepartureTime.Equal(base) || !sentinel.ReturnTime.Equal(base.Add(6*time.Hour)) {
		t.Errorf("sentinelの時刻がイベントと一致しない: %+v", sentinel.Car)
	}
}

func TestCreate_Validation(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	svc, _ := newTestService(store, base)
	long := make([]byte, 151)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		in   model.EventInput
	}{
		{"空の名前", input("   ", base, base.Add(time.Hour))},
		{"長すぎる名前", input(string(long), base, base.Add(time.Hour))},
		{"終了が開始より前", input("Trip", base, base.Add(-time.Minute))},
		{"時刻なし", model.EventInput{Name: "Trip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), creator, tt.in)
			if !model.IsCode(err, model.ErrCodeValidation) {
				t.Errorf("err = %v, want VALIDATION_ERROR", err)
			}
		})
	}

	if _, err := svc.Create(context.Background(), model.Actor{}, input("Trip", base, base)); !model.IsCode(err, model.ErrCodeUnauthorized) {
		t.Errorf("未認証: err = %v, want UNAUTHORIZED", err)
	}
}

// 終了30分後は有効、61分後は期限切れ。
func TestListActive_LazyExpiryBoundary(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	end := base.Add(4 * time.Hour)
	store.SeedEvent(&model.Event{ID: "ev", Name: "Trip", StartTime: base, EndTime: end, CreatorID: creator.ID})

	svc, m := newTestService(store, end.Add(30*time.Minute))
	active, err := svc.ListActive(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("T+30min: active = %d, want 1", len(active))
	}

	svc.now = func() time.Time { return end.Add(time.Hour) }
	if active, _ = svc.ListActive(context.Background(), nil); len(active) != 1 {
		t.Errorf("ちょうどT+1h: active = %d, want 1", len(active))
	}

	svc.now = func() time.Time { return end.Add(61 * time.Minute) }
	active, err = svc.ListActive(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("T+61min: active = %d, want 0", len(active))
	}
	if !store.Event("ev").Expired {
		t.Error("期限切れフラグが保存されていない")
	}
	if m.expired != 1 {
		t.Errorf("expired metric = %d, want 1", m.expired)
	}

	expired, err := svc.ListExpired(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "ev" {
		t.Errorf("expired = %v", expired)
	}
}

func TestList_OrderingAndGroupFilter(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	group := "ski-club"
	now := base.Add(30 * 24 * time.Hour)
	store.SeedEvent(&model.Event{ID: "late", StartTime: now.Add(48 * time.Hour), EndTime: now.Add(50 * time.Hour)})
	store.SeedEvent(&model.Event{ID: "early", StartTime: now.Add(24 * time.Hour), EndTime: now.Add(26 * time.Hour), GroupID: &group})
	store.SeedEvent(&model.Event{ID: "old1", StartTime: base, EndTime: base.Add(time.Hour)})
	store.SeedEvent(&model.Event{ID: "old2", StartTime: base.Add(24 * time.Hour), EndTime: base.Add(25 * time.Hour)})

	svc, _ := newTestService(store, now)

	active, err := svc.ListActive(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != "early" || active[1].ID != "late" {
		t.Errorf("active順序 = %v", ids(active))
	}

	expired, err := svc.ListExpired(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "old2" || expired[1].ID != "old1" {
		t.Errorf("expired順序 = %v", ids(expired))
	}

	grouped, err := svc.ListActive(context.Background(), &group)
	if err != nil {
		t.Fatalf("ListActive(group) error = %v", err)
	}
	if len(grouped) != 1 || grouped[0].ID != "early" {
		t.Errorf("group絞り込み = %v", ids(grouped))
	}
}

func TestEdit_ResetsExpiryAndSentinelTimes(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	svc, _ := newTestService(store, base.Add(-time.Hour))
	ev, err := svc.Create(context.Background(), creator, input("Trip", base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	svc.now = func() time.Time { return base.Add(3 * time.Hour) }
	if _, err := svc.ListActive(context.Background(), nil); err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if !store.Event(ev.ID).Expired {
		t.Fatal("前提: イベントが期限切れになっていない")
	}

	if _, err := svc.Edit(context.Background(), other, ev.ID, input("Hijack", base, base)); !model.IsCode(err, model.ErrCodeForbidden) {
		t.Errorf("作成者以外: err = %v, want FORBIDDEN", err)
	}

	newStart := base.Add(24 * time.Hour)
	edited, err := svc.Edit(context.Background(), creator, ev.ID, input("Trip v2", newStart, newStart.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if edited.Expired || edited.Name != "Trip v2" {
		t.Errorf("edited = %+v", edited)
	}

	detail, err := svc.Detail(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if !detail.Cars[0].DepartureTime.Equal(newStart) {
		t.Errorf("sentinelの出発時刻 = %v, want %v", detail.Cars[0].DepartureTime, newStart)
	}
}

func TestDelete_CascadesAndChecksCreator(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	svc, _ := newTestService(store, base.Add(-time.Hour))
	ev, err := svc.Create(context.Background(), creator, input("Trip", base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	store.SeedCar(&model.Car{ID: "car", EventID: ev.ID, DriverID: other.ID, MaxCapacity: 2, CurrentCapacity: 1})
	store.SeedRider(&model.Rider{ID: "r", CarID: "car", UserID: "csh:carol"})

	if err := svc.Delete(context.Background(), other, ev.ID); !model.IsCode(err, model.ErrCodeForbidden) {
		t.Errorf("作成者以外: err = %v, want FORBIDDEN", err)
	}
	if err := svc.Delete(context.Background(), creator, ev.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Event(ev.ID) != nil || store.Car("car") != nil || store.RiderCount("car") != 0 {
		t.Error("連鎖削除されていない")
	}
	if err := svc.Delete(context.Background(), creator, ev.ID); !model.IsCode(err, model.ErrCodeEventNotFound) {
		t.Errorf("削除済み: err = %v, want EVENT_NOT_FOUND", err)
	}
}

func TestDetail_OrdersCarsAndGroupsRiders(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	store.SeedEvent(&model.Event{ID: "ev", StartTime: base, EndTime: base.Add(time.Hour)})
	store.SeedCar(&model.Car{ID: "a", EventID: "ev", DriverID: "csh:a", MaxCapacity: 2, CurrentCapacity: 1})
	store.SeedCar(&model.Car{ID: "s", EventID: "ev", DriverID: model.SentinelDriverID, CurrentCapacity: 1})
	store.SeedCar(&model.Car{ID: "b", EventID: "ev", DriverID: "csh:b", MaxCapacity: 2})
	store.SeedRider(&model.Rider{ID: "r1", CarID: "a", UserID: "csh:x"})
	store.SeedRider(&model.Rider{ID: "r2", CarID: "s", UserID: "csh:y"})

	svc, _ := newTestService(store, base)
	detail, err := svc.Detail(context.Background(), "ev")
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}

	var order []string
	for _, c := range detail.Cars {
		order = append(order, c.ID)
	}
	if len(order) != 3 || order[0] != "s" || order[1] != "a" || order[2] != "b" {
		t.Errorf("車の順序 = %v, want [s a b]", order)
	}
	if len(detail.Cars[0].Riders) != 1 || detail.Cars[0].Riders[0].UserID != "csh:y" {
		t.Errorf("sentinelのライダー = %v", detail.Cars[0].Riders)
	}
	if len(detail.Cars[2].Riders) != 0 {
		t.Errorf("車bのライダー = %v", detail.Cars[2].Riders)
	}

	if _, err := svc.Detail(context.Background(), "missing"); !model.IsCode(err, model.ErrCodeEventNotFound) {
		t.Errorf("err = %v, want EVENT_NOT_FOUND", err)
	}
}

func TestEventIDsForUser(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	store.SeedEvent(&model.Event{ID: "e1"})
	store.SeedEvent(&model.Event{ID: "e2"})
	store.SeedCar(&model.Car{ID: "c1", EventID: "e1", DriverID: "csh:x"})
	store.SeedCar(&model.Car{ID: "c2", EventID: "e2", DriverID: "csh:y"})
	store.SeedRider(&model.Rider{ID: "r", CarID: "c2", UserID: "csh:x"})

	svc, _ := newTestService(store, base)
	got, err := svc.EventIDsForUser(context.Background(), "csh:x")
	if err != nil {
		t.Fatalf("EventIDsForUser() error = %v", err)
	}
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Errorf("ids = %v", got)
	}
}

// editBetweenStore は読み取りの直後に一度だけ別の操作を割り込ませるストア。
type editBetweenStore struct {
	*repotest.MemoryRideStore
	interleave func()
}

func (s *editBetweenStore) FindEventByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := s.MemoryRideStore.FindEventByID(ctx, id)
	if f := s.interleave; f != nil {
		s.interleave = nil
		f()
	}
	return e, err
}

func (s *editBetweenStore) ExpireEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f := s.interleave; f != nil {
		s.interleave = nil
		f()
	}
	return s.MemoryRideStore.ExpireEndedBefore(ctx, cutoff)
}

// 詳細表示の判定後に終了時刻を延ばす編集がコミットされても、期限切れで上書きしないこと。
func TestDetail_ConcurrentEditIsNotOverwritten(t *testing.T) {
	mem := repotest.NewMemoryRideStore()
	end := base.Add(4 * time.Hour)
	mem.SeedEvent(&model.Event{ID: "ev", Name: "Trip", StartTime: base, EndTime: end, CreatorID: creator.ID})
	store := &editBetweenStore{MemoryRideStore: mem}

	now := end.Add(2 * time.Hour)
	svc, m := newTestService(mem, now)
	svc.store = store
	newEnd := now.Add(5 * time.Hour)
	store.interleave = func() {
		if _, err := svc.Edit(context.Background(), creator, "ev", input("Trip", base, newEnd)); err != nil {
			t.Errorf("Edit() error = %v", err)
		}
	}

	detail, err := svc.Detail(context.Background(), "ev")
	if err != nil {
		t.Fatalf("Detail() error = %v", err)
	}
	if mem.Event("ev").Expired {
		t.Errorf("end=%v (now=%v) に延長されたイベントが期限切れにされた", newEnd, now)
	}
	if detail.Event.Expired || !detail.Event.EndTime.Equal(newEnd) {
		t.Errorf("detail = expired:%v end:%v, want 最新の編集内容", detail.Event.Expired, detail.Event.EndTime)
	}
	if m.expired != 0 {
		t.Errorf("expired metric = %d, want 0", m.expired)
	}
}

// 一覧の失効処理の直前に延長の編集が入った場合も、延長後の終了時刻で判定されること。
func TestListActive_ConcurrentEditIsNotOverwritten(t *testing.T) {
	mem := repotest.NewMemoryRideStore()
	end := base.Add(4 * time.Hour)
	mem.SeedEvent(&model.Event{ID: "ev", Name: "Trip", StartTime: base, EndTime: end, CreatorID: creator.ID})
	mem.SeedEvent(&model.Event{ID: "old", Name: "Old", StartTime: base, EndTime: end, CreatorID: other.ID})
	store := &editBetweenStore{MemoryRideStore: mem}

	now := end.Add(2 * time.Hour)
	svc, m := newTestService(mem, now)
	svc.store = store
	store.interleave = func() {
		if _, err := svc.Edit(context.Background(), creator, "ev", input("Trip", base, now.Add(5*time.Hour))); err != nil {
			t.Errorf("Edit() error = %v", err)
		}
	}

	active, err := svc.ListActive(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if got := ids(active); len(got) != 1 || got[0] != "ev" {
		t.Errorf("active = %v, want [ev]", got)
	}
	if mem.Event("ev").Expired || !mem.Event("old").Expired {
		t.Errorf("expired: ev=%v old=%v, want false/true", mem.Event("ev").Expired, mem.Event("old").Expired)
	}
	if m.expired != 1 {
		t.Errorf("expired metric = %d, want 1", m.expired)
	}
}

func TestListActive_StorageError(t *testing.T) {
	store := repotest.NewMemoryRideStore()
	store.FailOn["ListEvents"] = errors.New("db down")
	svc, _ := newTestService(store, base)

	if _, err := svc.ListActive(context.Background(), nil); err == nil {
		t.Error("expected error")
	}
}

func ids(events []*model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}
