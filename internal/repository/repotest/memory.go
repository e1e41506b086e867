// Package repotest はテスト用のインメモリRideStoreを提供する。
// WithinTxはスナップショットを複製して実行し、成功時のみ書き戻す。
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/rideboard/internal/model"
	"github.com/hitoshi/rideboard/internal/repository"
)

type state struct {
	events map[string]*model.Event
	cars   map[string]*model.Car
	riders map[string]*model.Rider
	order  map[string]int64 // car/rider id -> 作成順
	seq    int64
}

func newState() *state {
	return &state{
		events: make(map[string]*model.Event),
		cars:   make(map[string]*model.Car),
		riders: make(map[string]*model.Rider),
		order:  make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.events {
		e := *v
		c.events[k] = &e
	}
	for k, v := range s.cars {
		car := *v
		c.cars[k] = &car
	}
	for k, v := range s.riders {
		r := *v
		c.riders[k] = &r
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	c.seq = s.seq
	return c
}

// MemoryRideStore はrepository.RideStoreのインメモリ実装。
// 全操作を1つのミューテックスで直列化する。
type MemoryRideStore struct {
	*memRepo

	// FailOn に操作名（"CreateRider"など）をキーとしてエラーを設定すると、
	// その操作が呼ばれたときにエラーを返す。
	FailOn map[string]error

	mu sync.Mutex
	st *state
}

// NewMemoryRideStore は空のMemoryRideStoreを生成する。
func NewMemoryRideStore() *MemoryRideStore {
	s := &MemoryRideStore{
		FailOn: make(map[string]error),
		st:     newState(),
	}
	s.memRepo = &memRepo{store: s, st: s.st, locked: false}
	return s
}

// WithinTx はfnをスナップショット上で実行し、成功時のみ結果を反映する。
func (s *MemoryRideStore) WithinTx(ctx context.Context, fn func(repo repository.RideRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memRepo{store: s, st: snapshot, locked: true}); err != nil {
		return err
	}
	*s.st = *snapshot
	return nil
}

// SeedEvent はイベントをそのまま登録する。
func (s *MemoryRideStore) SeedEvent(e *model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.st.events[e.ID] = &cp
}

// SeedCar は車をそのまま登録する。
func (s *MemoryRideStore) SeedCar(c *model.Car) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.st.cars[c.ID] = &cp
	s.st.seq++
	s.st.order[c.ID] = s.st.seq
}

// SeedRider はライダーをそのまま登録する。current_capacityは変更しない。
func (s *MemoryRideStore) SeedRider(r *model.Rider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.st.riders[r.ID] = &cp
	s.st.seq++
	s.st.order[r.ID] = s.st.seq
}

// Car はテスト検証用に車のコピーを返す。存在しない場合はnil。
func (s *MemoryRideStore) Car(id string) *model.Car {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.cars[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Event はテスト検証用にイベントのコピーを返す。存在しない場合はnil。
func (s *MemoryRideStore) Event(id string) *model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.events[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// RiderCount はテスト検証用に車のライダー数を返す。
func (s *MemoryRideStore) RiderCount(carID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.st.riders {
		if r.CarID == carID {
			n++
		}
	}
	return n
}

// memRepo はstateに対するRideRepository実装。
// lockedがfalseの場合は各操作でストアのミューテックスを取得する。
type memRepo struct {
	store  *MemoryRideStore
	st     *state
	locked bool
}

func (r *memRepo) enter(op string) (func(), error) {
	release := func() {}
	if !r.locked {
		r.store.mu.Lock()
		release = r.store.mu.Unlock
	}
	if err, ok := r.store.FailOn[op]; ok && err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (r *memRepo) nextSeq(id string) {
	r.st.seq++
	r.st.order[id] = r.st.seq
}

func (r *memRepo) CreateEvent(_ context.Context, event *model.Event) error {
	release, err := r.enter("CreateEvent")
	if err != nil {
		return err
	}
	defer release()
	cp := *event
	r.st.events[event.ID] = &cp
	return nil
}

func (r *memRepo) FindEventByID(_ context.Context, id string) (*model.Event, error) {
	release, err := r.enter("FindEventByID")
	if err != nil {
		return nil, err
	}
	defer release()
	e, ok := r.st.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	if err, ok := r.store.FailOn["LockEvent"]; ok && err != nil {
		return nil, err
	}
	return r.FindEventByID(ctx, id)
}

func (r *memRepo) UpdateEvent(_ context.Context, event *model.Event) error {
	release, err := r.enter("UpdateEvent")
	if err != nil {
		return err
	}
	defer release()
	if _, ok := r.st.events[event.ID]; !ok {
		return nil
	}
	cp := *event
	r.st.events[event.ID] = &cp
	return nil
}

func (r *memRepo) DeleteEvent(_ context.Context, id string) error {
	release, err := r.enter("DeleteEvent")
	if err != nil {
		return err
	}
	defer release()
	delete(r.st.events, id)
	for carID, c := range r.st.cars {
		if c.EventID == id {
			r.deleteCarLocked(carID)
		}
	}
	return nil
}

func (r *memRepo) ListEvents(_ context.Context, filter repository.EventFilter) ([]*model.Event, error) {
	release, err := r.enter("ListEvents")
	if err != nil {
		return nil, err
	}
	defer release()
	var events []*model.Event
	for _, e := range r.st.events {
		if e.Expired != filter.Expired {
			continue
		}
		if filter.GroupID != nil && (e.GroupID == nil || *e.GroupID != *filter.GroupID) {
			continue
		}
		cp := *e
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			if filter.Descending {
				return events[i].StartTime.After(events[j].StartTime)
			}
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (r *memRepo) ExpireEventEndedBefore(_ context.Context, id string, cutoff time.Time) (bool, error) {
	release, err := r.enter("ExpireEventEndedBefore")
	if err != nil {
		return false, err
	}
	defer release()
	e, ok := r.st.events[id]
	if !ok || e.Expired || !e.EndTime.Before(cutoff) {
		return false, nil
	}
	e.Expired = true
	return true, nil
}

func (r *memRepo) ExpireEndedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	release, err := r.enter("ExpireEndedBefore")
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	for _, e := range r.st.events {
		if !e.Expired && e.EndTime.Before(cutoff) {
			e.Expired = true
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CreateCar(_ context.Context, car *model.Car) error {
	release, err := r.enter("CreateCar")
	if err != nil {
		return err
	}
	defer release()
	for _, c := range r.st.cars {
		if c.EventID == car.EventID && c.DriverID == car.DriverID {
			return model.NewCarAlreadyOfferedError()
		}
	}
	cp := *car
	r.st.cars[car.ID] = &cp
	r.nextSeq(car.ID)
	return nil
}

func (r *memRepo) findCar(op string, match func(*model.Car) bool) (*model.Car, error) {
	release, err := r.enter(op)
	if err != nil {
		return nil, err
	}
	defer release()
	for _, c := range r.st.cars {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindCarByID(_ context.Context, id string) (*model.Car, error) {
	return r.findCar("FindCarByID", func(c *model.Car) bool { return c.ID == id })
}

func (r *memRepo) FindSentinelCar(_ context.Context, eventID string) (*model.Car, error) {
	return r.findCar("FindSentinelCar", func(c *model.Car) bool {
		return c.EventID == eventID && c.DriverID == model.SentinelDriverID
	})
}

func (r *memRepo) FindCarByDriver(_ context.Context, eventID, driverID string) (*model.Car, error) {
	return r.findCar("FindCarByDriver", func(c *model.Car) bool {
		return c.EventID == eventID && c.DriverID == driverID
	})
}

func (r *memRepo) ListCarsByEvent(_ context.Context, eventID string) ([]*model.Car, error) {
	release, err := r.enter("ListCarsByEvent")
	if err != nil {
		return nil, err
	}
	defer release()
	var cars []*model.Car
	for _, c := range r.st.cars {
		if c.EventID == eventID {
			cp := *c
			cars = append(cars, &cp)
		}
	}
	sort.Slice(cars, func(i, j int) bool {
		if cars[i].IsSentinel() != cars[j].IsSentinel() {
			return cars[i].IsSentinel()
		}
		return r.st.order[cars[i].ID] < r.st.order[cars[j].ID]
	})
	return cars, nil
}

func (r *memRepo) UpdateCar(_ context.Context, car *model.Car) error {
	release, err := r.enter("UpdateCar")
	if err != nil {
		return err
	}
	defer release()
	c, ok := r.st.cars[car.ID]
	if !ok {
		return nil
	}
	c.MaxCapacity = car.MaxCapacity
	c.DepartureTime = car.DepartureTime
	c.ReturnTime = car.ReturnTime
	c.Comment = car.Comment
	c.UpdatedAt = car.UpdatedAt
	return nil
}

func (r *memRepo) UpdateSentinelTimes(_ context.Context, eventID string, departure, ret time.Time) error {
	release, err := r.enter("UpdateSentinelTimes")
	if err != nil {
		return err
	}
	defer release()
	for _, c := range r.st.cars {
		if c.EventID == eventID && c.IsSentinel() {
			c.DepartureTime = departure
			c.ReturnTime = ret
		}
	}
	return nil
}

func (r *memRepo) AdjustOccupancy(_ context.Context, carID string, delta int) error {
	release, err := r.enter("AdjustOccupancy")
	if err != nil {
		return err
	}
	defer release()
	if c, ok := r.st.cars[carID]; ok {
		c.CurrentCapacity += delta
	}
	return nil
}

func (r *memRepo) DeleteCar(_ context.Context, id string) error {
	release, err := r.enter("DeleteCar")
	if err != nil {
		return err
	}
	defer release()
	r.deleteCarLocked(id)
	return nil
}

func (r *memRepo) deleteCarLocked(id string) {
	delete(r.st.cars, id)
	delete(r.st.order, id)
	for riderID, rd := range r.st.riders {
		if rd.CarID == id {
			delete(r.st.riders, riderID)
			delete(r.st.order, riderID)
		}
	}
}

func (r *memRepo) CreateRider(_ context.Context, rider *model.Rider) error {
	release, err := r.enter("CreateRider")
	if err != nil {
		return err
	}
	defer release()
	for _, rd := range r.st.riders {
		if rd.CarID == rider.CarID && rd.UserID == rider.UserID {
			return model.NewAlreadyInEventError()
		}
	}
	cp := *rider
	r.st.riders[rider.ID] = &cp
	r.nextSeq(rider.ID)
	return nil
}

func (r *memRepo) FindRider(_ context.Context, carID, userID string) (*model.Rider, error) {
	release, err := r.enter("FindRider")
	if err != nil {
		return nil, err
	}
	defer release()
	for _, rd := range r.st.riders {
		if rd.CarID == carID && rd.UserID == userID {
			cp := *rd
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindRiderInEvent(_ context.Context, eventID, userID string) (*model.Rider, error) {
	release, err := r.enter("FindRiderInEvent")
	if err != nil {
		return nil, err
	}
	defer release()
	for _, rd := range r.st.riders {
		c, ok := r.st.cars[rd.CarID]
		if ok && c.EventID == eventID && rd.UserID == userID {
			cp := *rd
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) listRiders(op string, match func(*model.Rider) bool) ([]*model.Rider, error) {
	release, err := r.enter(op)
	if err != nil {
		return nil, err
	}
	defer release()
	var riders []*model.Rider
	for _, rd := range r.st.riders {
		if match(rd) {
			cp := *rd
			riders = append(riders, &cp)
		}
	}
	sort.Slice(riders, func(i, j int) bool {
		return r.st.order[riders[i].ID] < r.st.order[riders[j].ID]
	})
	return riders, nil
}

func (r *memRepo) ListRidersByCar(_ context.Context, carID string) ([]*model.Rider, error) {
	return r.listRiders("ListRidersByCar", func(rd *model.Rider) bool { return rd.CarID == carID })
}

func (r *memRepo) ListRidersByEvent(_ context.Context, eventID string) ([]*model.Rider, error) {
	return r.listRiders("ListRidersByEvent", func(rd *model.Rider) bool {
		c, ok := r.st.cars[rd.CarID]
		return ok && c.EventID == eventID
	})
}

func (r *memRepo) DeleteRider(_ context.Context, id string) error {
	release, err := r.enter("DeleteRider")
	if err != nil {
		return err
	}
	defer release()
	delete(r.st.riders, id)
	delete(r.st.order, id)
	return nil
}

func (r *memRepo) ListEventIDsForUser(_ context.Context, userID string) ([]string, error) {
	release, err := r.enter("ListEventIDsForUser")
	if err != nil {
		return nil, err
	}
	defer release()
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, c := range r.st.cars {
		if c.DriverID == userID {
			add(c.EventID)
		}
	}
	for _, rd := range r.st.riders {
		if c, ok := r.st.cars[rd.CarID]; ok && rd.UserID == userID {
			add(c.EventID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// compile-time interface check
var _ repository.RideStore = (*MemoryRideStore)(nil)
