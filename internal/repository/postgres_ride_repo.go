package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/rideboard/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反コード。
const uniqueViolation = "23505"

// querier は*sql.DBと*sql.Txの共通メソッドを抽象化する。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresRideRepo はPostgreSQLを使用したイベント・車・ライダーのリポジトリ。
type PostgresRideRepo struct {
	q querier
}

// PostgresRideStore はPostgresRideRepoにトランザクション実行を加えたもの。
type PostgresRideStore struct {
	*PostgresRideRepo
	db *sql.DB
}

// NewPostgresRideStore はPostgresRideStoreを生成する。
func NewPostgresRideStore(db *sql.DB) *PostgresRideStore {
	return &PostgresRideStore{
		PostgresRideRepo: &PostgresRideRepo{q: db},
		db:               db,
	}
}

// WithinTx はfnを1トランザクション内で実行する。
// fnがエラーを返した場合はロールバックする。
func (s *PostgresRideStore) WithinTx(ctx context.Context, fn func(repo RideRepository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PostgresRideRepo{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const eventColumns = `id, name, location, start_time, end_time, creator_id, expired, group_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	e := &model.Event{}
	var groupID sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &e.Location, &e.StartTime, &e.EndTime,
		&e.CreatorID, &e.Expired, &groupID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if groupID.Valid {
		g := groupID.String
		e.GroupID = &g
	}
	return e, nil
}

// CreateEvent はイベントを作成する。
func (r *PostgresRideRepo) CreateEvent(ctx context.Context, event *model.Event) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO events (id, name, location, start_time, end_time, creator_id, expired, group_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.Name, event.Location, event.StartTime, event.EndTime,
		event.CreatorID, event.Expired, event.GroupID, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// FindEventByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindEventByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	return e, nil
}

// LockEvent はイベント行をSELECT ... FOR UPDATEで取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) LockEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock event: %w", err)
	}
	return e, nil
}

// UpdateEvent はイベントの属性とexpiredフラグを更新する。
func (r *PostgresRideRepo) UpdateEvent(ctx context.Context, event *model.Event) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE events
		 SET name = $2, location = $3, start_time = $4, end_time = $5, expired = $6, group_id = $7, updated_at = $8
		 WHERE id = $1`,
		event.ID, event.Name, event.Location, event.StartTime, event.EndTime,
		event.Expired, event.GroupID, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// DeleteEvent はイベントを削除する。車とライダーはCASCADE削除される。
func (r *PostgresRideRepo) DeleteEvent(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// ListEvents は条件に一致するイベントをstart_time順で返す。
func (r *PostgresRideRepo) ListEvents(ctx context.Context, filter EventFilter) ([]*model.Event, error) {
	order := "ASC"
	if filter.Descending {
		order = "DESC"
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE expired = $1 AND ($2::varchar IS NULL OR group_id = $2::varchar)
		 ORDER BY start_time `+order+`, id`,
		filter.Expired, filter.GroupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// ExpireEventEndedBefore は指定イベントのend_timeがcutoffより前の場合のみ失効させる。
// 判定と更新を1文で行うため、直前に終了時刻を延ばす編集が入っても上書きしない。
func (r *PostgresRideRepo) ExpireEventEndedBefore(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE events SET expired = true, updated_at = now()
		 WHERE id = $1 AND expired = false AND end_time < $2`,
		id, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("failed to expire event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ExpireEndedBefore はend_timeがcutoffより前の未失効イベントを一括で失効させ、件数を返す。
func (r *PostgresRideRepo) ExpireEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE events SET expired = true, updated_at = now() WHERE expired = false AND end_time < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

const carColumns = `id, event_id, driver_id, driver_name, current_capacity, max_capacity,
	departure_time, return_time, comment, created_at, updated_at`

func scanCar(row rowScanner) (*model.Car, error) {
	c := &model.Car{}
	if err := row.Scan(&c.ID, &c.EventID, &c.DriverID, &c.DriverName, &c.CurrentCapacity, &c.MaxCapacity,
		&c.DepartureTime, &c.ReturnTime, &c.Comment, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresRideRepo) findCar(ctx context.Context, where string, args ...interface{}) (*model.Car, error) {
	c, err := scanCar(r.q.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find car: %w", err)
	}
	return c, nil
}

// CreateCar は車を作成する。
// (event_id, driver_id)の一意制約違反はCAR_ALREADY_OFFEREDとして返す。
func (r *PostgresRideRepo) CreateCar(ctx context.Context, car *model.Car) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO cars (id, event_id, driver_id, driver_name, current_capacity, max_capacity,
		   departure_time, return_time, comment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		car.ID, car.EventID, car.DriverID, car.DriverName, car.CurrentCapacity, car.MaxCapacity,
		car.DepartureTime, car.ReturnTime, car.Comment, car.CreatedAt, car.UpdatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewCarAlreadyOfferedError()
		}
		return fmt.Errorf("failed to create car: %w", err)
	}
	return nil
}

// FindCarByID は指定IDの車を取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindCarByID(ctx context.Context, id string) (*model.Car, error) {
	return r.findCar(ctx, `id = $1`, id)
}

// FindSentinelCar はイベントの「Need a Ride」車を取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindSentinelCar(ctx context.Context, eventID string) (*model.Car, error) {
	return r.findCar(ctx, `event_id = $1 AND driver_id = $2`, eventID, model.SentinelDriverID)
}

// FindCarByDriver はイベント内で指定ユーザーが運転する車を取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindCarByDriver(ctx context.Context, eventID, driverID string) (*model.Car, error) {
	return r.findCar(ctx, `event_id = $1 AND driver_id = $2`, eventID, driverID)
}

// ListCarsByEvent はイベントの車一覧を「Need a Ride」車を先頭に作成順で返す。
func (r *PostgresRideRepo) ListCarsByEvent(ctx context.Context, eventID string) ([]*model.Car, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+carColumns+` FROM cars WHERE event_id = $1
		 ORDER BY (driver_id = $2) DESC, created_at, id`,
		eventID, model.SentinelDriverID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cars: %w", err)
	}
	defer rows.Close()

	var cars []*model.Car
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan car: %w", err)
		}
		cars = append(cars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cars: %w", err)
	}
	return cars, nil
}

// UpdateCar は車の定員・時刻・コメントを更新する。
func (r *PostgresRideRepo) UpdateCar(ctx context.Context, car *model.Car) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE cars
		 SET max_capacity = $2, departure_time = $3, return_time = $4, comment = $5, updated_at = $6
		 WHERE id = $1`,
		car.ID, car.MaxCapacity, car.DepartureTime, car.ReturnTime, car.Comment, car.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update car: %w", err)
	}
	return nil
}

// UpdateSentinelTimes はイベントの「Need a Ride」車の出発・帰着時刻を更新する。
func (r *PostgresRideRepo) UpdateSentinelTimes(ctx context.Context, eventID string, departure, ret time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE cars SET departure_time = $3, return_time = $4, updated_at = now()
		 WHERE event_id = $1 AND driver_id = $2`,
		eventID, model.SentinelDriverID, departure, ret,
	)
	if err != nil {
		return fmt.Errorf("failed to update sentinel car: %w", err)
	}
	return nil
}

// AdjustOccupancy は車のcurrent_capacityをdeltaだけ増減する。
func (r *PostgresRideRepo) AdjustOccupancy(ctx context.Context, carID string, delta int) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE cars SET current_capacity = current_capacity + $2, updated_at = now() WHERE id = $1`,
		carID, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust occupancy: %w", err)
	}
	return nil
}

// DeleteCar は車を削除する。ライダーはCASCADE削除される。
func (r *PostgresRideRepo) DeleteCar(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM cars WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete car: %w", err)
	}
	return nil
}

const riderColumns = `r.id, r.car_id, r.user_id, r.name, r.chat_handle, r.email, r.created_at`

func scanRider(row rowScanner) (*model.Rider, error) {
	rd := &model.Rider{}
	if err := row.Scan(&rd.ID, &rd.CarID, &rd.UserID, &rd.Name, &rd.ChatHandle, &rd.Email, &rd.CreatedAt); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *PostgresRideRepo) listRiders(ctx context.Context, query string, args ...interface{}) ([]*model.Rider, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list riders: %w", err)
	}
	defer rows.Close()

	var riders []*model.Rider
	for rows.Next() {
		rd, err := scanRider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rider: %w", err)
		}
		riders = append(riders, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate riders: %w", err)
	}
	return riders, nil
}

// CreateRider はライダーを作成する。
// (car_id, user_id)の一意制約違反はALREADY_IN_EVENTとして返す。
func (r *PostgresRideRepo) CreateRider(ctx context.Context, rider *model.Rider) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO riders (id, car_id, user_id, name, chat_handle, email, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rider.ID, rider.CarID, rider.UserID, rider.Name, rider.ChatHandle, rider.Email, rider.CreatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewAlreadyInEventError()
		}
		return fmt.Errorf("failed to create rider: %w", err)
	}
	return nil
}

// FindRider は車とユーザーでライダーを取得する。見つからない場合はnilを返す。
func (r *PostgresRideRepo) FindRider(ctx context.Context, carID, userID string) (*model.Rider, error) {
	rd, err := scanRider(r.q.QueryRowContext(ctx,
		`SELECT `+riderColumns+` FROM riders r WHERE r.car_id = $1 AND r.user_id = $2`,
		carID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rider: %w", err)
	}
	return rd, nil
}

// FindRiderInEvent はイベント内の任意の車に乗車しているライダーを取得する。
func (r *PostgresRideRepo) FindRiderInEvent(ctx context.Context, eventID, userID string) (*model.Rider, error) {
	rd, err := scanRider(r.q.QueryRowContext(ctx,
		`SELECT `+riderColumns+` FROM riders r JOIN cars c ON c.id = r.car_id
		 WHERE c.event_id = $1 AND r.user_id = $2
		 LIMIT 1`,
		eventID, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rider in event: %w", err)
	}
	return rd, nil
}

// ListRidersByCar は車のライダー一覧を参加順で返す。
func (r *PostgresRideRepo) ListRidersByCar(ctx context.Context, carID string) ([]*model.Rider, error) {
	return r.listRiders(ctx,
		`SELECT `+riderColumns+` FROM riders r WHERE r.car_id = $1 ORDER BY r.created_at, r.id`,
		carID)
}

// ListRidersByEvent はイベント内の全ライダーを返す。
func (r *PostgresRideRepo) ListRidersByEvent(ctx context.Context, eventID string) ([]*model.Rider, error) {
	return r.listRiders(ctx,
		`SELECT `+riderColumns+` FROM riders r JOIN cars c ON c.id = r.car_id
		 WHERE c.event_id = $1 ORDER BY r.created_at, r.id`,
		eventID)
}

// DeleteRider はライダーを削除する。
func (r *PostgresRideRepo) DeleteRider(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM riders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete rider: %w", err)
	}
	return nil
}

// ListEventIDsForUser はユーザーが運転または乗車しているイベントIDを返す。
func (r *PostgresRideRepo) ListEventIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT event_id FROM cars WHERE driver_id = $1
		 UNION
		 SELECT c.event_id FROM riders r JOIN cars c ON c.id = r.car_id WHERE r.user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list event ids for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event ids: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var (
	_ RideRepository = (*PostgresRideRepo)(nil)
	_ RideStore      = (*PostgresRideStore)(nil)
)
