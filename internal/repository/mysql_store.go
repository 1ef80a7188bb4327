package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iliyamo/showtime-seating/internal/model"
)

// MySQLStore implements SeatMapStore on MySQL.  All timestamps are
// stored in UTC.
type MySQLStore struct {
	db *sqlx.DB
}

var _ SeatMapStore = (*MySQLStore)(nil)

// NewMySQLStore returns a store bound to db.
func NewMySQLStore(db *sqlx.DB) *MySQLStore { return &MySQLStore{db: db} }

// DB exposes the underlying handle for health checks.
func (s *MySQLStore) DB() *sqlx.DB { return s.db }

// showtimeRow mirrors the showtimes table.
type showtimeRow struct {
	ShowKey    string    `db:"show_key"`
	EventID    string    `db:"event_id"`
	ShowDate   string    `db:"show_date"`
	Location   string    `db:"location"`
	ShowTime   string    `db:"show_time"`
	StartsAt   time.Time `db:"starts_at"`
	Capacity   int       `db:"capacity"`
	SeatRows   int       `db:"seat_rows"`
	SeatCols   int       `db:"seat_cols"`
	SeatLevel  bool      `db:"seat_level"`
	PriceCents int64     `db:"price_cents"`
}

func (r showtimeRow) model() model.Showtime {
	return model.Showtime{
		Key:        model.ShowtimeKey{EventID: r.EventID, Date: r.ShowDate, Location: r.Location, Time: r.ShowTime},
		StartsAt:   r.StartsAt.UTC(),
		Capacity:   r.Capacity,
		SeatRows:   r.SeatRows,
		SeatCols:   r.SeatCols,
		SeatLevel:  r.SeatLevel,
		PriceCents: r.PriceCents,
	}
}

// bookingRow mirrors the bookings table.
type bookingRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	ShowKey         string         `db:"show_key"`
	Quantity        int            `db:"quantity"`
	TotalPriceCents int64          `db:"total_price_cents"`
	Status          string         `db:"status"`
	PaymentRef      sql.NullString `db:"payment_ref"`
	PaymentDeadline time.Time      `db:"payment_deadline"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r bookingRow) model(seats []model.SeatID) (model.Booking, error) {
	key, err := model.ParseShowtimeKey(r.ShowKey)
	if err != nil {
		return model.Booking{}, err
	}
	return model.Booking{
		ID:              r.ID,
		UserID:          r.UserID,
		Showtime:        key,
		Seats:           seats,
		Quantity:        r.Quantity,
		TotalPriceCents: r.TotalPriceCents,
		Status:          model.BookingStatus(r.Status),
		PaymentRef:      r.PaymentRef.String,
		PaymentDeadline: r.PaymentDeadline.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}, nil
}

const bookingColumns = `id, user_id, show_key, quantity, total_price_cents, status, payment_ref, payment_deadline, created_at, updated_at`

func (s *MySQLStore) UpsertShowtime(ctx context.Context, st model.Showtime) error {
	const q = `INSERT INTO showtimes
		(show_key, event_id, show_date, location, show_time, starts_at, capacity, seat_rows, seat_cols, seat_level, price_cents)
		VALUES (:show_key, :event_id, :show_date, :location, :show_time, :starts_at, :capacity, :seat_rows, :seat_cols, :seat_level, :price_cents)
		ON DUPLICATE KEY UPDATE
			starts_at = VALUES(starts_at), capacity = VALUES(capacity), seat_rows = VALUES(seat_rows),
			seat_cols = VALUES(seat_cols), seat_level = VALUES(seat_level), price_cents = VALUES(price_cents)`
	row := showtimeRow{
		ShowKey: st.Key.String(), EventID: st.Key.EventID, ShowDate: st.Key.Date,
		Location: st.Key.Location, ShowTime: st.Key.Time, StartsAt: st.StartsAt.UTC(),
		Capacity: st.Capacity, SeatRows: st.SeatRows, SeatCols: st.SeatCols,
		SeatLevel: st.SeatLevel, PriceCents: st.PriceCents,
	}
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return persistence("upsert showtime", err)
	}
	return nil
}

func (s *MySQLStore) GetShowtime(ctx context.Context, key model.ShowtimeKey) (model.Showtime, error) {
	var row showtimeRow
	err := s.db.GetContext(ctx, &row, `SELECT show_key, event_id, show_date, location, show_time, starts_at,
		capacity, seat_rows, seat_cols, seat_level, price_cents FROM showtimes WHERE show_key = ?`, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return model.Showtime{}, model.ErrShowtimeNotFound
	}
	if err != nil {
		return model.Showtime{}, persistence("get showtime", err)
	}
	return row.model(), nil
}

func (s *MySQLStore) BookedSeats(ctx context.Context, key model.ShowtimeKey) (map[model.SeatID]string, error) {
	var rows []struct {
		SeatID    string `db:"seat_id"`
		BookingID string `db:"booking_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seat_id, booking_id FROM booking_seats WHERE show_key = ? AND active = 1`, key.String())
	if err != nil {
		return nil, persistence("booked seats", err)
	}
	out := make(map[model.SeatID]string, len(rows))
	for _, r := range rows {
		out[model.SeatID(r.SeatID)] = r.BookingID
	}
	return out, nil
}

func (s *MySQLStore) SoldQuantity(ctx context.Context, key model.ShowtimeKey) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COALESCE(SUM(quantity), 0) FROM bookings
		WHERE show_key = ? AND status IN ('PENDING','CONFIRMED')`, key.String())
	if err != nil {
		return 0, persistence("sold quantity", err)
	}
	return n, nil
}

func (s *MySQLStore) CreatePending(ctx context.Context, b model.Booking) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistence("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if !b.SeatLevel() {
		// Quantity-only flows serialize on the showtime row; seat-level
		// flows rely on uq_active_seat and take no showtime-wide lock.
		var capacity int
		err := tx.GetContext(ctx, &capacity, `SELECT capacity FROM showtimes WHERE show_key = ? FOR UPDATE`, b.Showtime.String())
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrShowtimeNotFound
		}
		if err != nil {
			return persistence("lock showtime", err)
		}
		var sold int
		if err := tx.GetContext(ctx, &sold, `SELECT COALESCE(SUM(quantity), 0) FROM bookings
			WHERE show_key = ? AND status IN ('PENDING','CONFIRMED')`, b.Showtime.String()); err != nil {
			return persistence("sold quantity", err)
		}
		if sold+b.Quantity > capacity {
			return fmt.Errorf("%d requested, %d left: %w", b.Quantity, capacity-sold, model.ErrCapacityExceeded)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		b.ID, b.UserID, b.Showtime.String(), b.Quantity, b.TotalPriceCents, string(model.BookingPending),
		b.PaymentDeadline.UTC(), b.CreatedAt.UTC(), b.CreatedAt.UTC())
	if err != nil {
		return persistence("insert booking", err)
	}

	if len(b.Seats) > 0 {
		query := `INSERT INTO booking_seats (booking_id, show_key, seat_id, active) VALUES `
		args := make([]interface{}, 0, len(b.Seats)*3)
		for i, seat := range b.Seats {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, 1)"
			args = append(args, b.ID, b.Showtime.String(), string(seat))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("insert seats: %w", model.ErrSeatNoLongerAvailable)
			}
			return persistence("insert seats", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistence("commit", err)
	}
	committed = true
	return nil
}

func (s *MySQLStore) Confirm(ctx context.Context, id, paymentRef string, now time.Time) (model.Booking, bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE bookings SET status = 'CONFIRMED', payment_ref = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`, paymentRef, now.UTC(), id)
	if err != nil {
		return model.Booking{}, false, persistence("confirm", err)
	}
	n, _ := res.RowsAffected()
	b, err := s.GetBooking(ctx, id)
	return b, n == 1, err
}

func (s *MySQLStore) Cancel(ctx context.Context, id string, now time.Time) (model.Booking, bool, error) {
	return s.cancel(ctx, id, now, model.BookingPending, model.BookingConfirmed)
}

func (s *MySQLStore) CancelPending(ctx context.Context, id string, now time.Time) (model.Booking, bool, error) {
	return s.cancel(ctx, id, now, model.BookingPending)
}

func (s *MySQLStore) cancel(ctx context.Context, id string, now time.Time, from ...model.BookingStatus) (model.Booking, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Booking{}, false, persistence("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var row bookingRow
	err = tx.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, false, model.ErrBookingNotFound
	}
	if err != nil {
		return model.Booking{}, false, persistence("lock booking", err)
	}
	seats, err := seatsOf(ctx, tx, id)
	if err != nil {
		return model.Booking{}, false, err
	}

	allowed := false
	for _, st := range from {
		if row.Status == string(st) {
			allowed = true
		}
	}
	if !allowed {
		b, err := row.model(seats)
		return b, false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bookings SET status = 'CANCELLED', updated_at = ? WHERE id = ?`, now.UTC(), id); err != nil {
		return model.Booking{}, false, persistence("cancel booking", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE booking_seats SET active = NULL WHERE booking_id = ?`, id); err != nil {
		return model.Booking{}, false, persistence("release seats", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Booking{}, false, persistence("commit", err)
	}
	committed = true

	row.Status = string(model.BookingCancelled)
	row.UpdatedAt = now.UTC()
	b, err := row.model(seats)
	return b, true, err
}

func seatsOf(ctx context.Context, q sqlx.QueryerContext, bookingID string) ([]model.SeatID, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, q, &ids, `SELECT seat_id FROM booking_seats WHERE booking_id = ?`, bookingID); err != nil {
		return nil, persistence("booking seats", err)
	}
	return toSeatIDs(ids), nil
}

func toSeatIDs(ids []string) []model.SeatID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]model.SeatID, len(ids))
	for i, id := range ids {
		out[i] = model.SeatID(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MySQLStore) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	var row bookingRow
	err := s.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, model.ErrBookingNotFound
	}
	if err != nil {
		return model.Booking{}, persistence("get booking", err)
	}
	seats, err := seatsOf(ctx, s.db, id)
	if err != nil {
		return model.Booking{}, err
	}
	return row.model(seats)
}

func (s *MySQLStore) ListByUser(ctx context.Context, userID string) ([]model.Booking, error) {
	var rows []bookingRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = ? ORDER BY created_at DESC`, userID); err != nil {
		return nil, persistence("list bookings", err)
	}
	return s.withSeats(ctx, rows)
}

func (s *MySQLStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []bookingRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'PENDING' AND payment_deadline < ? ORDER BY payment_deadline LIMIT ?`, now.UTC(), limit); err != nil {
		return nil, persistence("expired pending", err)
	}
	return s.withSeats(ctx, rows)
}

func (s *MySQLStore) withSeats(ctx context.Context, rows []bookingRow) ([]model.Booking, error) {
	out := make([]model.Booking, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	q, args, err := sqlx.In(`SELECT booking_id, seat_id FROM booking_seats WHERE booking_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var seatRows []struct {
		BookingID string `db:"booking_id"`
		SeatID    string `db:"seat_id"`
	}
	if err := s.db.SelectContext(ctx, &seatRows, s.db.Rebind(q), args...); err != nil {
		return nil, persistence("booking seats", err)
	}
	byBooking := map[string][]string{}
	for _, sr := range seatRows {
		byBooking[sr.BookingID] = append(byBooking[sr.BookingID], sr.SeatID)
	}
	for _, r := range rows {
		b, err := r.model(toSeatIDs(byBooking[r.ID]))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
