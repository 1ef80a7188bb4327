package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// booking_seats.active is 1 while the seat belongs to a PENDING or
// CONFIRMED booking and NULL once the booking is cancelled.  MySQL allows
// many NULLs in a unique index, so uq_active_seat permits any number of
// released rows but only one live row per seat.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS showtimes (
		show_key     VARCHAR(255) NOT NULL PRIMARY KEY,
		event_id     VARCHAR(128) NOT NULL,
		show_date    VARCHAR(16)  NOT NULL DEFAULT '',
		location     VARCHAR(128) NOT NULL DEFAULT '',
		show_time    VARCHAR(16)  NOT NULL DEFAULT '',
		starts_at    DATETIME(3)  NOT NULL,
		capacity     INT          NOT NULL,
		seat_rows    INT          NOT NULL DEFAULT 0,
		seat_cols    INT          NOT NULL DEFAULT 0,
		seat_level   TINYINT(1)   NOT NULL DEFAULT 0,
		price_cents  BIGINT       NOT NULL,
		created_at   DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		updated_at   DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id                CHAR(36)     NOT NULL PRIMARY KEY,
		user_id           VARCHAR(64)  NOT NULL,
		show_key          VARCHAR(255) NOT NULL,
		quantity          INT          NOT NULL,
		total_price_cents BIGINT       NOT NULL,
		status            ENUM('PENDING','CONFIRMED','CANCELLED') NOT NULL,
		payment_ref       VARCHAR(128) NULL,
		payment_deadline  DATETIME(3)  NOT NULL,
		created_at        DATETIME(3)  NOT NULL,
		updated_at        DATETIME(3)  NOT NULL,
		KEY idx_bookings_user (user_id),
		KEY idx_bookings_show_status (show_key, status),
		KEY idx_bookings_deadline (status, payment_deadline),
		CONSTRAINT fk_bookings_show FOREIGN KEY (show_key) REFERENCES showtimes (show_key)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS booking_seats (
		booking_id CHAR(36)     NOT NULL,
		show_key   VARCHAR(255) NOT NULL,
		seat_id    VARCHAR(16)  NOT NULL,
		active     TINYINT(1)   NULL DEFAULT 1,
		PRIMARY KEY (booking_id, seat_id),
		UNIQUE KEY uq_active_seat (show_key, seat_id, active),
		CONSTRAINT fk_booking_seats_booking FOREIGN KEY (booking_id) REFERENCES bookings (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates the tables used by the seat map store if they do
// not exist yet.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
