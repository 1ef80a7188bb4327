// Command loadtest drives many concurrent seat controllers against a
// running server and checks that no seat is sold twice.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/showtime-seating/internal/booking"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
	"github.com/iliyamo/showtime-seating/internal/seatctl"
	"github.com/iliyamo/showtime-seating/internal/utils"
)

type options struct {
	host        string
	clients     int
	quantity    int
	rows        int
	cols        int
	attempts    int
	timeout     time.Duration
	jwtSecret   string
	proofSecret string
}

type metrics struct {
	confirmed  atomic.Int64
	rejected   atomic.Int64
	soldOut    atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64

	mu     sync.Mutex
	owners map[model.SeatID]string
	lat    []time.Duration
}

func (m *metrics) record(userID string, b model.Booking, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lat = append(m.lat, took)
	for _, s := range b.Seats {
		if prev, ok := m.owners[s]; ok {
			m.duplicates.Add(1)
			logrus.WithFields(logrus.Fields{"seat": s, "first": prev, "second": userID}).Error("seat sold twice")
			continue
		}
		m.owners[s] = userID
	}
}

func main() {
	_ = godotenv.Load()
	var o options
	flag.StringVar(&o.host, "host", envOr("API_HOST", "http://localhost:8080"), "server base URL")
	flag.IntVar(&o.clients, "clients", 200, "number of concurrent buyers")
	flag.IntVar(&o.quantity, "quantity", 2, "seats per booking")
	flag.IntVar(&o.rows, "rows", 10, "seat map rows")
	flag.IntVar(&o.cols, "cols", 20, "seats per row")
	flag.IntVar(&o.attempts, "attempts", 5, "submissions per buyer before giving up")
	flag.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.StringVar(&o.jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "secret used to mint access tokens")
	flag.StringVar(&o.proofSecret, "proof-secret", os.Getenv("PAYMENT_PROOF_SECRET"), "secret used to sign payment proofs")
	flag.Parse()

	logging.Init(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))
	if o.jwtSecret == "" || o.proofSecret == "" {
		logrus.Fatal("jwt-secret and proof-secret are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	key := model.ShowtimeKey{EventID: "loadtest-" + uuid.NewString()[:8]}
	if err := provision(ctx, o, key); err != nil {
		logrus.WithError(err).Fatal("provision showtime")
	}
	logrus.WithFields(logrus.Fields{
		"showtime": key.String(), "seats": o.rows * o.cols, "clients": o.clients,
	}).Info("load test started")

	m := &metrics{owners: map[model.SeatID]string{}}
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < o.clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer(ctx, o, key, fmt.Sprintf("buyer-%04d", i), m)
		}(i)
	}
	wg.Wait()
	report(o, m, time.Since(start))
	if m.duplicates.Load() > 0 {
		os.Exit(1)
	}
}

func buyer(ctx context.Context, o options, key model.ShowtimeKey, userID string, m *metrics) {
	log := logrus.WithField("user", userID)
	tok, err := utils.NewAccessToken(o.jwtSecret, userID, model.RoleCustomer, time.Hour)
	if err != nil {
		m.failed.Add(1)
		log.WithError(err).Error("mint token")
		return
	}
	gw, err := seatctl.Dial(ctx, seatctl.GatewayConfig{
		BaseURL:  o.host,
		Showtime: key,
		Token:    tok.Token,
		Pay: func(_ context.Context, b model.Booking) (string, error) {
			return booking.SignProof(o.proofSecret, userID, b.TotalPriceCents, "lt-"+b.ID, time.Minute)
		},
	})
	if err != nil {
		m.failed.Add(1)
		log.WithError(err).Error("join room")
		return
	}
	defer gw.Close()

	ctl := seatctl.New(gw, userID, o.quantity)
	gw.OnEvent(ctl.Apply)
	gw.OnSnapshot(ctl.ApplySnapshot)
	if err := ctl.Start(ctx); err != nil {
		m.failed.Add(1)
		log.WithError(err).Error("load seat map")
		return
	}

	for attempt := 0; attempt < o.attempts; attempt++ {
		free := ctl.Available()
		if len(free) == 0 && len(ctl.Selection()) == 0 {
			m.soldOut.Add(1)
			return
		}
		rand.Shuffle(len(free), func(i, j int) { free[i], free[j] = free[j], free[i] })
		for _, seat := range free {
			if len(ctl.Selection()) >= o.quantity {
				break
			}
			if err := ctl.Select(ctx, seat); err != nil && !errors.Is(err, model.ErrSeatUnavailable) && !errors.Is(err, model.ErrSeatNoLongerAvailable) {
				log.WithError(err).Debug("select")
			}
		}
		if len(ctl.Selection()) == 0 {
			continue
		}
		began := time.Now()
		b, err := ctl.Submit(ctx)
		if err == nil && b.Status != model.BookingConfirmed {
			log.WithField("booking", b.ID).Warn("booking left pending")
			m.failed.Add(1)
			return
		}
		if err == nil {
			m.confirmed.Add(1)
			m.record(userID, b, time.Since(began))
			return
		}
		m.rejected.Add(1)
		log.WithError(err).Debug("submit rejected")
		if ctx.Err() != nil {
			m.failed.Add(1)
			return
		}
	}
	m.failed.Add(1)
}

func provision(ctx context.Context, o options, key model.ShowtimeKey) error {
	tok, err := utils.NewAccessToken(o.jwtSecret, "loadtest-admin", model.RoleAdmin, time.Hour)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{
		"event_id":    key.EventID,
		"starts_at":   time.Now().Add(24 * time.Hour).UTC(),
		"seat_level":  true,
		"seat_rows":   o.rows,
		"seat_cols":   o.cols,
		"price_cents": 1000,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.host, "/")+"/v1/admin/showtimes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin returned %s", resp.Status)
	}
	return nil
}

func report(o options, m *metrics, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.Slice(m.lat, func(i, j int) bool { return m.lat[i] < m.lat[j] })
	pct := func(p float64) time.Duration {
		if len(m.lat) == 0 {
			return 0
		}
		return m.lat[int(float64(len(m.lat)-1)*p)]
	}
	logrus.WithFields(logrus.Fields{
		"elapsed":     elapsed.Round(time.Millisecond),
		"confirmed":   m.confirmed.Load(),
		"rejected":    m.rejected.Load(),
		"sold_out":    m.soldOut.Load(),
		"failed":      m.failed.Load(),
		"seats_sold":  len(m.owners),
		"seats_total": o.rows * o.cols,
		"duplicates":  m.duplicates.Load(),
		"p50":         pct(0.50),
		"p95":         pct(0.95),
		"p99":         pct(0.99),
	}).Info("load test finished")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
