package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/showtime-seating/internal/booking"
	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/config"
	"github.com/iliyamo/showtime-seating/internal/database"
	"github.com/iliyamo/showtime-seating/internal/events"
	"github.com/iliyamo/showtime-seating/internal/handler"
	"github.com/iliyamo/showtime-seating/internal/hold"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/middleware"
	"github.com/iliyamo/showtime-seating/internal/presence"
	"github.com/iliyamo/showtime-seating/internal/queue"
	"github.com/iliyamo/showtime-seating/internal/repository"
	"github.com/iliyamo/showtime-seating/internal/router"
	"github.com/iliyamo/showtime-seating/internal/service"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logrus.WithFields(logrus.Fields{"service": "showtime-seating", "env": cfg.Env})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.ToContext(ctx, log)

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.FromContext(ctx)
	clk := clock.NewSystem()
	checks := map[string]handler.Check{}

	var store repository.SeatMapStore
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if cfg.DBEnsureSchema {
			if err := database.EnsureSchema(ctx, db); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		store = repository.NewMySQLStore(db)
		checks["mysql"] = db.PingContext
	default:
		log.Warn("using in-memory seat map store; bookings do not survive restarts")
		store = repository.NewMemoryStore()
	}

	var rdb redis.UniversalClient
	if client := config.NewRedisClient(); client != nil {
		defer client.Close()
		rdb = client
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else if cfg.NeedsRedis() {
		return errors.New("redis is required by REGISTRY_DRIVER or EVENT_BUS but unreachable")
	} else {
		log.Warn("redis unreachable; rate limiting and response caching disabled")
	}

	regOpts := []hold.Option{
		hold.WithTTL(cfg.HoldTTL),
		hold.WithIdleAfter(cfg.RegistryIdleAfter),
		hold.WithBookedSource(store),
	}
	var reg hold.Registry
	if cfg.RegistryDriver == config.DriverRedis {
		reg = hold.NewRedis(rdb, clk, regOpts...)
	} else {
		reg = hold.NewMemory(clk, regOpts...)
	}

	wlog := logging.NewWatermill(log.WithField("component", "event-bus"))
	var bus *events.Bus
	if cfg.EventBus == config.DriverRedis {
		b, err := events.NewRedisStream(rdb, wlog)
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		bus = b
	} else {
		bus = events.NewInMemory(wlog, int64(cfg.PresenceSendBuffer))
	}
	defer bus.Close()

	hub := presence.NewHub(reg, store, bus, presence.Config{
		SendBuffer:  cfg.PresenceSendBuffer,
		IdleTimeout: cfg.PresenceIdleTimeout,
	})
	fanout, err := bus.NewConsumer("presence-fanout", hub.HandleEvent)
	if err != nil {
		return fmt.Errorf("event consumer: %w", err)
	}

	finOpts := []booking.Option{booking.WithClock(clk), booking.WithPaymentWindow(cfg.PaymentWindow)}
	if cfg.NotifyEnabled {
		notifier := service.NewRabbitNotifier(cfg.RabbitMQURL)
		defer notifier.Close()
		finOpts = append(finOpts, booking.WithNotifier(notifier))
	}
	fin := booking.NewFinalizer(store, reg, bus, booking.NewSignedProofVerifier(cfg.PaymentProofSecret), finOpts...)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(logging.ToContext(c.Request().Context(), log)))
			return next(c)
		}
	})
	e.Use(middleware.RequestLogger())
	router.Register(e, router.Deps{
		JWTSecret: cfg.JWTSecret,
		Seating:   handler.NewSeatingHandler(hub, reg, store, bus),
		Bookings:  handler.NewBookingHandler(fin, hub),
		Admin:     handler.NewAdminHandler(store),
		Checks:    checks,
		Redis:     rdb,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithField("addr", addr).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return hold.NewSweeper(reg, bus, clk, cfg.HoldSweepInterval).Run(gctx)
	})
	g.Go(func() error {
		return booking.NewReaper(fin, cfg.PaymentReapInterval).Run(gctx)
	})
	g.Go(func() error {
		return fanout.Run(gctx)
	})
	if cfg.NotifyEnabled {
		g.Go(func() error {
			return queue.NewConsumer(cfg.RabbitMQURL, cfg.BookingLog).Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	return g.Wait()
}
