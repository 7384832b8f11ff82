package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sushiyaki/internal/config"
	httpapi "sushiyaki/internal/http"
	"sushiyaki/internal/logging"
	"sushiyaki/internal/realtime"
	"sushiyaki/internal/repository"
	"sushiyaki/internal/service"

	_ "sushiyaki/docs"
)

// @title       Sushi Yaki orders API
// @version     1.0
// @description Live order views, checkout and reservations.
// @BasePath    /api/v1
func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// stores хранилища, выбранные конфигом, и их закрытие
type stores struct {
	orders       repository.OrderStore
	reservations repository.ReservationStore
	tx           repository.TxManager
	close        func()
}

func openStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (*stores, error) {
	if cfg.Store.Driver == "postgres" {
		pool, err := repository.ConnectPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		pg := repository.NewPostgresStore(log, pool)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return &stores{orders: pg, reservations: pg, tx: pg, close: pool.Close}, nil
	}

	mem := repository.NewMemoryStore()
	return &stores{
		orders:       mem,
		reservations: mem,
		tx:           repository.NewMemoryTx(mem),
		close:        func() { _ = mem.Close() },
	}, nil
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if log.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
		return err
	}
	defer st.close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	// источник изменений для живых видов: само хранилище или общий exchange
	var feed repository.OrderStore = st.orders
	var relayCh realtime.Channel
	if cfg.Realtime.Mode == "amqp" {
		conn, err := amqp.Dial(cfg.Realtime.URL)
		if err != nil {
			log.Error().Err(err).Msg("connect to broker")
			return err
		}
		defer conn.Close()
		feed = realtime.NewBrokerFeed(st.orders, realtime.ConnectionOpener(conn), cfg.Realtime.Exchange, log)

		if cfg.Realtime.Relay {
			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("open relay channel: %w", err)
			}
			relayCh = ch
		}
		log.Info().Str("exchange", cfg.Realtime.Exchange).Bool("relay", cfg.Realtime.Relay).Msg("broker connected")
	}

	orders := service.NewOrderService(st.orders, service.Pricing{
		VATPercent:     cfg.Checkout.VATPercent,
		DeliveryCharge: cfg.Checkout.DeliveryCharge,
	})
	reservations := service.NewReservationService(st.reservations, st.tx)
	live := service.NewLiveOrders(feed, cfg.Sync.ConfirmTimeout, log)
	defer live.Close()

	if _, err := live.Start(ctx); err != nil {
		// dashboard stays disconnected until a refresh
		log.Warn().Err(err).Msg("dashboard initialization failed")
	}

	srv := httpapi.NewServer(log, orders, live, reservations)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv.Engine(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if relayCh != nil {
		relay := realtime.NewRelay(st.orders, relayCh, cfg.Realtime.Exchange, log)
		g.Go(func() error {
			defer closeQuietly(relayCh)
			if err := relay.Run(gctx); err != nil {
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("stopped with error")
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func closeQuietly(c io.Closer) { _ = c.Close() }
