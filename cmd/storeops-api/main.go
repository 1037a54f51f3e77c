package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/auth"
	"github.com/vasiliy-maslov/store-fulfillment/internal/config"
	"github.com/vasiliy-maslov/store-fulfillment/internal/db"
	storeHttp "github.com/vasiliy-maslov/store-fulfillment/internal/handler/http"
	"github.com/vasiliy-maslov/store-fulfillment/internal/manager"
	"github.com/vasiliy-maslov/store-fulfillment/internal/notify"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

const publisherBuffer = 256

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "storeops-api").Logger()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setLogLevel(cfg.App.LogLevel)

	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	log.Debug().Str("config", cfg.String()).Msg("Configuration loaded")

	if len(os.Args) > 1 && os.Args[1] == "create-manager" {
		if err := createManager(cfg, os.Args[2:]); err != nil {
			log.Fatal().Err(err).Msg("Failed to create store manager")
		}
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func setLogLevel(raw string) {
	level, err := zerolog.ParseLevel(raw)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", raw).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func connect(ctx context.Context, cfg *config.Config) (*db.Postgres, error) {
	if err := db.Migrate(cfg.DatabaseURL()); err != nil {
		return nil, err
	}
	return db.New(ctx, cfg)
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Store operations API starting...")

	dbConn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	var publisher order.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, publisherBuffer)
		kafkaPublisher.Start()
		defer func() {
			kafkaPublisher.Close()
			kafkaPublisher.WaitClosed()
			log.Info().Msg("Event publisher stopped")
		}()
		publisher = kafkaPublisher
	} else {
		log.Warn().Msg("KAFKA_BROKERS not set, order events will not be published")
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	orderSvc := order.NewService(order.NewRepository(dbConn.Pool), publisher)
	managerSvc := manager.NewService(manager.NewRepository(dbConn.Pool), issuer, cfg.Auth.RefreshTokenTTL)

	router := storeHttp.NewRouter(
		storeHttp.NewOrderHandler(orderSvc),
		storeHttp.NewManagerHandler(managerSvc),
		issuer,
	)

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

// createManager bootstraps an account, typically the first admin, without
// going through the admin-only HTTP route.
func createManager(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("create-manager", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	username := fs.String("username", "", "login name")
	password := fs.String("password", os.Getenv("STORE_MANAGER_PASSWORD"), "password (defaults to STORE_MANAGER_PASSWORD)")
	storeID := fs.String("store-id", "", "store the manager belongs to")
	storeName := fs.String("store-name", "", "store display name")
	role := fs.String("role", "manager", "manager or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *username == "" || *password == "" || *storeID == "" {
		fs.Usage()
		return errors.New("name, username, password and store-id are required")
	}
	if *role != "manager" && *role != "admin" {
		return fmt.Errorf("unknown role %q", *role)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbConn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	svc := manager.NewService(
		manager.NewRepository(dbConn.Pool),
		auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL),
		cfg.Auth.RefreshTokenTTL,
	)
	m, err := svc.CreateManager(ctx, &manager.Manager{
		Name:      *name,
		Username:  *username,
		StoreID:   *storeID,
		StoreName: *storeName,
		Role:      *role,
	}, *password)
	if err != nil {
		return err
	}

	log.Info().Str("manager_id", m.ID).Str("username", m.Username).Str("store_id", m.StoreID).Str("role", m.Role).Msg("Store manager created")
	return nil
}
