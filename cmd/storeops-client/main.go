package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/api"
	"github.com/vasiliy-maslov/store-fulfillment/internal/config"
	"github.com/vasiliy-maslov/store-fulfillment/internal/credentials"
	"github.com/vasiliy-maslov/store-fulfillment/internal/fulfillment"
	"github.com/vasiliy-maslov/store-fulfillment/internal/notify"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "storeops-client").Logger()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Client stopped with error")
	}
}

func deviceID(cfg *config.Config) string {
	if cfg.Client.DeviceID != "" {
		return cfg.Client.DeviceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "default"
}

func sessionStore(ctx context.Context, cfg *config.Config, device string) (credentials.Store, func()) {
	if cfg.Redis.Addr == "" {
		return credentials.NewMemoryStore(), func() {}
	}

	rdb := credentials.NewRedisClient(cfg.Redis.Addr)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, session will not survive restarts")
		_ = rdb.Close()
		return credentials.NewMemoryStore(), func() {}
	}
	return credentials.NewRedisStore(rdb, device), func() { _ = rdb.Close() }
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device := deviceID(cfg)
	store, closeStore := sessionStore(ctx, cfg, device)
	defer closeStore()

	client := api.NewClient(cfg.Client.APIBaseURL, store,
		api.WithTimeout(cfg.Client.HTTPTimeout),
		api.WithLogoutHandler(func() {
			log.Warn().Msg("Session expired, signing out")
			stop()
		}),
	)

	mgr, err := client.CurrentManager(ctx)
	if errors.Is(err, credentials.ErrNoSession) {
		if cfg.Client.Username == "" || cfg.Client.Password == "" {
			return errors.New("no stored session and STORE_MANAGER_USERNAME/STORE_MANAGER_PASSWORD not set")
		}
		mgr, err = client.Login(ctx, cfg.Client.Username, cfg.Client.Password)
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	log.Info().Str("manager_id", mgr.ID).Str("store_id", mgr.StoreID).Msg("Signed in")

	if cfg.Client.PushToken != "" {
		if err := client.RegisterPushToken(ctx, cfg.Client.PushToken, cfg.Client.Platform); err != nil {
			log.Warn().Err(err).Msg("Failed to register push token")
		}
	}

	var opts []fulfillment.Option
	if len(cfg.Kafka.Brokers) > 0 {
		group := cfg.Kafka.Group
		if group == "" {
			group = "storeops-client-" + device
		}
		opts = append(opts, fulfillment.WithEventSource(notify.NewKafkaSource(cfg.Kafka.Brokers, group, cfg.Kafka.Topic, mgr.StoreID)))
	}

	engine := fulfillment.NewEngine(client, fulfillment.Config{
		StoreID:        mgr.StoreID,
		PollInterval:   cfg.Client.PollInterval,
		RequestTimeout: cfg.Client.HTTPTimeout,
	}, opts...)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	snapshots, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down client...")
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			logSnapshot(snap)
		}
	}
}

func logSnapshot(snap fulfillment.Snapshot) {
	counts := zerolog.Dict()
	byStatus := map[order.OrderStatus]int{}
	for _, o := range snap.Orders {
		byStatus[o.Status]++
	}
	for status, n := range byStatus {
		counts.Int(string(status), n)
	}
	log.Info().Uint64("version", snap.Version).Int("orders", len(snap.Orders)).Dict("by_status", counts).Msg("Orders updated")
}
