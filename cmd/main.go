package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aircloud/internal/aircloud"
	"aircloud/internal/api"
	"aircloud/internal/bridge"
	"aircloud/internal/clock"
	"aircloud/internal/config"
	"aircloud/internal/mqtt"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to aircloud.yaml (default $AIRCLOUD_CONFIG or "+config.DefaultPath+")")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(*configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Bridge stopped with error", zap.Error(err))
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting AirCloud bridge",
		zap.String("email", cfg.Account.Email),
		zap.Bool("read_only", cfg.ReadOnly),
		zap.Bool("mqtt", cfg.MQTT.Enabled()))

	clk := clock.NewRealClock()
	client := aircloud.NewClient(aircloud.Config{
		Email:    cfg.Account.Email,
		Password: cfg.Account.Password,
		Endpoints: aircloud.Endpoints{
			API:       cfg.Endpoints.API,
			WebSocket: cfg.Endpoints.WebSocket,
		},
		ConnectTimeout:   cfg.Timeouts.Connect,
		ReceiveTimeout:   cfg.Timeouts.Receive,
		MaxReceives:      cfg.Timeouts.MaxReceives,
		MaxReauthRetries: reauthRetries(cfg.Timeouts.MaxReauthRetries),
		HTTPTimeout:      cfg.Timeouts.HTTP,
		Clock:            clk,
	}, logger)
	defer client.Close()

	if !client.ValidateCredentials(ctx) {
		return errors.New("AirCloud rejected the configured credentials")
	}
	logger.Info("AirCloud credentials accepted")

	adjust := func(id aircloud.ID) float64 { return cfg.Device(id.String()).TemperatureAdjust }
	step := func(id aircloud.ID) float64 { return cfg.Device(id.String()).TemperatureStep }

	store := bridge.NewStore(adjust, clk, logger)
	poller := bridge.NewPoller(client, store, bridge.PollerConfig{
		Interval:     cfg.Poll.Interval,
		FetchTimeout: cfg.Poll.FetchTimeout,
	}, clk, logger)
	commander := bridge.NewCommander(client, store, poller, bridge.CommanderConfig{
		Settle:   cfg.Poll.CommandSettle,
		Timeout:  cfg.Poll.CommandTimeout,
		ReadOnly: cfg.ReadOnly,
		Step:     step,
	}, clk, logger)

	// Initial poll so the API and MQTT start with state.
	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect+cfg.Poll.FetchTimeout)
	if err := poller.PollOnce(initCtx); err != nil {
		logger.Warn("Initial poll incomplete", zap.Error(err))
	}
	cancel()
	logger.Info("Initial poll complete", zap.Int("devices", len(store.List())))

	if cfg.MQTT.Enabled() {
		bus, err := mqtt.Connect(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			KeepAlive:   cfg.MQTT.KeepAlive,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to MQTT: %w", err)
		}
		defer bus.Close()

		publisher := bridge.NewPublisher(bus, bus.Topics(), bus.QoS(), store, commander, step, logger)
		if err := publisher.Start(ctx); err != nil {
			return err
		}
		defer publisher.Stop()
	}

	registry := api.MetricsRegistry(aircloud.MetricsCollectors()...)
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := api.NewServer(store, commander, poller, step, registry, logger, cfg.HTTP.Port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	if cfg.ReadOnly {
		logger.Info("READ-ONLY mode - commands are rejected")
	}

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Poller did not stop in time")
	}
	return nil
}

// reauthRetries maps the configured count onto the client, where zero means
// "use the default" and a negative value disables retries.
func reauthRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}
