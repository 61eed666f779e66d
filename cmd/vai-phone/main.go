package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/vai-phone/internal/dotenv"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/events"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	gatewayserver "github.com/vango-go/vai-phone/pkg/gateway/server"
	"github.com/vango-go/vai-phone/pkg/gateway/store"
	"github.com/vango-go/vai-phone/pkg/gateway/twilio"
)

type phoneDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, *slog.Logger) (*backends, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultPhoneDeps() phoneDeps {
	return phoneDeps{
		loadConfig:   config.LoadFromEnv,
		openBackends: openBackends,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// backends are the process-wide resources behind the gateway.
type backends struct {
	deps   gatewayserver.Deps
	closes []func()
}

func (b *backends) Close() {
	for i := len(b.closes) - 1; i >= 0; i-- {
		b.closes[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	var callStore store.Store = store.NewMemory()
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.closes = append(b.closes, pg.Close)
		callStore = pg
		logger.Info("call records persisted to postgres", "max_conns", cfg.DatabaseMaxConns)
	} else {
		logger.Warn("VAI_PHONE_DATABASE_URL not set; call records are kept in memory")
	}
	callStore = store.NewRetrying(callStore, store.RetryConfig{
		Attempts: uint64(cfg.PersistRetries),
		Base:     100 * time.Millisecond,
		Max:      2 * time.Second,
	}, logger)

	hub := events.NewHub()
	publisher := events.Multi{hub}
	if cfg.RedisURL != "" {
		client, err := events.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		b.closes = append(b.closes, func() { _ = client.Close() })
		publisher = append(publisher, events.NewRedisPublisher(client, cfg.RedisChannelPrefix))
		logger.Info("call events published to redis", "prefix", cfg.RedisChannelPrefix)
	}

	var holdAudio []byte
	if cfg.HoldAudioPath != "" {
		data, err := os.ReadFile(cfg.HoldAudioPath)
		if err != nil {
			return nil, fmt.Errorf("read hold audio: %w", err)
		}
		holdAudio = data
	}

	tw := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioBaseURL, &http.Client{Timeout: 15 * time.Second})
	if !tw.Configured() {
		logger.Warn("twilio credentials not set; outbound calls, recording and provider hangup are disabled")
	}

	b.deps = gatewayserver.Deps{
		Registry:  newRegistry(cfg, logger),
		Hub:       hub,
		Publisher: publisher,
		Store:     callStore,
		Twilio:    tw,
		HoldAudio: holdAudio,
	}
	ok = true
	return b, nil
}

func newRegistry(cfg config.Config, logger *slog.Logger) *sessions.Registry {
	return sessions.New(sessions.Limits{
		MaxConcurrent:       cfg.MaxConcurrentCalls,
		MaxInbound:          cfg.MaxInboundCalls,
		MaxOutbound:         cfg.MaxOutboundCalls,
		MaxInboundDuration:  cfg.MaxInboundDuration,
		MaxOutboundDuration: cfg.MaxOutboundDuration,
		DialDedupWindow:     cfg.DialDedupWindow,
		FinalizeGrace:       cfg.FinalizeGrace,
	}, sessions.WithLogger(logger))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runPhone(ctx context.Context, logger *slog.Logger, deps phoneDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b, err := deps.openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	gw := deps.newGateway(cfg, logger, b.deps)
	reg := gw.Registry()
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting phone gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "public_url", cfg.PublicURL, "max_calls", cfg.MaxConcurrentCalls)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String(), "active_calls", reg.Count())
	}

	// New calls are refused from here on; live calls get the grace period to finish.
	reg.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !reg.Wait(waitCtx) {
		logger.Warn("grace period elapsed; hanging up remaining calls", "active_calls", reg.Count())
		hangupCtx, hangupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		reg.EmergencyShutdownAll(hangupCtx)
		reg.Wait(hangupCtx)
		hangupCancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("phone gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps phoneDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "vai-phone: %v\n", err)
		return 1
	}

	if err := runPhone(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-phone: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultPhoneDeps()))
}
