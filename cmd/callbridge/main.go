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

	"github.com/vango-go/vai-callbridge/internal/dotenv"
	"github.com/vango-go/vai-callbridge/pkg/callevents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
)

const forceCloseWait = 5 * time.Second

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newEvents    func(config.Config, *slog.Logger) (callevents.Publisher, error)
	newGateway   func(config.Config, *slog.Logger, callevents.Publisher, ...gatewayserver.Option) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newEvents:  newEventPublisher,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newEventPublisher(cfg config.Config, logger *slog.Logger) (callevents.Publisher, error) {
	if cfg.CallEventsAMQPURL == "" {
		return callevents.Nop{}, nil
	}
	pub, err := callevents.DialAMQP(callevents.AMQPConfig{
		URL:      cfg.CallEventsAMQPURL,
		Exchange: cfg.CallEventsExchange,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// buildHTTPServer leaves ReadTimeout unset; media streams stay open for the
// whole call.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newEvents == nil {
		return errors.New("missing newEvents dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
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

	events, err := deps.newEvents(cfg, logger)
	if err != nil {
		return fmt.Errorf("call events: %w", err)
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Warn("call events close failed", "error", err)
		}
	}()

	gw := deps.newGateway(cfg, logger, events)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting call bridge",
		"addr", cfg.Addr,
		"model", cfg.OpenAIRealtimeModel,
		"voice", cfg.Voice,
		"config_delay", cfg.ConfigDelay,
		"events_enabled", cfg.CallEventsAMQPURL != "",
	)

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
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Shutdown does not wait for hijacked websockets.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitCalls(waitCtx) {
		closed := gw.CloseCalls()
		logger.Warn("grace period elapsed, hanging up calls", "calls", closed)
		forceCtx, forceCancel := context.WithTimeout(context.Background(), forceCloseWait)
		defer forceCancel()
		if !gw.WaitCalls(forceCtx) {
			logger.Warn("calls still active at exit", "calls", gw.ActiveCalls())
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
