package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jobgateway/config"
	"jobgateway/core/events"
	"jobgateway/core/state"
	"jobgateway/core/types"
	"jobgateway/native/gateway"
	"jobgateway/native/registry"
	"jobgateway/observability/logging"
	"jobgateway/observability/metrics"
	"jobgateway/rpc"
	"jobgateway/storage"
)

const (
	rpcTokenEnv = "JOBGATEWAY_RPC_TOKEN"
	envNameEnv  = "JOBGATEWAY_ENV"
)

// logEmitter forwards settlement events to the structured log and the metrics
// registry.
type logEmitter struct {
	log        *slog.Logger
	settlement *metrics.SettlementMetrics
}

func (e *logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	e.settlement.RecordEvent(evt.EventType())
	attrs := []any{slog.String("event", evt.EventType())}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	e.log.Info("settlement event", attrs...)
}

func main() {
	configFile := flag.String("config", "./gated.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envNameEnv))
	logger := logging.Setup("gated", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.String("dataDir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	emitter := &logEmitter{log: logger, settlement: metrics.Settlement()}

	reg := registry.NewEngine()
	reg.SetState(manager)
	reg.SetEmitter(emitter)
	if err := ensureBootstrap(reg, manager, cfg, logger); err != nil {
		logger.Error("failed to bootstrap registry", slog.Any("error", err))
		os.Exit(1)
	}

	engine := gateway.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetPolicy(gateway.SettlementPolicy{
		DeclineRequiresAuthority: cfg.DeclineRequiresAuthority,
		RefundRequiresRequester:  cfg.RefundRequiresRequester,
		EnforceDeliveryDeadline:  cfg.EnforceDeliveryDeadline,
	})

	token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if token == "" {
		logger.Warn("RPC authentication disabled; set " + rpcTokenEnv + " in production")
	}
	server := rpc.NewServer(engine, reg, logger, token)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server", slog.String("address", cfg.RPCAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// ensureBootstrap creates the governance record on first start. Subsequent
// starts leave the stored record untouched; changing identities in the config
// file alone has no effect once bootstrapped.
func ensureBootstrap(reg *registry.Engine, manager *state.Manager, cfg *config.Config, logger *slog.Logger) error {
	_, ok, err := registry.LoadRecord(manager)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	authority, err := config.Address(cfg.Authority)
	if err != nil {
		return err
	}
	signer, err := config.Address(cfg.QuoteSigner)
	if err != nil {
		return err
	}
	recipient, err := config.Address(cfg.FeeRecipient)
	if err != nil {
		return err
	}
	record, err := reg.Bootstrap(authority, signer, recipient)
	if err != nil {
		return err
	}
	logger.Info("governance record created",
		slog.String("authority", cfg.Authority),
		slog.Bool("dedicatedQuoteSigner", record.QuoteSigner != record.Authority))
	return nil
}
