package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cypherpepe/core-extension/internal/adapter/approval"
	"github.com/cypherpepe/core-extension/internal/adapter/gateway"
	"github.com/cypherpepe/core-extension/internal/adapter/rpc/provider"
	"github.com/cypherpepe/core-extension/internal/adapter/rpc/uiapi"
	"github.com/cypherpepe/core-extension/internal/adapter/rpc/web3"
	"github.com/cypherpepe/core-extension/internal/adapter/storage"
	"github.com/cypherpepe/core-extension/internal/domain"
	"github.com/cypherpepe/core-extension/internal/infra/config"
	"github.com/cypherpepe/core-extension/internal/infra/logger"
	"github.com/cypherpepe/core-extension/internal/infra/tracer"
	"github.com/cypherpepe/core-extension/internal/usecase"
	"github.com/cypherpepe/core-extension/internal/usecase/eventbus"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown", "error", err)
		}
	}()

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	bus := eventbus.New(log)
	defer bus.Close()

	permissions := usecase.NewPermissionService(store, bus, log)
	queue := usecase.NewActionQueue(store, bus, log)
	if err := queue.ReconcilePersisted(ctx); err != nil {
		return fmt.Errorf("reconcile actions: %w", err)
	}

	opener, openerShutdown, err := newOpener(cfg.Approval, log)
	if err != nil {
		return fmt.Errorf("approval window opener: %w", err)
	}
	defer openerShutdown()

	sweeper := approval.NewSweeper(queue, opener, cfg.Approval.SweepSpec, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	defer sweeper.Stop()

	node := web3.NewNodeClient(cfg.Node, log)

	// Signers are external collaborators; without one wired in, approved
	// transactions and sign requests resolve with a signer error.
	var txSigner domain.TransactionSigner
	var msgSigner domain.MessageSigner

	registry := usecase.NewHandlerRegistry(
		usecase.HandlerSet{
			Name: "provider",
			Handlers: []domain.RequestHandler{
				provider.NewPermissionsHandler(permissions, queue, opener, cfg.Wallet.Accounts, log),
				provider.NewTransactionHandler(queue, opener, txSigner, log),
				provider.NewSignHandler(permissions, queue, opener, msgSigner, log),
			},
		},
		usecase.HandlerSet{
			Name:     "web3",
			Handlers: []domain.RequestHandler{web3.NewProxy(node, cfg.Node.Methods, log)},
		},
		usecase.HandlerSet{
			Name:     "ui",
			Handlers: []domain.RequestHandler{uiapi.NewControlHandler(queue, permissions, bus, log)},
		},
	)
	if err := registry.Validate(); err != nil {
		return fmt.Errorf("handler registry: %w", err)
	}

	gate := usecase.NewPermissionGate(permissions, registry, log)
	dispatcher := usecase.NewDispatcher(gate, registry, log)

	server := gateway.NewServer(dispatcher, queue, bus, gateway.NewSessionAuth(cfg.Gateway.Sessions),
		cfg.Gateway, cfg.RateLimit, log)

	log.Info("walletd starting",
		"addr", cfg.Gateway.Addr,
		"node", cfg.Node.URL,
		"methods", len(registry.Methods()),
		"accounts", len(cfg.Wallet.Accounts),
	)
	return server.Start(ctx)
}

func newOpener(cfg config.ApprovalConfig, log *slog.Logger) (approval.WindowOpener, func(), error) {
	switch cfg.Browser {
	case "chrome":
		opener, err := approval.NewChromeOpener(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return opener, opener.Shutdown, nil
	default:
		return approval.NewNoopOpener(), func() {}, nil
	}
}
