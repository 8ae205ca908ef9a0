// Command as2server runs the AS2 exchange service and its companion
// batch operations.
//
// Usage:
//
//	as2server serve       [-config FILE]
//	as2server send        [-config FILE] [-delete] ORG PARTNER FILE
//	as2server bulk        [-config FILE]
//	as2server maintenance [-config FILE] [-retry] [-async-mdns] [-clean]
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

	"github.com/joho/godotenv"

	"github.com/openedi/go-as2/internal/config"
	"github.com/openedi/go-as2/internal/exchange"
	"github.com/openedi/go-as2/internal/scheduler"
	"github.com/openedi/go-as2/internal/server"
	"github.com/openedi/go-as2/internal/storage"
	"github.com/openedi/go-as2/internal/storage/mongodb"
	"github.com/openedi/go-as2/internal/storage/postgres"
	"github.com/openedi/go-as2/pkg/codec/plain"
	"github.com/openedi/go-as2/pkg/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:], logger)
	case "send":
		err = runSend(os.Args[2:], logger)
	case "bulk":
		err = runBulk(os.Args[2:], logger)
	case "maintenance":
		err = runMaintenance(os.Args[2:], logger)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  as2server serve       [-config FILE]                             run the HTTP server
  as2server send        [-config FILE] [-delete] ORG PARTNER FILE  send one file
  as2server bulk        [-config FILE]                             sweep partner outboxes
  as2server maintenance [-config FILE] [-retry] [-async-mdns] [-clean]`)
}

// bootstrap loads configuration and wires the store, exchange manager
// and transport client.
func bootstrap(ctx context.Context, configPath string, logger *slog.Logger) (*config.Config, storage.Store, *exchange.Manager, *transport.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	clientCfg := transport.DefaultConfig()
	clientCfg.Timeout = cfg.Exchange.HTTPTimeout()
	client := transport.NewClient(clientCfg)

	manager := exchange.NewManager(store, plain.New(), client, exchange.NewCommandHooks(logger), exchange.Config{
		MDNURL:  cfg.Exchange.MDNURL,
		DataDir: cfg.Exchange.DataDir,
	}, logger)

	return cfg, store, manager, client, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.Storage.MongoDB.URI,
			Database:       cfg.Storage.MongoDB.Database,
			GridFSBucket:   cfg.Storage.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: int32(cfg.Storage.MongoDB.GridFS.ChunkSizeBytes),
		})
	case "postgres":
		return postgres.NewStore(ctx, &postgres.Config{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func runServe(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, store, manager, _, err := bootstrap(ctx, *configPath, logger)
	if err != nil {
		return err
	}
	srv := server.New(cfg, store, manager, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runSend(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	deleteSource := fs.Bool("delete", false, "delete the source file after sending")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 3 {
		return fmt.Errorf("send requires ORG PARTNER FILE arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, store, manager, _, err := bootstrap(ctx, *configPath, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	msg, err := manager.SendFile(ctx, rest[0], rest[1], rest[2], *deleteSource)
	if err != nil {
		return err
	}
	logger.Info("message processed",
		"message_id", msg.MessageID,
		"status", string(msg.Status),
		"detail", msg.DetailedStatus,
	)
	return nil
}

func runBulk(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("bulk", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, store, manager, _, err := bootstrap(ctx, *configPath, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	return manager.SendOutbox(ctx)
}

func runMaintenance(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("maintenance", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	retry := fs.Bool("retry", false, "re-send messages in retry state")
	asyncMDNs := fs.Bool("async-mdns", false, "flush pending MDNs and escalate overdue messages")
	clean := fs.Bool("clean", false, "purge messages past the retention window")
	fs.Parse(args)

	if !*retry && !*asyncMDNs && !*clean {
		*retry, *asyncMDNs, *clean = true, true, true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, store, manager, client, err := bootstrap(ctx, *configPath, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	sched := scheduler.New(store, manager, client, scheduler.Config{
		MaxRetries:   cfg.Exchange.MaxRetries,
		AsyncMDNWait: cfg.Exchange.AsyncMDNWait(),
		Retention:    cfg.Exchange.Retention(),
	}, logger)

	if *retry {
		if err := sched.RunRetry(ctx); err != nil {
			return err
		}
	}
	if *asyncMDNs {
		if err := sched.RunAsyncMDN(ctx); err != nil {
			return err
		}
	}
	if *clean {
		if err := sched.RunCleanup(ctx); err != nil {
			return err
		}
	}
	return nil
}
