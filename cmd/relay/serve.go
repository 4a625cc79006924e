package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/relaychat/pkg/api"
	"github.com/ZentaChain/relaychat/pkg/config"
	"github.com/ZentaChain/relaychat/pkg/logging"
	"github.com/ZentaChain/relaychat/pkg/metrics"
	"github.com/ZentaChain/relaychat/pkg/network"
	"github.com/ZentaChain/relaychat/pkg/protocol"
	"github.com/ZentaChain/relaychat/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server.

Flags take precedence over defaults; RELAYCHAT_* environment variables
(e.g. RELAYCHAT_WORKERS=8) take precedence over flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ignored, err := cfg.ApplyEnv()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			return runServe(cfg, ignored)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "Relay listen address (host:port or multiaddr)")
	flags.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "HTTP API address, empty disables the API")
	flags.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "Number of delivery workers")
	flags.DurationVar(&cfg.RetryInterval, "retry-interval", cfg.RetryInterval, "Wait before retrying a busy connection")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for one delivery write, 0 disables")
	flags.BoolVar(&cfg.OrderedDelivery, "ordered", cfg.OrderedDelivery, "Deliver frames to each recipient in enqueue order")
	flags.BoolVar(&cfg.GlobalMessageIDs, "global-ids", cfg.GlobalMessageIDs, "Allocate message ids from one relay-wide counter")
	flags.Uint64Var(&cfg.MaxPayloadSize, "max-payload", cfg.MaxPayloadSize, "Largest text payload accepted, in bytes")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close sessions silent for this long, 0 disables")
	flags.StringVar(&cfg.MailboxBackend, "mailbox", cfg.MailboxBackend, "Mailbox backend (memory, sqlite)")
	flags.StringVar(&cfg.MailboxDSN, "mailbox-dsn", cfg.MailboxDSN, "SQLite mailbox DSN")
	flags.DurationVar(&cfg.MailboxTTL, "mailbox-ttl", cfg.MailboxTTL, "Expire SQLite mailbox frames after this long, 0 keeps them")
	flags.BoolVar(&cfg.EnableWebSocket, "websocket", cfg.EnableWebSocket, "Accept relay sessions over WebSocket on the API")
	flags.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "API requests per minute per IP, 0 disables")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")

	return cmd
}

func runServe(cfg *config.Config, ignoredEnv []string) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if len(ignoredEnv) > 0 {
		logger.Warn("⚠️  Ignoring unknown environment variables", zap.Strings("vars", ignoredEnv))
	}

	printBanner()

	mailbox, err := openMailbox(cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(registry))

	broker := network.NewBroker(network.BrokerConfig{
		Workers:          cfg.Workers,
		RetryInterval:    cfg.RetryInterval,
		WriteTimeout:     cfg.WriteTimeout,
		OrderedDelivery:  cfg.OrderedDelivery,
		GlobalMessageIDs: cfg.GlobalMessageIDs,
	}, mailbox, network.WithLogger(logger), network.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := broker.Start(ctx); err != nil {
		mailbox.Close()
		return err
	}

	relay := network.NewRelayServer(broker, network.ServerConfig{
		MaxPayloadSize: cfg.MaxPayloadSize,
		IdleTimeout:    cfg.IdleTimeout,
	})
	if err := relay.Start(cfg.ListenAddr); err != nil {
		cancel()
		broker.Wait()
		mailbox.Close()
		return err
	}
	logger.Info("✓ Relay listening", zap.String("addr", relay.Addr().String()))

	var apiServer *api.Server
	if cfg.APIAddr != "" {
		apiConfig := api.DefaultConfig()
		apiConfig.Addr = cfg.APIAddr
		apiConfig.EnableWebSocket = cfg.EnableWebSocket
		apiConfig.RateLimit = cfg.RateLimit
		apiConfig.MaxMessageSize = int64(cfg.MaxPayloadSize) + protocol.MaxHeaderSize

		apiServer = api.NewServer(relay, broker, registry, apiConfig, logger)
		if err := apiServer.Start(); err != nil {
			relay.Stop()
			cancel()
			broker.Wait()
			mailbox.Close()
			return err
		}
		logger.Info("✓ HTTP API started", zap.String("addr", apiServer.Addr().String()))
	}

	printStatus(cfg, relay)

	waitForShutdown(logger, cancel, broker, relay, apiServer, mailbox)
	return nil
}

func openMailbox(cfg *config.Config, logger *zap.Logger) (storage.Mailbox, error) {
	switch cfg.MailboxBackend {
	case config.MailboxSQLite:
		mailbox, err := storage.NewSQLiteMailbox(cfg.MailboxDSN, cfg.MailboxTTL, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open mailbox")
		}
		logger.Info("✓ SQLite mailbox ready", zap.Duration("ttl", cfg.MailboxTTL))
		return mailbox, nil
	default:
		logger.Info("✓ In-memory mailbox ready")
		return storage.NewMemoryMailbox(), nil
	}
}

func printBanner() {
	fmt.Println()
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║                                        ║")
	fmt.Println("║          📨 RELAYCHAT RELAY 📨          ║")
	fmt.Println("║                                        ║")
	fmt.Println("║       Store-and-forward messaging      ║")
	fmt.Println("║                                        ║")
	fmt.Println("╚════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(cfg *config.Config, relay *network.RelayServer) {
	delivery := "unordered"
	if cfg.OrderedDelivery {
		delivery = "ordered per recipient"
	}

	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 Relay Server Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	fmt.Printf("   Listen: %s\n", relay.Addr())
	fmt.Printf("   Workers: %d\n", cfg.Workers)
	fmt.Printf("   Delivery: %s\n", delivery)
	fmt.Printf("   Mailbox: %s\n", cfg.MailboxBackend)
	if cfg.APIAddr != "" {
		fmt.Printf("   API: http://%s\n", cfg.APIAddr)
		if cfg.EnableWebSocket {
			fmt.Printf("   WebSocket: ✅ ws://%s/ws\n", cfg.APIAddr)
		}
	} else {
		fmt.Printf("   API: ⚠️  DISABLED\n")
	}
	if cfg.IdleTimeout > 0 {
		fmt.Printf("   Idle timeout: %v\n", cfg.IdleTimeout)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(logger *zap.Logger, cancel context.CancelFunc, broker *network.Broker,
	relay *network.RelayServer, apiServer *api.Server, mailbox storage.Mailbox) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	logger.Info("Shutting down gracefully...")

	if apiServer != nil {
		ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := apiServer.Stop(ctx); err != nil {
			logger.Warn("Error stopping HTTP API", zap.Error(err))
		} else {
			logger.Info("✓ HTTP API stopped")
		}
		done()
	}

	if err := relay.Stop(); err != nil {
		logger.Warn("Error stopping relay", zap.Error(err))
	}
	logger.Info("✓ Relay server stopped")

	// Undelivered frames go to the mailbox before it closes
	cancel()
	broker.Wait()
	if n := broker.Flush(); n > 0 {
		logger.Info("✓ Pending frames mailboxed", zap.Int("frames", n))
	}

	if err := mailbox.Close(); err != nil {
		logger.Warn("Error closing mailbox", zap.Error(err))
	} else {
		logger.Info("✓ Mailbox closed")
	}

	logger.Info("Goodbye! 👋")
}
