package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowdeck/pulse/internal/adapters/broker"
	"github.com/flowdeck/pulse/internal/adapters/state"
	"github.com/flowdeck/pulse/internal/config"
	"github.com/flowdeck/pulse/internal/daemon"
	"github.com/flowdeck/pulse/internal/logging"
	"github.com/flowdeck/pulse/internal/ops"
	"github.com/flowdeck/pulse/internal/secrets"
	"github.com/flowdeck/pulse/internal/service/resolver"
	"github.com/flowdeck/pulse/internal/service/schedule"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the schedule daemon",
	Long: `Start the poller. The daemon connects to the database and the broker,
then polls for due schedules until it receives SIGINT or SIGTERM.
A failed broker connection is fatal: polling never begins without a
working publish path.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if err := config.NewValidator().Validate(cfg); err != nil {
		return err
	}

	logCfg := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	logger := logging.New(logCfg)
	log := logger.Logger

	cipher, err := secrets.New(cfg.Credentials.EncryptionKey)
	if err != nil {
		return fmt.Errorf("initializing credential cipher: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("closing store", "error", err)
		}
	}()

	publisher, err := broker.Dial(ctx, broker.Config{
		URL:             cfg.Broker.URL,
		Queue:           cfg.Broker.Queue,
		ConnectAttempts: cfg.Broker.ConnectAttempts,
		ConnectBackoff:  cfg.Broker.ConnectBackoff,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("closing broker connection", "error", err)
		}
	}()

	schedules := schedule.New(store, cfg.Poller.DisableAfter, log)
	graphResolver := resolver.New(store, cipher, log)
	d := daemon.New(daemon.Config{
		Interval:        cfg.Poller.Interval,
		LookAhead:       cfg.Poller.LookAhead,
		DispatchTimeout: cfg.Poller.DispatchTimeout,
	}, schedules, store, graphResolver, publisher, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	if cfg.Ops.Listen != "" {
		opsCfg := ops.DefaultConfig()
		opsCfg.Listen = cfg.Ops.Listen
		server := ops.New(opsCfg, d, store, log)
		g.Go(func() error { return server.Run(gctx) })
	}

	// Under systemd Type=notify this flips the unit to active; elsewhere
	// it is a no-op.
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	log.Info("pulsed started", "version", appVersion, "database", cfg.Database.DSN, "queue", cfg.Broker.Queue)

	err = g.Wait()
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	if err != nil {
		log.Error("daemon exited with error", "error", err)
		return err
	}
	log.Info("pulsed stopped")
	return nil
}
