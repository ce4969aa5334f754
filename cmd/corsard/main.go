package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/corsarvpn/corsard/internal/clock"
	"github.com/corsarvpn/corsard/internal/config"
	"github.com/corsarvpn/corsard/internal/keys"
	"github.com/corsarvpn/corsard/internal/log"
	"github.com/corsarvpn/corsard/internal/messaging"
	"github.com/corsarvpn/corsard/internal/notify"
	"github.com/corsarvpn/corsard/internal/ops"
	"github.com/corsarvpn/corsard/internal/panel"
	"github.com/corsarvpn/corsard/internal/payments"
	"github.com/corsarvpn/corsard/internal/sched"
	"github.com/corsarvpn/corsard/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	paymentsPollEvery = 25 * time.Second
	recoverEvery      = time.Minute
	sweepEvery        = time.Minute
	dispatchEvery     = time.Minute
	jobTimeout        = 2 * time.Minute
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	envFile := flag.String("env-file", "", "path to a .env file (optional)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Default .env is optional.
		_ = godotenv.Load()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "corsard"})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version).
		Str("timezone", cfg.Timezone).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Settings) error {
	logger := log.WithComponent("daemon")

	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DB.DSN())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	sink := messaging.NewTelegram(cfg.Bot.Token, cfg.Bot.APIBase, cfg.Bot.AdminIDs)
	panels := keys.NewPanels(panel.NewPool())

	scheduler := sched.New()
	engine := notify.NewEngine(st, scheduler, clk, cfg.Timezone, cfg.DisableKeyNotifications)
	keySvc := keys.NewService(st, panels, engine, sink, clk, cfg.Prefix)
	sweeper := keys.NewSweeper(st, panels, engine, sink, clk)
	provider := payments.NewWalletProvider(cfg.Payments.BaseURL, cfg.Payments.Token, cfg.Payments.Receiver, cfg.Payments.Comment)
	paySvc := payments.NewService(st, provider, keySvc, sink, clk)
	dispatcher := notify.NewDispatcher(st, sink, clk)

	// Weekly broadcast rules live in the database; their cron entries have
	// to be rebuilt on every start.
	if err := engine.RefreshGlobalJobs(ctx); err != nil {
		return err
	}

	job := func(name string, fn func(context.Context) error) func() {
		return func() {
			jctx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			if err := fn(jctx); err != nil {
				logger.Error().Err(err).Str("event", "daemon.job_failed").Str("job", name).Msg("job run failed")
			}
		}
	}
	if err := scheduler.InstallInterval("payments_pending", paymentsPollEvery, job("payments_pending", paySvc.CheckPending)); err != nil {
		return err
	}
	if err := scheduler.InstallInterval("payments_recover", recoverEvery, job("payments_recover", paySvc.Recover)); err != nil {
		return err
	}
	if err := scheduler.InstallInterval("keys_sweeper", sweepEvery, job("keys_sweeper", sweeper.Run)); err != nil {
		return err
	}
	if err := scheduler.InstallInterval("notifications_dispatcher", dispatchEvery, job("notifications_dispatcher", dispatcher.Run)); err != nil {
		return err
	}
	// Catch up deliveries that came due while the daemon was down, then
	// hand the cadence to the scheduler.
	job("notifications_dispatcher", dispatcher.Run)()
	scheduler.Start()

	opsSrv := ops.NewServer(cfg.OpsListenAddr, st, scheduler.Jobs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return opsSrv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return scheduler.Stop(stopCtx)
	})
	return g.Wait()
}
