package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grid-ladder/internal/alert"
	"grid-ladder/internal/broker/bridge"
	"grid-ladder/internal/config"
	"grid-ladder/internal/engine"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/ledger"
	"grid-ladder/internal/pricefeed"
	"grid-ladder/internal/snapshot"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	lad, err := ladder.LoadCSV(cfg.LadderCSV)
	if err != nil {
		fatal(err.Error())
	}

	stateDir := filepath.Join(cfg.State.Dir, cfg.Symbol, cfg.InstanceID)
	store, err := snapshot.New(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := snapshot.AcquireInstanceLock(stateDir, snapshot.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	book, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := book.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close ledger failed: %v\n", closeErr)
		}
	}()

	gateway, err := bridge.NewClient(cfg.Broker, cfg.Symbol)
	if err != nil {
		fatal(err.Error())
	}
	var prices engine.PriceSource
	if cfg.PriceFeed.BaseURL != "" {
		feed, err := pricefeed.NewClient(cfg.PriceFeed)
		if err != nil {
			fatal(err.Error())
		}
		prices = feed
	}

	eng, err := engine.New(engine.Params{
		Symbol:     cfg.Symbol,
		InstanceID: cfg.InstanceID,
		Ladder:     lad,
		Ledger:     book,
		Gateway:    gateway,
		Prices:     prices,
		Snapshots:  store,
		Alerts:     alerts,
		Strategy:   cfg.Strategy,
		Heartbeat:  time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(cfg.Symbol, cfg.InstanceID, notifier, alert.Options{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}
