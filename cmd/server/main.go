// Package main wires and runs the Taipei intraday trading bot: the
// cron scheduler, the broker bridge and LLM clients, the strategy
// manager behind its risk gates, the Telegram command loop and the
// local status API, all sharing one SQLite store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/backup"
	"github.com/aristath/taipei-trader/internal/blackout"
	"github.com/aristath/taipei-trader/internal/clients/bridge"
	"github.com/aristath/taipei-trader/internal/clients/ollama"
	"github.com/aristath/taipei-trader/internal/clients/telegram"
	"github.com/aristath/taipei-trader/internal/commands"
	"github.com/aristath/taipei-trader/internal/config"
	"github.com/aristath/taipei-trader/internal/database"
	"github.com/aristath/taipei-trader/internal/database/repositories"
	"github.com/aristath/taipei-trader/internal/domain"
	"github.com/aristath/taipei-trader/internal/market"
	"github.com/aristath/taipei-trader/internal/news"
	"github.com/aristath/taipei-trader/internal/scheduler"
	"github.com/aristath/taipei-trader/internal/selector"
	"github.com/aristath/taipei-trader/internal/server"
	"github.com/aristath/taipei-trader/internal/statefile"
	"github.com/aristath/taipei-trader/internal/stats"
	"github.com/aristath/taipei-trader/internal/strategies"
	"github.com/aristath/taipei-trader/internal/trading"
	"github.com/aristath/taipei-trader/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	modeFlag := flag.String("mode", "", "market mode override: stock, futures or stock+futures")
	password := flag.String("password", "", "bridge passphrase, overrides TRADER_PASSPHRASE")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if *modeFlag != "" {
		cfg.Mode = *modeFlag
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid -mode override")
		}
	}
	if *password != "" {
		cfg.Passphrase = *password
	}
	cfg.ApplyStockModePreset()

	loc := cfg.Location()
	log.Info().
		Str("market_mode", string(cfg.MarketMode())).
		Str("window", cfg.Window.Start+"-"+cfg.Window.End).
		Msg("Starting Taipei Trader")

	// The bot can switch itself to live orders at runtime, so the
	// ledger durability profile applies from the start.
	db, err := database.New(database.Config{Path: cfg.Database.Path, Profile: database.ProfileLedger})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	conn := db.Conn()
	trades := repositories.NewTradeRepository(conn, log)
	signals := repositories.NewSignalRepository(conn, log)
	events := repositories.NewEventRepository(conn, log)
	insights := repositories.NewInsightRepository(conn, log)
	statsRepo := repositories.NewStatsRepository(conn, log)
	settings := repositories.NewSettingsRepository(conn, log)
	strategyRepo := repositories.NewStrategyRepository(conn, log)
	blackoutRepo := repositories.NewBlackoutRepository(conn, log)
	barRepo := repositories.NewMarketDataRepository(conn, nil, log)

	// Settings keys are case-sensitive and only the lowercase active
	// stock key is honored. A leftover uppercase row from an older
	// deployment would otherwise sit there silently shadowing nothing.
	if legacy, err := settings.Get("CURRENT_ACTIVE_STOCK"); err == nil && legacy != nil {
		log.Warn().
			Str("value", *legacy).
			Msg("Ignoring legacy CURRENT_ACTIVE_STOCK setting, only current_active_stock is read")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeClient := bridge.NewClient(bridge.Config{
		BaseURL:    cfg.Bridge.BaseURL,
		StreamPath: cfg.Bridge.StreamPath,
		Passphrase: cfg.Passphrase,
		Timeout:    time.Duration(cfg.Bridge.TimeoutMs) * time.Millisecond,
		MaxRetries: cfg.Bridge.MaxRetries,
	}, log)

	llm := ollama.NewClient(ollama.Config{
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		StructuredTimeout: time.Duration(cfg.LLM.VetoTimeoutMs) * time.Millisecond,
		NarrateTimeout:    time.Duration(cfg.LLM.NarrateTimeoutMs) * time.Millisecond,
	}, insights, log)

	notifier := telegram.NewClient(telegram.Config{
		APIBase:     cfg.Telegram.APIBase,
		Token:       cfg.Telegram.Token,
		ChatID:      cfg.Telegram.ChatID,
		PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
	}, events, log)
	if !notifier.Enabled() {
		log.Warn().Msg("Telegram transport not configured, notifications and commands disabled")
	}

	registry := strategies.NewDefaultRegistry(strategies.DefaultBaseEquity)
	state := trading.NewStateMachine()
	modeCtl := trading.NewModeController(settings, domain.ModeSimulation, cfg.MarketMode(), log)

	monitor := news.NewMonitor(bridgeClient, llm, events, time.Duration(cfg.News.RefreshMinutes)*time.Minute, log)
	provider := market.NewProvider(0, loc, trades, monitor, modeCtl.Mode, log)

	riskMgr := trading.NewRiskManager(trading.RiskDeps{
		State:       state,
		Bridge:      bridgeClient,
		Settings:    settings,
		Trades:      trades,
		Blackout:    blackoutRepo,
		News:        monitor,
		LLM:         llm,
		Events:      events,
		Notifier:    notifier,
		MarketMode:  modeCtl.MarketMode,
		MaxPosition: cfg.Risk.MaxPosition,
		GoLive: trading.GoLiveThresholds{
			MinTrades:      cfg.GoLive.MinTrades,
			MinWinRatePct:  cfg.GoLive.MinWinRatePct,
			MaxDrawdownPct: cfg.GoLive.MaxDrawdown,
			BaseEquity:     cfg.GoLive.BaseEquity,
		},
		Location: loc,
		Log:      log,
	})

	executor := trading.NewExecutor(trading.ExecutorDeps{
		Bridge:     bridgeClient,
		Trades:     trades,
		Registry:   registry,
		Prices:     provider,
		Notifier:   notifier,
		Events:     events,
		MarketMode: modeCtl.MarketMode,
		Location:   loc,
		Log:        log,
	})
	riskMgr.SetHaltHandler(func(ctx context.Context, reason string) {
		executor.FlattenAll(ctx, reason)
	})

	manager := trading.NewManager(trading.ManagerDeps{
		Registry: registry,
		Market:   provider,
		State:    state,
		Risk:     riskMgr,
		Executor: executor,
		Signals:  signals,
		Settings: settings,
		Events:   events,
		News:     monitor,
		Active:   strategyRepo,
		Mode:     modeCtl.Mode,
		Log:      log,
	})

	sel := selector.New(selector.Deps{
		Perf:       strategyRepo,
		Trades:     trades,
		Flattener:  executor,
		Events:     events,
		Notifier:   notifier,
		Mode:       modeCtl.Mode,
		Selector:   cfg.Selector,
		Risk:       cfg.Risk,
		BaseEquity: strategies.DefaultBaseEquity,
		Log:        log,
	})

	statsSvc := stats.New(stats.Deps{
		Trades:       trades,
		Stats:        statsRepo,
		Perf:         strategyRepo,
		Signals:      signals,
		Market:       provider,
		Settings:     settings,
		Narrator:     llm,
		Events:       events,
		Notifier:     notifier,
		Registry:     registry,
		BaseEquity:   strategies.DefaultBaseEquity,
		LookbackDays: cfg.Selector.LookbackDays,
		Loc:          loc,
		Log:          log,
	})

	refresher := blackout.New(blackout.Deps{
		Calendar: bridgeClient,
		Store:    blackoutRepo,
		Settings: settings,
		Watch:    strategyRepo,
		Events:   events,
		Log:      log,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	limiter := commands.NewRateLimiter()
	dispatcher := commands.NewDispatcher(commands.Deps{
		State:      state,
		Mode:       modeCtl,
		Ticks:      manager,
		Flattener:  executor,
		Risk:       riskMgr,
		Bridge:     bridgeClient,
		DataOps:    bridgeClient,
		LLM:        llm,
		Trades:     trades,
		Settings:   settings,
		Active:     strategyRepo,
		Events:     events,
		Registry:   registry,
		Limiter:    limiter,
		Limits:     cfg.Limits,
		ConfirmTTL: time.Duration(cfg.GoLive.ConfirmTTLSec) * time.Second,
		OnShutdown: func() {
			select {
			case quit <- syscall.SIGTERM:
			default:
			}
		},
		Loc: loc,
		Log: log,
	})

	flattenJob := scheduler.NewFlattenJob(rootCtx, executor, loc, log)

	keeper := statefile.NewKeeper(statefile.KeeperDeps{
		Store:   statefile.NewStore(cfg.State.Path, 0, log),
		Market:  provider,
		News:    monitor,
		Limiter: limiter,
		GoLive:  dispatcher,
		Flatten: flattenJob,
		Log:     log,
	})
	if keeper.Restore() {
		log.Info().Msg("Warm state restored")
	}

	var backupSvc *backup.Service
	if cfg.Backup.Enabled {
		store, err := backup.NewS3Store(rootCtx, cfg.Backup)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup store")
		}
		backupSvc = backup.New(backup.Deps{
			Store:         store,
			DB:            db,
			RetentionDays: cfg.Backup.RetentionDays,
			Events:        events,
			Log:           log,
		})
	}

	bridgeClient.SetReconnectHandler(func() {
		notifier.Notify("Broker bridge connection restored")
	})
	if _, err := bridgeClient.Health(rootCtx); err != nil {
		log.Warn().Err(err).Msg("Broker bridge unreachable at startup")
	}

	var stream *bridge.MarketStream
	if cfg.Bridge.EnableWS {
		stream, err = bridgeClient.SubscribeMarketStream(rootCtx, provider.ObserveQuote)
		if err != nil {
			log.Warn().Err(err).Msg("Market stream not connected yet, tick polling still feeds the rings")
		}
	}

	sched := scheduler.New(loc, log)
	err = registerJobs(sched, jobDeps{
		ctx:      rootCtx,
		cfg:      cfg,
		bridge:   bridgeClient,
		provider: provider,
		manager:  manager,
		news:     monitor,
		blackout: refresher,
		stats:    statsSvc,
		selector: sel,
		keeper:   keeper,
		backup:   backupSvc,
		flatten:  flattenJob,
		bars:     barRepo,
		settings: settings,
		log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()

	go notifier.Listen(rootCtx, dispatcher.Handle)

	srv := server.New(server.Config{
		Log:      log,
		Port:     cfg.Server.Port,
		DevMode:  cfg.Server.DevMode,
		Loc:      loc,
		Mode:     modeCtl,
		State:    state,
		Ticks:    manager,
		Bridge:   bridgeClient,
		Trades:   trades,
		Active:   strategyRepo,
		Settings: settings,
		Events:   events,
		Stats:    statsRepo,
		DB:       db,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Status API failed")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down...")

	sched.Stop()
	cancel()
	if stream != nil {
		_ = stream.Stop()
	}
	if err := keeper.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to save warm state")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status API forced to close")
	}

	log.Info().Msg("Trader stopped")
}

// jobDeps bundles everything the scheduled jobs touch.
type jobDeps struct {
	ctx      context.Context
	cfg      *config.Config
	bridge   *bridge.Client
	provider *market.Provider
	manager  *trading.Manager
	news     *news.Monitor
	blackout *blackout.Refresher
	stats    *stats.Service
	selector *selector.Selector
	keeper   *statefile.Keeper
	backup   *backup.Service
	flatten  *scheduler.FlattenJob
	bars     *repositories.MarketDataRepository
	settings *repositories.SettingsRepository
	log      zerolog.Logger
}

func registerJobs(sched *scheduler.Scheduler, d jobDeps) error {
	cfg := d.cfg

	tick := scheduler.NewWindowJob("tick", cfg, func() error {
		return runTick(d.ctx, d.bridge, d.provider, d.manager, d.log)
	})
	if err := sched.AddJob(fmt.Sprintf("*/%d * * * * *", cfg.Window.TickIntervalSecs), tick); err != nil {
		return err
	}

	flattenSpec, err := scheduler.FlattenSpec(cfg.Window.End, cfg.Window.FlattenLeadSecs)
	if err != nil {
		return err
	}
	if err := sched.AddJob(flattenSpec, d.flatten); err != nil {
		return err
	}

	newsJob := scheduler.NewFuncJob("news_refresh", func() error {
		return d.news.Refresh(d.ctx)
	})
	if err := sched.AddJob(fmt.Sprintf("0 */%d * * * *", cfg.News.RefreshMinutes), newsJob); err != nil {
		return err
	}

	blackoutJob := scheduler.NewFuncJob("blackout_refresh", func() error {
		return d.blackout.Refresh(d.ctx)
	})
	if err := sched.AddJob("0 0 9 * * *", blackoutJob); err != nil {
		return err
	}

	eodJob := scheduler.NewFuncJob("eod_stats", func() error {
		if err := d.stats.RunDaily(d.ctx); err != nil {
			return err
		}
		archiveSessionBars(d.ctx, d.bridge, d.bars, d.settings, d.log)
		return nil
	})
	if err := sched.AddJob("0 5 13 * * MON-FRI", eodJob); err != nil {
		return err
	}

	selectJob := scheduler.NewFuncJob("strategy_selection", func() error {
		return d.selector.RunDaily(d.ctx)
	})
	if err := sched.AddJob("0 30 8 * * MON-FRI", selectJob); err != nil {
		return err
	}

	drawdownJob := scheduler.NewWindowJob("drawdown_watch", cfg, func() error {
		return d.selector.CheckDrawdown(d.ctx)
	})
	if err := sched.AddJob("0 */5 * * * *", drawdownJob); err != nil {
		return err
	}

	qualityJob := scheduler.NewFuncJob("execution_quality", func() error {
		_, err := d.stats.WeeklyQuality(d.ctx)
		return err
	})
	if err := sched.AddJob("0 0 8 * * MON", qualityJob); err != nil {
		return err
	}

	snapshotJob := scheduler.NewFuncJob("state_snapshot", d.keeper.Save)
	if err := sched.AddJob("0 */5 * * * *", snapshotJob); err != nil {
		return err
	}

	if d.backup != nil {
		backupJob := scheduler.NewFuncJob("db_backup", func() error {
			return d.backup.Run(d.ctx)
		})
		if err := sched.AddJob("0 30 13 * * MON-FRI", backupJob); err != nil {
			return err
		}
	}

	return nil
}

// runTick polls the bridge for the current signal snapshot, folds it
// into the rolling histories, then runs one strategy pass. A failed
// poll still ticks: the rings keep their last data and the risk
// gates see the bridge as disconnected.
func runTick(ctx context.Context, feed *bridge.Client, provider *market.Provider, manager *trading.Manager, log zerolog.Logger) error {
	snap, err := feed.GetSignal(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Signal poll failed")
	} else if snap.Symbol != "" {
		provider.ObserveQuote(domain.Quote{
			Symbol:    snap.Symbol,
			Price:     snap.Price,
			Volume:    snap.Volume,
			Timestamp: snap.Timestamp,
		})
		var session *domain.SessionOHLC
		if snap.Session != nil {
			session = &domain.SessionOHLC{
				Open:  snap.Session.Open,
				High:  snap.Session.High,
				Low:   snap.Session.Low,
				Close: snap.Session.Close,
			}
		}
		provider.ObserveBridgeIndicators(snap.Symbol, snap.Indicators, session)
	}
	return manager.Tick(ctx)
}

// archiveSessionBars copies the bridge's bar history for the active
// symbol into the local market_data table after the session closes.
// Best effort: archive problems never fail the statistics job.
func archiveSessionBars(ctx context.Context, feed *bridge.Client, bars *repositories.MarketDataRepository, settings *repositories.SettingsRepository, log zerolog.Logger) {
	symbol, err := settings.Get(domain.SettingCurrentActiveStock)
	if err != nil || symbol == nil || *symbol == "" {
		return
	}
	md, err := feed.GetMarketData(ctx, *symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", *symbol).Msg("Session bar archive skipped")
		return
	}
	n, err := bars.InsertBars(md.ToBars())
	if err != nil {
		log.Warn().Err(err).Str("symbol", *symbol).Msg("Failed to archive session bars")
		return
	}
	if n > 0 {
		log.Info().Int("rows", n).Str("symbol", *symbol).Msg("Archived session bars")
	}
}
