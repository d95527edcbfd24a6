package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/command"
	"github.com/amirphl/swing-trader/internal/config"
	"github.com/amirphl/swing-trader/internal/db"
	"github.com/amirphl/swing-trader/internal/db/conf"
	"github.com/amirphl/swing-trader/internal/exchange"
	"github.com/amirphl/swing-trader/internal/exit"
	"github.com/amirphl/swing-trader/internal/journal"
	"github.com/amirphl/swing-trader/internal/livetrading"
	"github.com/amirphl/swing-trader/internal/metrics"
	"github.com/amirphl/swing-trader/internal/notifier"
	"github.com/amirphl/swing-trader/internal/position"
	"github.com/amirphl/swing-trader/internal/strategy"
	"github.com/amirphl/swing-trader/internal/telegram"
	"github.com/amirphl/swing-trader/internal/utils"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := utils.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error("trader stopped with error", zap.Error(err))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting swing trader",
		zap.String("exchange", cfg.Exchange),
		zap.String("gateway", cfg.Gateway),
		zap.String("storage", cfg.Storage))

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	market, gateway := newExchange(cfg, logger)

	retry := notifier.RetryOptions{Attempts: cfg.NotificationRetries, Delay: cfg.NotificationDelay}
	var (
		notifiers = []notifier.Notifier{}
		recorders = []journal.Recorder{}
		botAPI    *tgbotapi.BotAPI
	)
	if cfg.TelegramToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("failed to connect telegram bot: %w", err)
		}
		logger.Info("telegram connected", zap.String("bot", botAPI.Self.UserName))
		if cfg.TelegramChatID != 0 {
			tn, err := notifier.NewTelegramNotifier(botAPI, cfg.TelegramChatID, retry, logger)
			if err != nil {
				return err
			}
			notifiers = append(notifiers, tn)
		} else {
			logger.Warn("TELEGRAM_CHAT_ID not set: notifications and commands disabled")
		}
	}
	if cfg.NATSURL != "" {
		nc, err := notifier.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain() //nolint:errcheck
		pub, err := notifier.NewNATSPublisher(nc, cfg.NATSSubject, retry, logger)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, pub)
		recorders = append(recorders, pub)
	}
	if len(notifiers) == 0 {
		notifiers = append(notifiers, notifier.NewLogNotifier(logger))
	}
	notify := notifier.NewAsync(notifier.NewMulti(notifiers...), cfg.NotificationQueue, logger)

	settings, err := config.NewSettingsManager(ctx, store, cfg.Defaults, logger)
	if err != nil {
		return err
	}

	ledger, err := position.NewLedger(ctx, position.Options{
		StopLossPercent:   cfg.StopLossPercent,
		TakeProfitPercent: cfg.TakeProfitPercent,
		Currency:          cfg.Currency,
		InitialBalance:    cfg.InitialBalanceDecimal(),
		Journal:           journal.Tee(recorders...),
		Metrics:           m,
	}, store, notify, logger)
	if err != nil {
		return err
	}

	exits := exit.NewManager(cfg.Exit, ledger, market, gateway, notify, m, logger)
	sched := livetrading.New(livetrading.Options{
		ScanInterval:    cfg.ScanInterval,
		MonitorInterval: cfg.MonitorInterval,
		RequestTimeout:  cfg.RequestTimeout,
		CandleLimit:     cfg.CandleLimit,
		Indicators:      cfg.Indicators,
	}, settings, ledger, exits, market, gateway, strategy.NewGenerator(cfg.Rules), notify, m, logger)
	svc := command.NewService(settings, ledger, exits, market, sched, cfg.RequestTimeout, logger)

	var wg sync.WaitGroup
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		notify.Run(notifyCtx)
	}()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, srv, logger)
		}()
	}
	if botAPI != nil && cfg.TelegramChatID != 0 {
		bot := telegram.NewBot(botAPI, cfg.TelegramChatID, svc, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx)
		}()
	}

	if err := notify.SendWithRetry(fmt.Sprintf("Swing trader started (%s, %s mode)", market.Name(), settings.Snapshot().TradeMode)); err != nil {
		logger.Warn("startup notification failed", zap.Error(err))
	}

	sched.Run(ctx)
	wg.Wait()
	// the queue outlives the loops so closes made during shutdown are still sent
	stopNotify()
	<-notifyDone
	logger.Info("swing trader stopped")
	return nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (db.Storage, error) {
	switch cfg.Storage {
	case "postgres":
		c, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			return nil, err
		}
		pg, err := db.New(*c)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("using postgres storage")
		return pg, nil
	case "memory":
		logger.Warn("using in-memory storage: state is lost on exit")
		return db.NewMemory(), nil
	default:
		fs, err := db.NewFile(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		logger.Info("using file storage", zap.String("dir", cfg.DataDir))
		return fs, nil
	}
}

// newExchange returns the market data adapter and the gateway used for
// real-mode orders.
func newExchange(cfg config.Config, logger *zap.Logger) (exchange.MarketData, exchange.Gateway) {
	var (
		market exchange.MarketData
		direct exchange.Gateway
	)
	switch cfg.Exchange {
	case "wallex":
		w := exchange.NewWallex(cfg.WallexAPIKey, logger)
		market, direct = w, w
	default:
		b := exchange.NewBinance(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.RequestTimeout, logger)
		market, direct = b, b
	}
	if cfg.Gateway == "paper" {
		return market, exchange.NewPaper(market, logger)
	}
	return market, direct
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func serveMetrics(ctx context.Context, srv *http.Server, logger *zap.Logger) {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
}
