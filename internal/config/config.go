// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/swing-trader/internal/exit"
	"github.com/amirphl/swing-trader/internal/indicator"
	"github.com/amirphl/swing-trader/internal/strategy"
	"github.com/amirphl/swing-trader/internal/utils"
)

/*
YAML config example:
exchange: binance
gateway: exchange
storage: file
data_dir: ./data
candle_limit: 250
stop_loss_percent: 2
take_profit_percent: 10
scan_interval: 60s
monitor_interval: 15s
indicators: { rsi_period: 14, fast_period: 50, slow_period: 200, level_lookback: 50, ma_type: sma }
rules: { oversold: 30, overbought: 70, level_oversold: 40, level_overbought: 60, level_tolerance_percent: 0.5 }
exit: { trailing_enabled: true, trail_step_percent: 5, trail_buffer_percent: 2, take_profit_mode: fixed }
defaults:
  active_timeframes: ["1h", "4h"]
  invest_amount: "20"
  leverage: 10
  trade_mode: virtual
  tracked_symbols: ["BTCUSDT", "ETHUSDT"]
Secrets come from the environment (or a .env file) only.
*/

type Config struct {
	Exchange string `yaml:"exchange"` // binance | wallex
	Gateway  string `yaml:"gateway"`  // exchange | paper
	Storage  string `yaml:"storage"`  // file | postgres | memory
	DataDir  string `yaml:"data_dir"`

	BinanceAPIKey    string `yaml:"-"`
	BinanceSecretKey string `yaml:"-"`
	WallexAPIKey     string `yaml:"-"`
	TelegramToken    string `yaml:"-"`
	TelegramChatID   int64  `yaml:"-"`
	DBConnStr        string `yaml:"-"`
	NATSURL          string `yaml:"-"`

	DBMaxOpen   int    `yaml:"db_max_open"`
	DBMaxIdle   int    `yaml:"db_max_idle"`
	NATSSubject string `yaml:"nats_subject"`
	MetricsAddr string `yaml:"metrics_addr"`

	Indicators indicator.Params `yaml:"indicators"`
	Rules      strategy.Rules   `yaml:"rules"`
	Exit       exit.Config      `yaml:"exit"`

	CandleLimit       int     `yaml:"candle_limit"`
	StopLossPercent   float64 `yaml:"stop_loss_percent"`
	TakeProfitPercent float64 `yaml:"take_profit_percent"`

	ScanInterval    time.Duration `yaml:"scan_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	Currency       string  `yaml:"currency"`
	InitialBalance float64 `yaml:"initial_balance"`

	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`
	NotificationQueue   int           `yaml:"notification_queue"`

	Log      utils.LogOptions `yaml:"log"`
	Defaults Settings         `yaml:"defaults"`
}

func Default() Config {
	return Config{
		Exchange:            "binance",
		Gateway:             "exchange",
		Storage:             "file",
		DataDir:             "data",
		DBMaxOpen:           10,
		DBMaxIdle:           5,
		NATSSubject:         "trader.events",
		MetricsAddr:         ":9090",
		Indicators:          indicator.DefaultParams(),
		Rules:               strategy.DefaultRules(),
		Exit:                exit.DefaultConfig(),
		CandleLimit:         250,
		StopLossPercent:     2,
		TakeProfitPercent:   10,
		ScanInterval:        60 * time.Second,
		MonitorInterval:     15 * time.Second,
		RequestTimeout:      10 * time.Second,
		Currency:            "USDT",
		InitialBalance:      1000,
		NotificationRetries: 3,
		NotificationDelay:   5 * time.Second,
		NotificationQueue:   256,
		Log:                 utils.DefaultLogOptions(),
		Defaults:            DefaultSettings(),
	}
}

// Load builds the process configuration from defaults, an optional YAML
// file, environment variables (optionally read from a .env file) and
// finally any explicitly set flags.
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("swing-trader", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to YAML config file")
	envFile := fs.String("env", ".env", "Path to .env file (ignored when missing)")
	exchangeName := fs.String("exchange", cfg.Exchange, "Market data exchange: binance or wallex")
	gateway := fs.String("gateway", cfg.Gateway, "Order gateway in real mode: exchange or paper")
	storage := fs.String("storage", cfg.Storage, "Storage backend: file, postgres or memory")
	dataDir := fs.String("data-dir", cfg.DataDir, "Directory of the file storage backend")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Listen address of the metrics endpoint (empty disables)")
	logLevel := fs.String("log-level", cfg.Log.Level, "Log level: debug, info, warn or error")
	scanInterval := fs.Duration("scan-interval", cfg.ScanInterval, "Signal scan interval")
	monitorInterval := fs.Duration("monitor-interval", cfg.MonitorInterval, "Position monitor interval")
	stopLoss := fs.Float64("stop-loss-percent", cfg.StopLossPercent, "Stop loss percent (e.g., 2.0 for 2%)")
	takeProfit := fs.Float64("take-profit-percent", cfg.TakeProfitPercent, "Take profit percent (e.g., 10.0 for 10%)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", *envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "exchange":
			cfg.Exchange = *exchangeName
		case "gateway":
			cfg.Gateway = *gateway
		case "storage":
			cfg.Storage = *storage
		case "data-dir":
			cfg.DataDir = *dataDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "scan-interval":
			cfg.ScanInterval = *scanInterval
		case "monitor-interval":
			cfg.MonitorInterval = *monitorInterval
		case "stop-loss-percent":
			cfg.StopLossPercent = *stopLoss
		case "take-profit-percent":
			cfg.TakeProfitPercent = *takeProfit
		}
	})

	cfg.Exit.LevelLookback = cfg.Indicators.LevelLookback
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	c.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	c.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
	c.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	c.DBConnStr = os.Getenv("DB_CONN_STR")
	c.NATSURL = os.Getenv("NATS_URL")
	if raw := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID %q: %w", raw, err)
		}
		c.TelegramChatID = id
	}
	return nil
}

// Validate rejects configurations the trader cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Exchange {
	case "binance", "wallex":
	default:
		errs = append(errs, fmt.Errorf("unknown exchange %q", c.Exchange))
	}
	switch c.Gateway {
	case "exchange", "paper":
	default:
		errs = append(errs, fmt.Errorf("unknown gateway %q", c.Gateway))
	}
	switch c.Storage {
	case "file":
		if c.DataDir == "" {
			errs = append(errs, errors.New("file storage needs data_dir"))
		}
	case "postgres":
		if c.DBConnStr == "" {
			errs = append(errs, errors.New("postgres storage needs DB_CONN_STR"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}

	if c.NotificationQueue < 1 {
		errs = append(errs, fmt.Errorf("notification_queue %d must be positive", c.NotificationQueue))
	}

	p := c.Indicators
	if p.RSIPeriod < 1 || p.FastPeriod < 1 || p.SlowPeriod < 1 || p.LevelLookback < 1 {
		errs = append(errs, errors.New("indicator periods must be positive"))
	}
	if p.FastPeriod >= p.SlowPeriod {
		errs = append(errs, fmt.Errorf("fast period %d must be shorter than slow period %d", p.FastPeriod, p.SlowPeriod))
	}
	if p.MAType != indicator.SMA && p.MAType != indicator.EMA {
		errs = append(errs, fmt.Errorf("unknown ma_type %q", p.MAType))
	}
	if c.CandleLimit < p.MinCandles() {
		errs = append(errs, fmt.Errorf("candle_limit %d below the %d candles the indicators need", c.CandleLimit, p.MinCandles()))
	}
	if c.Rules.Oversold >= c.Rules.Overbought || c.Rules.LevelTolerancePercent < 0 {
		errs = append(errs, errors.New("invalid signal rules"))
	}
	if c.StopLossPercent <= 0 || c.StopLossPercent >= 100 {
		errs = append(errs, fmt.Errorf("stop_loss_percent %v out of range", c.StopLossPercent))
	}
	if c.TakeProfitPercent <= 0 {
		errs = append(errs, fmt.Errorf("take_profit_percent %v out of range", c.TakeProfitPercent))
	}
	if c.Exit.TrailingEnabled && (c.Exit.TrailStepPercent <= 0 || c.Exit.TrailBufferPercent < 0 || c.Exit.TrailBufferPercent >= c.Exit.TrailStepPercent) {
		errs = append(errs, errors.New("trailing needs step > buffer >= 0"))
	}
	if c.Exit.TakeProfitMode != exit.TakeProfitFixed && c.Exit.TakeProfitMode != exit.TakeProfitLevel {
		errs = append(errs, fmt.Errorf("unknown take_profit_mode %q", c.Exit.TakeProfitMode))
	}
	if c.ScanInterval <= 0 || c.MonitorInterval <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("intervals and timeout must be positive"))
	}
	if c.InitialBalance < 0 {
		errs = append(errs, errors.New("initial_balance cannot be negative"))
	}
	if _, err := utils.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := c.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("defaults: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) InitialBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.InitialBalance)
}
