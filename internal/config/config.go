package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/dipscalp/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Mode режим работы
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Mode     Mode           `yaml:"mode"`
	Binance  BinanceConfig  `yaml:"binance"`
	Trading  TradingConfig  `yaml:"trading"`
	Strategy StrategyConfig `yaml:"strategy"`
	Capital  CapitalConfig  `yaml:"capital"`
	Storage  StorageConfig  `yaml:"storage"`
	State    StateConfig    `yaml:"state"`
	Log      LogConfig      `yaml:"log"`
	UI       UIConfig       `yaml:"ui"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig содержит настройки торгового цикла
type TradingConfig struct {
	QuoteAsset string   `yaml:"quote_asset"`
	Symbols    []string `yaml:"symbols"`
	// Restricted базовые активы, которые никогда не покупаются
	Restricted             []string `yaml:"restricted"`
	Interval               string   `yaml:"interval"`
	CandleLimit            int      `yaml:"candle_limit"`
	OrderBookDepth         int      `yaml:"order_book_depth"`
	CycleSeconds           int      `yaml:"cycle_seconds"`
	MinSleepSeconds        int      `yaml:"min_sleep_seconds"`
	MaxBuysPerCycle        int      `yaml:"max_buys_per_cycle"`
	MaxConcurrentPositions int      `yaml:"max_concurrent_positions"`
	MinTradeUSD            float64  `yaml:"min_trade_usd"`
	// RebalanceTargetMultiplier цель ребалансировки в единицах min_trade_usd
	RebalanceTargetMultiplier float64 `yaml:"rebalance_target_multiplier"`
	SellAllOnStart            bool    `yaml:"sell_all_on_start"`
	SummaryIntervalMinutes    int     `yaml:"summary_interval_minutes"`
	// PaperBalanceUSD стартовый баланс в режиме paper
	PaperBalanceUSD float64 `yaml:"paper_balance_usd"`
}

// StrategyConfig пороги входа и выхода
type StrategyConfig struct {
	DipPct            float64 `yaml:"dip_pct"`
	DipWindow         int     `yaml:"dip_window"`
	ShortMA           int     `yaml:"short_ma"`
	LongMA            int     `yaml:"long_ma"`
	TakeProfitNetPct  float64 `yaml:"take_profit_net_pct"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	ReversalDropPct   float64 `yaml:"reversal_drop_pct"`
	ReversalWindow    int     `yaml:"reversal_window"`
	SidewaysSeconds   int     `yaml:"sideways_seconds"`
	SidewaysThreshold float64 `yaml:"sideways_threshold"`
	CooldownMinutes   int     `yaml:"cooldown_minutes"`
	MinVolume24h      float64 `yaml:"min_volume_24h"`
	MaxSpreadPct      float64 `yaml:"max_spread_pct"`
}

// CapitalConfig настройки распределения капитала и комиссий
type CapitalConfig struct {
	TakerFeeRate      float64 `yaml:"taker_fee_rate"`
	TradeableFraction float64 `yaml:"tradeable_fraction"`
	ReserveFraction   float64 `yaml:"reserve_fraction"`
}

// StorageConfig настройки журнала сделок
type StorageConfig struct {
	Type         string `yaml:"type"` // influxdb или none
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// StateConfig настройки сохранения состояния между перезапусками
type StateConfig struct {
	Type          string `yaml:"type"` // file, redis или none
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
	RedisKey      string `yaml:"redis_key"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() Config {
	return Config{
		Mode: ModePaper,
		Trading: TradingConfig{
			QuoteAsset:                "USDT",
			Restricted:                []string{"USDT", "USDC", "FDUSD", "TUSD", "DAI", "BUSD", "USDP"},
			Interval:                  "1m",
			CandleLimit:               60,
			OrderBookDepth:            5,
			CycleSeconds:              30,
			MinSleepSeconds:           1,
			MaxBuysPerCycle:           2,
			MaxConcurrentPositions:    6,
			MinTradeUSD:               1.0,
			RebalanceTargetMultiplier: 2,
			SummaryIntervalMinutes:    10,
			PaperBalanceUSD:           100,
		},
		Strategy: StrategyConfig{
			DipPct:            0.04,
			DipWindow:         15,
			ShortMA:           3,
			LongMA:            15,
			TakeProfitNetPct:  0.04,
			StopLossPct:       -0.04,
			ReversalDropPct:   0.015,
			ReversalWindow:    30,
			SidewaysSeconds:   600,
			SidewaysThreshold: 0.01,
			CooldownMinutes:   15,
			MinVolume24h:      100,
			MaxSpreadPct:      0.03,
		},
		Capital: CapitalConfig{
			TakerFeeRate:      0.0026,
			TradeableFraction: 0.70,
			ReserveFraction:   0.30,
		},
		Storage: StorageConfig{Type: "none"},
		State: StateConfig{
			Type:     "file",
			Path:     "data/state.json",
			RedisKey: "dipscalp:state",
		},
		Log: LogConfig{
			Level:    "info",
			File:     "app.log",
			JSONFile: "app.json.log",
		},
		UI: UIConfig{RefreshRate: 1000},
	}
}

// Load загружает конфигурацию из файла поверх значений по умолчанию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	if err := loadSecrets(&cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Info("Загружена конфигурация",
		zap.String("path", path),
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("symbols", cfg.Trading.Symbols))
	return &cfg, nil
}

// loadSecrets подставляет ключи API из окружения (и .env, если он есть)
func loadSecrets(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка загрузки .env: %w", err)
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Storage.Token = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.State.RedisPassword = v
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return fmt.Errorf("неизвестный режим: %s", cfg.Mode)
	}
	if cfg.Mode == ModeLive && (cfg.Binance.APIKey == "" || cfg.Binance.APISecret == "") {
		return fmt.Errorf("в режиме live нужны BINANCE_API_KEY и BINANCE_API_SECRET")
	}
	if cfg.Trading.QuoteAsset == "" {
		return fmt.Errorf("quote_asset не задан")
	}
	if cfg.Trading.CycleSeconds <= 0 {
		return fmt.Errorf("cycle_seconds должен быть > 0")
	}
	if cfg.Trading.MinSleepSeconds < 0 {
		return fmt.Errorf("min_sleep_seconds должен быть >= 0")
	}
	if cfg.Trading.MaxBuysPerCycle < 0 || cfg.Trading.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("лимиты позиций должны быть положительными")
	}
	if cfg.Trading.MinTradeUSD <= 0 {
		return fmt.Errorf("min_trade_usd должен быть > 0")
	}
	s := cfg.Strategy
	if s.ShortMA <= 0 || s.LongMA <= s.ShortMA {
		return fmt.Errorf("требуется 0 < short_ma < long_ma")
	}
	if cfg.Trading.CandleLimit < s.LongMA || cfg.Trading.CandleLimit < s.DipWindow || cfg.Trading.CandleLimit < s.ReversalWindow {
		return fmt.Errorf("candle_limit меньше окон стратегии")
	}
	if s.StopLossPct >= 0 {
		return fmt.Errorf("stop_loss_pct должен быть отрицательным")
	}
	if s.TakeProfitNetPct <= 0 || s.DipPct <= 0 {
		return fmt.Errorf("take_profit_net_pct и dip_pct должны быть > 0")
	}
	c := cfg.Capital
	if c.TakerFeeRate < 0 || c.TakerFeeRate >= 0.5 {
		return fmt.Errorf("taker_fee_rate вне диапазона [0, 0.5)")
	}
	if c.TradeableFraction <= 0 || c.TradeableFraction > 1 {
		return fmt.Errorf("tradeable_fraction вне диапазона (0, 1]")
	}
	if c.ReserveFraction < 0 || c.ReserveFraction > 1 {
		return fmt.Errorf("reserve_fraction вне диапазона [0, 1]")
	}
	switch cfg.Storage.Type {
	case "", "none", "influxdb":
	default:
		return fmt.Errorf("неизвестный тип хранилища: %s", cfg.Storage.Type)
	}
	switch cfg.State.Type {
	case "", "none", "file", "redis":
	default:
		return fmt.Errorf("неизвестный тип хранилища состояния: %s", cfg.State.Type)
	}
	return nil
}

// CycleInterval длительность торгового цикла
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Trading.CycleSeconds) * time.Second
}

// MinSleep минимальная пауза между циклами
func (c *Config) MinSleep() time.Duration {
	return time.Duration(c.Trading.MinSleepSeconds) * time.Second
}

// Cooldown блокировка повторного входа после выхода
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Strategy.CooldownMinutes) * time.Minute
}

// SidewaysDuration сколько держать позицию без движения до выхода
func (c *Config) SidewaysDuration() time.Duration {
	return time.Duration(c.Strategy.SidewaysSeconds) * time.Second
}
