package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/engine"
	"github.com/skalibog/dipscalp/internal/exchange"
	"github.com/skalibog/dipscalp/internal/scheduler"
	"github.com/skalibog/dipscalp/internal/storage"
	"github.com/skalibog/dipscalp/internal/ui"
	"github.com/skalibog/dipscalp/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// При включенном UI консольный вывод перекрыл бы экран
	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		Console:  cfg.Log.Console && !cfg.UI.Enabled,
		Truncate: cfg.UI.Enabled,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Запуск",
		zap.String("config", *configPath),
		zap.String("mode", string(cfg.Mode)),
		zap.String("quote", cfg.Trading.QuoteAsset))

	// Контекст отменяется по SIGINT/SIGTERM
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Остановка с ошибкой", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Завершение работы")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Инициализируем клиент биржи
	var client exchange.Exchange = exchange.NewBinanceClient(cfg.Binance)
	if cfg.Mode == config.ModePaper {
		client = exchange.NewPaper(client, cfg.Trading.QuoteAsset, cfg.Trading.PaperBalanceUSD, cfg.Capital.TakerFeeRate)
		logger.Info("Режим paper: ордера исполняются виртуально",
			zap.Float64("balance", cfg.Trading.PaperBalanceUSD))
	}

	// Инициализируем журнал
	journal, err := storage.NewJournal(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("ошибка инициализации журнала: %w", err)
	}
	defer journal.Close()

	// Восстанавливаем состояние
	store, err := storage.NewStateStore(ctx, cfg.State)
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища состояния: %w", err)
	}
	defer store.Close()

	state := engine.NewState()
	snapshot, found, err := store.Load(ctx)
	switch {
	case err != nil:
		logger.Warn("Состояние не загружено, старт с пустым", zap.Error(err))
	case found:
		state = engine.StateFromSnapshot(snapshot)
		logger.Info("Состояние восстановлено",
			zap.Int("positions", len(state.Positions)),
			zap.Int("cooldowns", len(state.Cooldowns)),
			zap.Float64("reserve_usd", state.ReserveUSD))
	}

	eng := engine.New(cfg, client, journal)

	saveState := func(ctx context.Context, now time.Time) {
		if err := store.Save(ctx, state.Snapshot(now)); err != nil {
			logger.Error("Ошибка сохранения состояния", zap.Error(err))
		}
	}

	if cfg.Trading.SellAllOnStart {
		next, _, err := eng.LiquidateAll(ctx, state, time.Now())
		if err != nil {
			return fmt.Errorf("ошибка ликвидации при старте: %w", err)
		}
		state = next
		saveState(ctx, time.Now())
	}

	var dashboard *ui.TermUI
	if cfg.UI.Enabled {
		dashboard = ui.NewTermUI(cfg.UI, cfg.Log.JSONFile)
	}

	runner := scheduler.NewRunner(cfg.CycleInterval(), cfg.MinSleep(), func(ctx context.Context, now time.Time) error {
		next, report, err := eng.RunCycle(ctx, state, now)
		if err != nil {
			return err
		}
		state = next
		saveState(ctx, now)
		if dashboard != nil {
			dashboard.Update(report)
		}
		return nil
	})

	if dashboard == nil {
		err = runner.Run(ctx)
	} else {
		// UI занимает основной поток, выход из него останавливает движок
		uiCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- runner.Run(uiCtx)
		}()
		if uiErr := dashboard.Start(uiCtx); uiErr != nil {
			logger.Error("Ошибка UI", zap.Error(uiErr))
		}
		cancel()
		err = <-done
	}

	// финальное сохранение не должно зависеть от отмененного контекста
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saveState(saveCtx, time.Now())
	return err
}
