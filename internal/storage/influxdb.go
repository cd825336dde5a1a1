// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/pkg/models"
)

// Journal журнал торговой активности
type Journal interface {
	SaveDecisions(ctx context.Context, cycleID string, decisions []models.Decision, at time.Time) error
	SaveFill(ctx context.Context, fill models.Fill, reason models.Reason) error
	SavePoolSnapshot(ctx context.Context, pool models.CapitalPool, positions int, at time.Time) error
	SaveDailySummary(ctx context.Context, day string, stats models.Stats, pool models.CapitalPool, at time.Time) error
	Close()
}

// InfluxDBStorage реализует журнал с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// SaveDecisions сохраняет решения цикла, кроме пропусков без ошибок
func (s *InfluxDBStorage) SaveDecisions(ctx context.Context, cycleID string, decisions []models.Decision, at time.Time) error {
	points := make([]*write.Point, 0, len(decisions))
	for i, d := range decisions {
		if d.Action == models.ActionSkip && d.Error == "" {
			continue
		}
		point := influxdb2.NewPoint(
			"decisions",
			map[string]string{
				"symbol": d.Symbol,
				"action": string(d.Action),
				"reason": string(d.Reason),
			},
			map[string]interface{}{
				"cycle_id":   cycleID,
				"usd_amount": d.USDAmount,
				"quantity":   d.Quantity,
				"price":      d.Price,
				"executed":   d.Executed,
				"error":      d.Error,
			},
			// решения одного цикла не должны перезаписывать друг друга
			at.Add(time.Duration(i)),
		)
		points = append(points, point)
	}
	if len(points) == 0 {
		return nil
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи решений: %w", err)
	}
	return nil
}

// SaveFill сохраняет исполнение ордера
func (s *InfluxDBStorage) SaveFill(ctx context.Context, fill models.Fill, reason models.Reason) error {
	point := influxdb2.NewPoint(
		"fills",
		map[string]string{
			"symbol": fill.Symbol,
			"side":   string(fill.Side),
			"reason": string(reason),
		},
		map[string]interface{}{
			"price":    fill.Price,
			"quantity": fill.Quantity,
			"notional": fill.Notional(),
			"order_id": fill.OrderID,
		},
		fill.Time,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи исполнения: %w", err)
	}
	return nil
}

// SavePoolSnapshot сохраняет состояние пула капитала
func (s *InfluxDBStorage) SavePoolSnapshot(ctx context.Context, pool models.CapitalPool, positions int, at time.Time) error {
	point := influxdb2.NewPoint(
		"capital_pool",
		nil,
		map[string]interface{}{
			"total_usd":     pool.TotalUSD,
			"tradeable_usd": pool.Tradeable(),
			"reserve_usd":   pool.ReserveUSD,
			"positions":     positions,
		},
		at,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи пула капитала: %w", err)
	}
	return nil
}

// SaveDailySummary сохраняет дневную сводку
func (s *InfluxDBStorage) SaveDailySummary(ctx context.Context, day string, stats models.Stats, pool models.CapitalPool, at time.Time) error {
	point := influxdb2.NewPoint(
		"daily_summary",
		map[string]string{
			"day": day,
		},
		map[string]interface{}{
			"lifetime_take_profit_usd":    stats.LifetimeTakeProfitUSD,
			"lifetime_dust_recovered_usd": stats.LifetimeDustRecoveredUSD,
			"total_usd":                   pool.TotalUSD,
			"reserve_usd":                 pool.ReserveUSD,
		},
		at,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи дневной сводки: %w", err)
	}
	return nil
}

// NopJournal журнал, который ничего не сохраняет
type NopJournal struct{}

func (NopJournal) SaveDecisions(context.Context, string, []models.Decision, time.Time) error {
	return nil
}

func (NopJournal) SaveFill(context.Context, models.Fill, models.Reason) error { return nil }

func (NopJournal) SavePoolSnapshot(context.Context, models.CapitalPool, int, time.Time) error {
	return nil
}

func (NopJournal) SaveDailySummary(context.Context, string, models.Stats, models.CapitalPool, time.Time) error {
	return nil
}

func (NopJournal) Close() {}

// NewJournal создает журнал по конфигурации
func NewJournal(ctx context.Context, cfg config.StorageConfig) (Journal, error) {
	switch cfg.Type {
	case "influxdb":
		return NewInfluxDBStorage(ctx, cfg)
	case "", "none":
		return NopJournal{}, nil
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища: %s", cfg.Type)
	}
}
