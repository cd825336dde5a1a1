// Package registry ведет учет открытых позиций и блокировок повторного входа.
package registry

import (
	"sort"
	"time"

	"github.com/skalibog/dipscalp/pkg/models"
)

// Registry открытые позиции и кулдауны по базовым активам.
// Не потокобезопасен: изменяется только из управляющего цикла.
type Registry struct {
	positions map[string]models.Position
	cooldowns map[string]time.Time
	cooldown  time.Duration
}

// ReconcileReport результат сверки с балансами биржи
type ReconcileReport struct {
	// Removed позиции, баланс которых на бирже стал нулевым
	Removed []string
	// Orphans ненулевые балансы без записи в реестре
	Orphans []string
}

// New создает пустой реестр
func New(cooldown time.Duration) *Registry {
	return &Registry{
		positions: make(map[string]models.Position),
		cooldowns: make(map[string]time.Time),
		cooldown:  cooldown,
	}
}

// Open регистрирует позицию после исполненной покупки
func (r *Registry) Open(symbol, base string, price, qty float64, at time.Time) models.Position {
	pos := models.Position{
		Base:       base,
		Symbol:     symbol,
		EntryPrice: price,
		Quantity:   qty,
		EntryTime:  at,
	}
	r.positions[base] = pos
	return pos
}

// Close удаляет позицию и ставит кулдаун. Возвращает момент окончания кулдауна.
func (r *Registry) Close(base string, now time.Time) time.Time {
	delete(r.positions, base)
	until := now.Add(r.cooldown)
	r.cooldowns[base] = until
	return until
}

// IsCoolingDown сообщает, заблокирован ли повторный вход в актив
func (r *Registry) IsCoolingDown(base string, now time.Time) bool {
	until, ok := r.cooldowns[base]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(r.cooldowns, base)
		return false
	}
	return true
}

// Get возвращает позицию по базовому активу
func (r *Registry) Get(base string) (models.Position, bool) {
	pos, ok := r.positions[base]
	return pos, ok
}

// Has сообщает, есть ли позиция по активу
func (r *Registry) Has(base string) bool {
	_, ok := r.positions[base]
	return ok
}

// Len количество открытых позиций
func (r *Registry) Len() int {
	return len(r.positions)
}

// Positions позиции, отсортированные по базовому активу
func (r *Registry) Positions() []models.Position {
	result := make([]models.Position, 0, len(r.positions))
	for _, pos := range r.positions {
		result = append(result, pos)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Base < result[j].Base
	})
	return result
}

// Reconcile сверяет реестр с живыми балансами. Позиции с нулевым балансом
// считаются закрытыми извне и удаляются без кулдауна; балансы без записи
// только помечаются как сироты. tracked ограничивает множество активов,
// которые считаются торгуемыми (например, без валюты котировки).
func (r *Registry) Reconcile(balances map[string]float64, tracked func(base string) bool) ReconcileReport {
	var report ReconcileReport

	for base := range r.positions {
		if balances[base] <= 0 {
			delete(r.positions, base)
			report.Removed = append(report.Removed, base)
		}
	}

	for base, qty := range balances {
		if qty <= 0 || r.Has(base) {
			continue
		}
		if tracked != nil && !tracked(base) {
			continue
		}
		report.Orphans = append(report.Orphans, base)
	}

	sort.Strings(report.Removed)
	sort.Strings(report.Orphans)
	return report
}

// Snapshot сериализуемая копия реестра
func (r *Registry) Snapshot() (map[string]models.Position, map[string]time.Time) {
	positions := make(map[string]models.Position, len(r.positions))
	for k, v := range r.positions {
		positions[k] = v
	}
	cooldowns := make(map[string]time.Time, len(r.cooldowns))
	for k, v := range r.cooldowns {
		cooldowns[k] = v
	}
	return positions, cooldowns
}

// Restore заменяет содержимое реестра сохраненным снимком
func (r *Registry) Restore(positions map[string]models.Position, cooldowns map[string]time.Time) {
	r.positions = make(map[string]models.Position, len(positions))
	for k, v := range positions {
		r.positions[k] = v
	}
	r.cooldowns = make(map[string]time.Time, len(cooldowns))
	for k, v := range cooldowns {
		r.cooldowns[k] = v
	}
}
