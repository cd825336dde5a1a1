package engine

import (
	"time"

	"github.com/skalibog/dipscalp/pkg/models"
)

// State состояние движка между циклами. RunCycle не изменяет переданное
// состояние и возвращает новое.
type State struct {
	Positions  map[string]models.Position
	Cooldowns  map[string]time.Time
	ReserveUSD float64
	Stats      models.Stats
	// LastSummary время последней периодической сводки, не сохраняется
	LastSummary time.Time
}

// NewState пустое состояние
func NewState() State {
	return State{
		Positions: make(map[string]models.Position),
		Cooldowns: make(map[string]time.Time),
	}
}

// StateFromSnapshot восстанавливает состояние из сохраненного снимка
func StateFromSnapshot(s models.StateSnapshot) State {
	state := NewState()
	for k, v := range s.Positions {
		state.Positions[k] = v
	}
	for k, v := range s.Cooldowns {
		state.Cooldowns[k] = v
	}
	state.ReserveUSD = s.ReserveUSD
	state.Stats = s.Stats
	return state
}

// Snapshot сериализуемый снимок состояния
func (s State) Snapshot(now time.Time) models.StateSnapshot {
	positions := make(map[string]models.Position, len(s.Positions))
	for k, v := range s.Positions {
		positions[k] = v
	}
	cooldowns := make(map[string]time.Time, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		// истекшие кулдауны не нужны после перезапуска
		if v.After(now) {
			cooldowns[k] = v
		}
	}
	return models.StateSnapshot{
		Positions:  positions,
		Cooldowns:  cooldowns,
		ReserveUSD: s.ReserveUSD,
		Stats:      s.Stats,
		SavedAt:    now,
	}
}
