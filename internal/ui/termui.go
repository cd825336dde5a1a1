package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/internal/engine"
	"github.com/skalibog/dipscalp/pkg/logger"
	"github.com/skalibog/dipscalp/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	mutedColor     = lipgloss.Color("#999999")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)
)

const maxLogLines = 50

// Регулярное выражение для удаления ANSI-цветов
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// TermUI терминальная панель: последний цикл, капитал, позиции и хвост лога
type TermUI struct {
	config  config.UIConfig
	logFile string

	mu            sync.RWMutex
	report        *engine.CycleReport
	logs          []string
	selectedIndex int
	width         int
	height        int

	program *tea.Program
}

// Сообщения для обновления UI
type refreshMsg struct{}

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает панель, логи читаются из JSON лога logFile
func NewTermUI(cfg config.UIConfig, logFile string) *TermUI {
	return &TermUI{
		config:  cfg,
		logFile: logFile,
		logs:    []string{"Движок запущен. Ожидание первого цикла..."},
		width:   120,
		height:  40,
	}
}

// Start запускает UI и блокируется до выхода пользователя или отмены ctx
func (ui *TermUI) Start(ctx context.Context) error {
	model := bubbleModel{ui: ui}
	ui.mu.Lock()
	ui.program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	ui.mu.Unlock()

	go ui.tailLogs(ctx)

	if _, err := ui.program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

// Update передает в панель итог очередного цикла
func (ui *TermUI) Update(report engine.CycleReport) {
	ui.mu.Lock()
	ui.report = &report
	if ui.selectedIndex >= len(report.Decisions) {
		ui.selectedIndex = 0
	}
	program := ui.program
	ui.mu.Unlock()

	if program != nil {
		program.Send(refreshMsg{})
	}
}

func (ui *TermUI) tailLogs(ctx context.Context) {
	refresh := time.Duration(ui.config.RefreshRate) * time.Millisecond
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ui.loadLogsFromFile(); err != nil {
				logger.Warn("Ошибка загрузки логов", zap.Error(err))
				continue
			}
			ui.mu.RLock()
			program := ui.program
			ui.mu.RUnlock()
			if program != nil {
				program.Send(refreshMsg{})
			}
		}
	}
}

// loadLogsFromFile читает последние строки JSON лога
func (ui *TermUI) loadLogsFromFile() error {
	if ui.logFile == "" {
		return nil
	}
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Файл не существует, это не ошибка
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogLines {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(logs) > 0 {
		ui.mu.Lock()
		ui.logs = logs
		ui.mu.Unlock()
	}
	return nil
}

// formatLogLine превращает JSON запись zap в строку "[время] [УРОВЕНЬ] сообщение (поле: значение)"
func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range sortedKeys(zapLog) {
		if k == "level" || k == "ts" || k == "msg" || k == "caller" {
			continue
		}
		fmt.Fprintf(&b, " (%s: %v)", k, zapLog[k])
	}
	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return nil
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.ui.mu.Lock()
			m.ui.selectedIndex = max(0, m.ui.selectedIndex-1)
			m.ui.mu.Unlock()
		case "down":
			m.ui.mu.Lock()
			if m.ui.report != nil {
				m.ui.selectedIndex = max(0, min(len(m.ui.report.Decisions)-1, m.ui.selectedIndex+1))
			}
			m.ui.mu.Unlock()
		case "r":
			if err := m.ui.loadLogsFromFile(); err != nil {
				logger.Warn("Ошибка загрузки логов", zap.Error(err))
			}
		}

	case tea.WindowSizeMsg:
		m.ui.mu.Lock()
		m.ui.width = msg.Width
		m.ui.height = msg.Height
		m.ui.mu.Unlock()

	case refreshMsg:
		// Просто обновляем UI
	}

	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.mu.RLock()
	defer m.ui.mu.RUnlock()

	title := titleStyle.Render("DIPSCALP - спотовый скальпинг на просадках")
	footer := footerStyle.Render("Клавиши: ↑/↓ - решения, R - перезагрузить логи, Q - выход")

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			"\n",
			renderCapitalSection(m.ui.report),
			renderPositionsSection(m.ui.report),
			renderDecisionsSection(m.ui.report, m.ui.selectedIndex),
			renderLogsSection(m.ui.logs),
			footer,
		),
	)
}

func renderCapitalSection(report *engine.CycleReport) string {
	header := headerStyle.Render("КАПИТАЛ")
	if report == nil {
		return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, "  Ожидание данных...\n"))
	}

	pool := report.Pool
	content := fmt.Sprintf(
		"  Всего: %.2f  Доступно: %.2f  Резерв: %.2f\n"+
			"  Прибыль (TP): %.2f  Пыль: %.2f\n"+
			"  Цикл %s в %s (%s)\n",
		pool.TotalUSD, pool.Tradeable(), pool.ReserveUSD,
		report.Stats.LifetimeTakeProfitUSD, report.Stats.LifetimeDustRecoveredUSD,
		report.ID, report.StartedAt.Format("15:04:05"), report.Duration.Round(time.Millisecond))
	if report.Rebalanced {
		content += lipgloss.NewStyle().Foreground(warningColor).Render("  Ребалансировка капитала") + "\n"
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content))
}

func renderPositionsSection(report *engine.CycleReport) string {
	header := headerStyle.Render("ПОЗИЦИИ")
	var content strings.Builder
	if report == nil || len(report.Positions) == 0 {
		content.WriteString("  Нет открытых позиций\n")
	} else {
		for _, pos := range report.Positions {
			entry := "?"
			if pos.HasCostBasis() {
				entry = fmt.Sprintf("%.8g", pos.EntryPrice)
			}
			fmt.Fprintf(&content, "  %-12s кол-во: %.8g  вход: %s  с %s\n",
				pos.Symbol, pos.Quantity, entry, pos.EntryTime.Format("02.01 15:04"))
		}
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func renderDecisionsSection(report *engine.CycleReport, selectedIndex int) string {
	header := headerStyle.Render("РЕШЕНИЯ")
	var content strings.Builder

	if report == nil || len(report.Decisions) == 0 {
		content.WriteString("  Ожидание данных...\n")
	} else {
		fmt.Fprintf(&content, "  BUY: %d  SELL: %d  HOLD: %d  SKIP: %d\n",
			report.Count(models.ActionBuy), report.Count(models.ActionSell),
			report.Count(models.ActionHold), report.Count(models.ActionSkip))
		for i, d := range report.Decisions {
			line := "  " + formatDecision(d)
			if i == selectedIndex {
				line = "> " + line[2:]
				line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render(line)
			}
			content.WriteString(line + "\n")
		}
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

// formatDecision строка решения с цветом по действию
func formatDecision(d models.Decision) string {
	var style lipgloss.Style
	switch d.Action {
	case models.ActionBuy:
		style = lipgloss.NewStyle().Foreground(successColor)
	case models.ActionSell:
		style = lipgloss.NewStyle().Foreground(errorColor)
	case models.ActionHold:
		style = lipgloss.NewStyle().Foreground(warningColor)
	default:
		style = lipgloss.NewStyle().Foreground(mutedColor)
	}
	if d.Executed {
		style = style.Bold(true)
	}

	text := fmt.Sprintf("%-4s %-12s %s", d.Action, d.Symbol, d.Reason)
	if d.USDAmount > 0 {
		text += fmt.Sprintf(" $%.2f", d.USDAmount)
	}
	if d.Error != "" {
		text += " ошибка: " + d.Error
	}
	return style.Render(text)
}

func renderLogsSection(logs []string) string {
	header := headerStyle.Render("ЛОГИ")
	var content strings.Builder

	start := 0
	if len(logs) > maxLogLines {
		start = len(logs) - maxLogLines
	}
	for _, log := range logs[start:] {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(log, "[ERROR]"):
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		case strings.Contains(log, "[INFO]"):
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		case strings.Contains(log, "[WARN]"):
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		case strings.Contains(log, "[DEBUG]"):
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}
