package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/dipscalp/internal/config"
	"github.com/skalibog/dipscalp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type influxStub struct {
	mu     sync.Mutex
	lines  []string
	status string
}

func newInfluxStub(t *testing.T, status string) (*influxStub, *httptest.Server) {
	t.Helper()
	stub := &influxStub{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"influxdb","message":"ready","status":"` + stub.status + `","checks":[],"version":"2.7.0"}`))
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body)
			stub.mu.Lock()
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					stub.lines = append(stub.lines, line)
				}
			}
			stub.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *influxStub) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func storageConfig(url string) config.StorageConfig {
	return config.StorageConfig{Type: "influxdb", URL: url, Token: "token", Organization: "org", Bucket: "trades"}
}

func TestInfluxJournalWrites(t *testing.T) {
	stub, srv := newInfluxStub(t, "pass")
	ctx := context.Background()

	journal, err := NewInfluxDBStorage(ctx, storageConfig(srv.URL))
	require.NoError(t, err)
	defer journal.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	decisions := []models.Decision{
		{Action: models.ActionSell, Symbol: "SOLUSDT", Quantity: 0.5, Price: 160, Reason: models.ReasonTakeProfit, Executed: true},
		models.Skip("ETHUSDT", models.ReasonDip),
	}
	require.NoError(t, journal.SaveDecisions(ctx, "cycle-1", decisions, at))

	fill := models.Fill{Symbol: "SOLUSDT", Side: models.SideSell, Price: 160, Quantity: 0.5, OrderID: "1", Time: at}
	require.NoError(t, journal.SaveFill(ctx, fill, models.ReasonTakeProfit))

	pool := models.CapitalPool{TotalUSD: 100, TradeableFraction: 0.7, ReserveFraction: 0.3, ReserveUSD: 5}
	require.NoError(t, journal.SavePoolSnapshot(ctx, pool, 2, at))
	require.NoError(t, journal.SaveDailySummary(ctx, "2026-03-01", models.Stats{LifetimeTakeProfitUSD: 3}, pool, at))

	lines := stub.written()
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "decisions,"))
	assert.Contains(t, lines[0], "reason=TakeProfit")
	assert.Contains(t, lines[0], `cycle_id="cycle-1"`)
	assert.True(t, strings.HasPrefix(lines[1], "fills,"))
	assert.Contains(t, lines[1], "notional=80")
	assert.True(t, strings.HasPrefix(lines[2], "capital_pool "))
	assert.Contains(t, lines[2], "tradeable_usd=65")
	assert.True(t, strings.HasPrefix(lines[3], "daily_summary,day=2026-03-01"))
}

func TestInfluxHealthFailure(t *testing.T) {
	_, srv := newInfluxStub(t, "fail")

	_, err := NewInfluxDBStorage(context.Background(), storageConfig(srv.URL))
	assert.Error(t, err)
}

func TestNewJournal(t *testing.T) {
	journal, err := NewJournal(context.Background(), config.StorageConfig{Type: "none"})
	require.NoError(t, err)
	assert.IsType(t, NopJournal{}, journal)
	assert.NoError(t, journal.SaveFill(context.Background(), models.Fill{}, models.ReasonStopLoss))

	_, err = NewJournal(context.Background(), config.StorageConfig{Type: "mongo"})
	assert.Error(t, err)
}
