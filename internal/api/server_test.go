// Package api_test provides tests for the API server.
package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/helios-desk/options-engine/internal/api"
	"github.com/helios-desk/options-engine/internal/broker"
	"github.com/helios-desk/options-engine/internal/coordinator"
	"github.com/helios-desk/options-engine/internal/execution"
	"github.com/helios-desk/options-engine/internal/greeks"
	"github.com/helios-desk/options-engine/internal/marketdata"
	"github.com/helios-desk/options-engine/internal/regime"
	"github.com/helios-desk/options-engine/internal/risk"
	"github.com/helios-desk/options-engine/internal/sizing"
	"github.com/helios-desk/options-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*api.Server, *coordinator.Coordinator, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	cfg := types.DefaultEngineConfig()

	feed := marketdata.NewSimFeed()
	feed.SetVolatilityIndex(18)
	feed.SetUnderlying("SPX", 5400, 0.18)

	pb := broker.NewPaperBroker(logger, marketdata.FeedQuoter{Feed: feed},
		decimal.NewFromInt(250000), true)

	ledger, err := execution.OpenLedger(logger, filepath.Join(t.TempDir(), "pending.jsonl"))
	if err != nil {
		t.Fatalf("OpenLedger failed: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	coord, err := coordinator.New(logger, coordinator.Deps{
		Config:     cfg,
		Classifier: regime.NewClassifier(logger, feed, cfg.Regime),
		Breakers:   risk.NewBreakers(logger, cfg.Breakers),
		Limiter:    risk.NewLimiter(logger, cfg.Risk),
		Sizer:      sizing.NewSizer(logger, cfg.Sizing),
		Greeks:     greeks.NewEngine(logger, cfg.MarketData.RiskFreeRate),
		Broker:     pb,
		Market:     feed,
		Executor:   execution.NewExecutor(logger, pb, ledger, cfg.Execution),
	})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}

	server := api.NewServer(logger, cfg.Server, coord)
	coord.SetPublisher(server)
	ts := httptest.NewServer(server.Router())
	return server, coord, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, coord, ts := setupTestServer(t)
	defer ts.Close()

	coord.Tick(context.Background())

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", result["status"])
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	_, coord, ts := setupTestServer(t)
	defer ts.Close()

	coord.Tick(context.Background())

	resp, err := http.Get(ts.URL + "/api/v1/snapshot")
	if err != nil {
		t.Fatalf("Snapshot request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var snap coordinator.EngineSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !snap.RegimeAvailable {
		t.Error("snapshot should carry an available regime")
	}
	if snap.Regime.Regime != types.RegimeNormal {
		t.Errorf("regime = %s, want normal", snap.Regime.Regime)
	}
}

func TestPositionsEndpointEmpty(t *testing.T) {
	_, coord, ts := setupTestServer(t)
	defer ts.Close()

	coord.Tick(context.Background())

	resp, err := http.Get(ts.URL + "/api/v1/positions")
	if err != nil {
		t.Fatalf("Positions request failed: %v", err)
	}
	defer resp.Body.Close()

	var positions []*types.Position
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("Expected no positions, got %d", len(positions))
	}
}

func TestWebSocketReceivesSnapshots(t *testing.T) {
	_, coord, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	coord.Tick(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event api.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if event.Type != "snapshot" {
		t.Errorf("event type = %q, want snapshot", event.Type)
	}
}
