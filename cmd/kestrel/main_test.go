package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testConfig(t *testing.T, dbPath string) *domain.Config {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Repository.SQLitePath = dbPath
	cfg.Ingest.Enabled = true
	cfg.Ingest.Partitions = 4
	cfg.Explain.Async = false
	cfg.Outbox.BaseDelay = 5 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func publishTxn(t *testing.T, a *app, txn domain.Transaction) {
	t.Helper()
	payload, err := json.Marshal(txn)
	require.NoError(t, err)
	require.NoError(t, a.bus.Publish(context.Background(), domain.TopicTransactionIngest, txn.CustomerID, payload))
}

func TestPipelineEndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kestrel.db")
	cfg := testConfig(t, dbPath)
	ctx := context.Background()

	a, err := build(ctx, cfg, quietLogger())
	require.NoError(t, err)

	var raised atomic.Int32
	_, err = a.bus.Subscribe(ctx, domain.TopicAlertRaised, func(context.Context, *domain.Message) error {
		raised.Add(1)
		return nil
	})
	require.NoError(t, err)

	// A velocity burst arriving over the ingestion stream.
	base := time.Now().UTC().Add(-time.Minute)
	var last string
	for i := 0; i < 5; i++ {
		last = fmt.Sprintf("e2e-%d", i)
		publishTxn(t, a, domain.Transaction{
			TxnID:            last,
			Timestamp:        base.Add(time.Duration(i) * 10 * time.Second),
			CustomerID:       "e2e-cust",
			MerchantID:       "MERCH001",
			MerchantCategory: "gas_station",
			Amount:           50,
			CountryCode:      "US",
			Channel:          domain.ChannelCardPresent,
			DeviceID:         "dev-e2e",
		})
	}

	require.Eventually(t, func() bool {
		rec, err := a.repo.GetTransaction(ctx, last)
		return err == nil && rec.IsAlert
	}, 5*time.Second, 10*time.Millisecond, "the burst should be persisted and alerted")

	require.Eventually(t, func() bool {
		alerts, err := a.repo.ListAlerts(ctx, domain.AlertFilter{CustomerID: "e2e-cust"})
		return err == nil && len(alerts) == 1 && alerts[0].Explanation != nil
	}, 5*time.Second, 10*time.Millisecond, "the alert and its explanation should be persisted")
	assert.Eventually(t, func() bool { return raised.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The same alert through the API, then moved into review.
	rr := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/alerts?customer_id=e2e-cust", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Alerts []domain.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Alerts, 1)
	alertID := list.Alerts[0].AlertID

	rr = httptest.NewRecorder()
	body := bytes.NewBufferString(`{"status":"reviewing","analyst_notes":"checking with cardholder"}`)
	a.server.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPatch, "/alerts/"+alertID, body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	a.close()

	stored, err := func() (*domain.Alert, error) {
		b, err := build(ctx, testConfig(t, dbPath), quietLogger())
		if err != nil {
			return nil, err
		}
		defer b.close()
		defer b.shutdown(shutdownCtx)
		// Open alerts survive the restart.
		return b.alerts.Get(alertID)
	}()
	require.NoError(t, err)
	assert.Equal(t, domain.AlertReviewing, stored.Status)
	assert.Equal(t, "checking with cardholder", stored.AnalystNotes)
}

func TestBuildFailsCleanly(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "kestrel.db"))
	cfg.EventBus.Type = "carrier-pigeon"

	_, err := build(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bus")

	cfg = testConfig(t, filepath.Join(t.TempDir(), "kestrel.db"))
	cfg.Scoring.ModelsDir = t.TempDir()
	_, err = build(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "load model bundle")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(domain.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "k=v")

	buf.Reset()
	newLogger(domain.LoggingConfig{}, &buf).Info("json line")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "default format is JSON: %q", buf.String())
}
