package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/coordinator"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// createTestServer wires a full scoring pipeline with the built-in bundle
// and an SQLite repository in a temp dir.
func createTestServer(t *testing.T, serverCfg domain.ServerConfig) *Server {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.Explain.Async = false

	bundle, err := models.DefaultBundle(models.ParamsFrom(cfg))
	if err != nil {
		t.Fatalf("failed to load default bundle: %v", err)
	}
	store := profile.NewStore(profile.OptionsFrom(cfg.Profile))
	t.Cleanup(func() { store.Close() })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	scorer := scoring.NewScorer(bundle, cfg.Scoring, models.Heuristic{}, nil)
	coord := coordinator.New(coordinator.Options{
		Config:    cfg,
		Profiles:  store,
		Extractor: features.NewExtractor(store, features.DefaultTables(), cfg.Features),
		Scorer:    scorer,
		Explainer: explain.New(scorer, cfg.Explain, cfg.Features, cfg.Scoring.AlertThreshold),
		Alerts:    alert.NewManager(cfg.Scoring.AlertThreshold, cfg.Alerts, nil, nil),
	})

	return NewServer(serverCfg, Deps{Coordinator: coord, Repository: repo}, "test-v1")
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func testTxn(customer string, amount float64) domain.Transaction {
	return domain.Transaction{
		CustomerID:       customer,
		MerchantID:       "MERCH001",
		MerchantCategory: "grocery",
		Amount:           amount,
		CountryCode:      "US",
		Channel:          domain.ChannelCardPresent,
		DeviceID:         "dev-1",
	}
}

func TestScoreEndpoint(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	t.Run("SuccessfulScore", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/score", testTxn("cust-001", 42))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		out := decode[domain.ScoreOutcome](t, rr)
		if out.TxnID == "" {
			t.Error("expected a server-assigned txn_id")
		}
		if out.IsAlert {
			t.Errorf("ordinary purchase should not alert, score %.3f", out.CombinedScore)
		}
		if out.Status != domain.DecisionApproved {
			t.Errorf("expected status approved, got %s", out.Status)
		}
		if len(out.Score.ModelScores) == 0 {
			t.Error("expected per-model scores in response")
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/score", "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Code != domain.CodeBadRequest {
			t.Errorf("expected BAD_REQUEST, got %s", resp.Code)
		}
	})

	t.Run("MalformedTransaction", func(t *testing.T) {
		txn := testTxn("cust-002", 10)
		txn.CountryCode = "USA"
		rr := do(t, server, http.MethodPost, "/score", txn)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}
		resp := decode[ErrorResponse](t, rr)
		if resp.Code != domain.CodeMalformedTransaction || resp.Field != "country_code" {
			t.Errorf("unexpected error response: %+v", resp)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/score", testTxn("cust-003", -100))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/score", testTxn("cust-004", 12))
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
	})
}

func TestAlertWorkflow(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	rr := do(t, server, http.MethodPost, "/simulate", SimulateRequest{Scenario: "impossible_travel", CustomerID: "traveller"})
	if rr.Code != http.StatusOK {
		t.Fatalf("simulate failed: %d %s", rr.Code, rr.Body.String())
	}
	sim := decode[coordinator.SimulationOutcome](t, rr)
	if sim.Scenario != coordinator.ScenarioImpossibleTravel {
		t.Errorf("expected scenario echoed, got %q", sim.Scenario)
	}
	if sim.ScoreOutcome == nil || !sim.IsAlert {
		t.Fatalf("expected impossible travel to alert: %s", rr.Body.String())
	}
	alertID := sim.AlertID

	t.Run("List", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/alerts?customer_id=traveller&status=new", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		list := decode[AlertList](t, rr)
		if list.Total != 1 || len(list.Alerts) != 1 || list.Alerts[0].AlertID != alertID {
			t.Errorf("unexpected alert list: %+v", list)
		}
	})

	t.Run("ListBadParams", func(t *testing.T) {
		for _, q := range []string{"status=open", "limit=-1", "offset=x"} {
			if rr := do(t, server, http.MethodGet, "/alerts?"+q, nil); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("GetWithExplanation", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/alerts/"+alertID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		a := decode[domain.Alert](t, rr)
		if a.Explanation == nil || !a.Explanation.RiskFactors[domain.RiskGeographicAnomaly] {
			t.Errorf("expected geographic anomaly explanation, got %+v", a.Explanation)
		}
	})

	t.Run("Transitions", func(t *testing.T) {
		rr := do(t, server, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{Status: domain.AlertReviewing})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		rr = do(t, server, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{
			Status:       domain.AlertResolved,
			AnalystNotes: "confirmed with customer",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if a := decode[domain.Alert](t, rr); a.AnalystNotes != "confirmed with customer" {
			t.Errorf("analyst notes not stored: %+v", a)
		}

		rr = do(t, server, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{Status: domain.AlertReviewing})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409 from terminal state, got %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Code != domain.CodeInvalidTransition {
			t.Errorf("expected INVALID_TRANSITION, got %s", resp.Code)
		}

		rr = do(t, server, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{Status: "closed"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown status, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/alerts/does-not-exist", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodPatch, "/alerts/does-not-exist", UpdateAlertRequest{Status: domain.AlertResolved})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestSimulateEndpoint(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	for _, sc := range coordinator.Scenarios {
		t.Run(string(sc), func(t *testing.T) {
			rr := do(t, server, http.MethodPost, "/simulate", SimulateRequest{Scenario: string(sc)})
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			out := decode[coordinator.SimulationOutcome](t, rr)
			if out.Scenario != sc || out.ScoreOutcome == nil || !out.IsAlert {
				t.Errorf("expected %s to alert: %s", sc, rr.Body.String())
			}
		})
	}

	t.Run("UnknownScenario", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/simulate", SimulateRequest{Scenario: "card_cloning"})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Field != "scenario" {
			t.Errorf("expected scenario field, got %+v", resp)
		}
	})
}

func TestProfileEndpoint(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	if rr := do(t, server, http.MethodGet, "/profiles/nobody", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown customer, got %d", rr.Code)
	}

	do(t, server, http.MethodPost, "/score", testTxn("profiled", 30))
	rr := do(t, server, http.MethodGet, "/profiles/profiled", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"profiled"`) {
		t.Errorf("expected customer id in profile: %s", rr.Body.String())
	}
}

func TestModelEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	t.Run("Describe", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/models", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		info := decode[models.BundleInfo](t, rr)
		if info.Source != "builtin" || len(info.Models) == 0 {
			t.Errorf("unexpected bundle info: %+v", info)
		}
	})

	t.Run("ReloadBuiltin", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/models/reload", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ReloadMissingDir", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/models/reload", ReloadRequest{Dir: t.TempDir()})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", rr.Code)
		}
		// The previous bundle still serves.
		if rr := do(t, server, http.MethodPost, "/score", testTxn("after-reload", 20)); rr.Code != http.StatusOK {
			t.Errorf("scoring after failed reload: %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp := decode[HealthResponse](t, rr)
		if resp.Status != "healthy" {
			t.Errorf("expected healthy, got %+v", resp)
		}
		want := map[string]string{"repository": "healthy", "models": "healthy", "cache": "disabled", "bus": "disabled"}
		for k, v := range want {
			if resp.Components[k] != v {
				t.Errorf("component %s: expected %s, got %s", k, v, resp.Components[k])
			}
		}
		if resp.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Version)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodPost, "/score", testTxn("metrics", 15))
		rr := do(t, server, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_transactions_processed_total") {
			t.Error("expected transaction counter in metrics output")
		}
	})

	t.Run("DeadLettersEmpty", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/deadletters", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodGet, "/deadletters?source=store", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200 from store, got %d", rr.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{RateLimitRPS: 1, RateLimitBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, server, http.MethodPost, "/score", testTxn("limited", 10)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected [200 200 429], got %v", codes)
	}

	// Reads are not throttled.
	if rr := do(t, server, http.MethodGet, "/alerts", nil); rr.Code != http.StatusOK {
		t.Errorf("expected alerts listing to bypass the limiter, got %d", rr.Code)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	l := NewRateLimiter(1, 1)
	l.ttl = time.Millisecond
	if !l.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	time.Sleep(5 * time.Millisecond)
	l.Allow("10.0.0.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["10.0.0.1"]; ok {
		t.Error("idle client should have been swept")
	}
	if NewRateLimiter(0, 10) != nil {
		t.Error("zero rps should disable limiting")
	}
}

func TestCORSPreflight(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})
	req := httptest.NewRequest(http.MethodOptions, "/score", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req.WithContext(context.Background()))

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://dashboard.local" {
		t.Error("expected origin echoed")
	}
}
