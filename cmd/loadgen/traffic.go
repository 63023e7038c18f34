package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var scenarios = []string{"impossible_travel", "high_amount", "velocity_attack", "card_not_present"}

var categories = []string{"grocery", "restaurant", "gas_station", "retail", "pharmacy", "entertainment"}

// job is one request: a transaction for /score or a scenario for /simulate.
// Fraud is set for labelled replays.
type job struct {
	Txn      *domain.Transaction
	Scenario string
	Fraud    *bool
}

func (j job) label() string {
	if j.Scenario != "" {
		return "simulate:" + j.Scenario
	}
	if len(j.Txn.TxnID) > 8 {
		return j.Txn.TxnID[:8]
	}
	return j.Txn.TxnID
}

func (j job) customer() string {
	if j.Txn != nil {
		return j.Txn.CustomerID
	}
	return "-"
}

// result is the subset of the score and simulate responses the generator reads.
type result struct {
	TxnID         string   `json:"txn_id"`
	CombinedScore float64  `json:"combined_score"`
	IsAlert       bool     `json:"is_alert"`
	Status        string   `json:"status"`
	Deduplicated  bool     `json:"deduplicated"`
	Degraded      bool     `json:"degraded"`
	Reasons       []string `json:"degraded_reasons"`
}

type scorer interface {
	send(j job) (*result, error)
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) send(j job) (*result, error) {
	var path string
	var body any
	if j.Scenario != "" {
		path, body = "/simulate", map[string]string{"scenario": j.Scenario}
	} else {
		path, body = "/score", j.Txn
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var res result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// customerProfile is the generator's idea of a customer's normal behaviour.
type customerProfile struct {
	id      string
	country string
	device  string
	typical float64
}

type generator struct {
	mu        sync.Mutex
	r         *rand.Rand
	customers []customerProfile
	fraudRate float64
}

func newGenerator(n int, fraudRate float64, seed uint64) *generator {
	if n <= 0 {
		n = 1
	}
	r := rng(seed)
	countries := []string{"US", "US", "US", "GB", "DE", "FR", "CA"}
	g := &generator{r: r, fraudRate: fraudRate, customers: make([]customerProfile, n)}
	for i := range g.customers {
		g.customers[i] = customerProfile{
			id:      fmt.Sprintf("lg-%05d", i),
			country: countries[r.IntN(len(countries))],
			device:  fmt.Sprintf("lg-dev-%05d", i),
			typical: 20 + r.Float64()*180,
		}
	}
	return g
}

// purchase returns an ordinary transaction for a random customer.
func (g *generator) purchase(ts time.Time) *domain.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.customers[g.r.IntN(len(g.customers))]
	// Log-normal spread around the customer's typical amount.
	amount := math.Round(c.typical*math.Exp(g.r.NormFloat64()*0.35)*100) / 100
	channel := domain.ChannelCardPresent
	if g.r.Float64() < 0.2 {
		channel = domain.ChannelCardNotPresent
	}
	return &domain.Transaction{
		TxnID:            uuid.NewString(),
		Timestamp:        ts,
		CustomerID:       c.id,
		MerchantID:       fmt.Sprintf("MERCH%03d", g.r.IntN(200)),
		MerchantCategory: categories[g.r.IntN(len(categories))],
		Amount:           math.Max(amount, 1),
		CountryCode:      c.country,
		Channel:          channel,
		DeviceID:         c.device,
	}
}

// jobs returns n synthetic requests.
func (g *generator) jobs(n int) []job {
	out := make([]job, 0, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		g.mu.Lock()
		fraud := g.r.Float64() < g.fraudRate
		pick := g.r.IntN(len(scenarios))
		g.mu.Unlock()
		if fraud {
			out = append(out, job{Scenario: scenarios[pick]})
			continue
		}
		out = append(out, job{Txn: g.purchase(now.Add(time.Duration(i) * time.Second))})
	}
	return out
}

func encodeTxn(txn *domain.Transaction) ([]byte, error) {
	return json.Marshal(txn)
}

// readCSV loads labelled transactions. The header names the columns:
// txn_id, timestamp (RFC 3339), customer_id, merchant_id, merchant_category,
// amount, country_code, channel, device_id and is_fraud. Malformed rows are
// skipped.
func readCSV(path string) ([]job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCSV(f)
}

func parseCSV(r io.Reader) ([]job, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"customer_id", "amount", "is_fraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var jobs []job
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(get(rec, "amount"), 64)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, get(rec, "timestamp"))
		if err != nil {
			ts = time.Now().UTC()
		}
		fraud := get(rec, "is_fraud") == "1" || strings.EqualFold(get(rec, "is_fraud"), "true")
		txn := &domain.Transaction{
			TxnID:            get(rec, "txn_id"),
			Timestamp:        ts,
			CustomerID:       get(rec, "customer_id"),
			MerchantID:       get(rec, "merchant_id"),
			MerchantCategory: get(rec, "merchant_category"),
			Amount:           amount,
			CountryCode:      get(rec, "country_code"),
			Channel:          domain.Channel(get(rec, "channel")),
			DeviceID:         get(rec, "device_id"),
		}
		if txn.TxnID == "" {
			txn.TxnID = uuid.NewString()
		}
		jobs = append(jobs, job{Txn: txn, Fraud: &fraud})
	}
	return jobs, nil
}

// Stats accumulates results across workers.
type Stats struct {
	mu           sync.Mutex
	latencies    []time.Duration
	total        int
	errors       int
	alerts       int
	deduplicated int
	degraded     int
	labelled     int
	tp, fp       int
	tn, fn       int
	scenarios    map[string][2]int
}

func (s *Stats) record(j job, res *result, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.latencies = append(s.latencies, elapsed)
	if err != nil {
		s.errors++
		return
	}
	if res.IsAlert {
		s.alerts++
	}
	if res.Deduplicated {
		s.deduplicated++
	}
	if res.Degraded {
		s.degraded++
	}
	if j.Scenario != "" {
		if s.scenarios == nil {
			s.scenarios = make(map[string][2]int)
		}
		c := s.scenarios[j.Scenario]
		if res.IsAlert {
			c[0]++
		}
		c[1]++
		s.scenarios[j.Scenario] = c
	}
	if j.Fraud != nil {
		s.labelled++
		switch {
		case res.IsAlert && *j.Fraud:
			s.tp++
		case res.IsAlert:
			s.fp++
		case *j.Fraud:
			s.fn++
		default:
			s.tn++
		}
	}
}

// Summary is the final report.
type Summary struct {
	Total, Errors, Alerts    int
	Deduplicated, Degraded   int
	AlertRate                float64
	Labelled, TP, FP, TN, FN int
	Precision, Recall        float64
	P50, P95, P99, Max       time.Duration
	Scenarios                map[string][2]int
}

func (s *Stats) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		Total:        s.total,
		Errors:       s.errors,
		Alerts:       s.alerts,
		Deduplicated: s.deduplicated,
		Degraded:     s.degraded,
		Labelled:     s.labelled,
		TP:           s.tp,
		FP:           s.fp,
		TN:           s.tn,
		FN:           s.fn,
		Scenarios:    s.scenarios,
	}
	if ok := s.total - s.errors; ok > 0 {
		sum.AlertRate = float64(s.alerts) / float64(ok)
	}
	if s.tp+s.fp > 0 {
		sum.Precision = float64(s.tp) / float64(s.tp+s.fp)
	}
	if s.tp+s.fn > 0 {
		sum.Recall = float64(s.tp) / float64(s.tp+s.fn)
	}

	lat := append([]time.Duration(nil), s.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	sum.P50 = percentile(lat, 0.50)
	sum.P95 = percentile(lat, 0.95)
	sum.P99 = percentile(lat, 0.99)
	if len(lat) > 0 {
		sum.Max = lat[len(lat)-1]
	}
	return sum
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
