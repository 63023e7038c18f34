// Load generator for Kestrel.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -n 10000 -workers 16
//	go run ./cmd/loadgen -csv labelled.csv
//	go run ./cmd/loadgen -nats nats://localhost:4222 -n 50000
//
// Synthetic mode sends ordinary purchases for a pool of customers and mixes
// in fraud scenarios through /simulate at the requested rate. CSV mode
// replays labelled transactions and reports a confusion matrix. With -nats
// the synthetic stream is published to the ingestion topic instead of the
// HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	csvPath := flag.String("csv", "", "Replay labelled transactions from this CSV file")
	natsURL := flag.String("nats", "", "Publish to the ingestion topic on this NATS server instead of HTTP")
	n := flag.Int("n", 10000, "Number of requests in synthetic mode")
	customers := flag.Int("customers", 500, "Size of the synthetic customer pool")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudRate := flag.Float64("fraud-rate", 0.01, "Fraction of synthetic requests that run a fraud scenario")
	seed := flag.Uint64("seed", 1, "Random seed for synthetic traffic")
	verbose := flag.Bool("verbose", false, "Print each result")
	flag.Parse()

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|                    KESTREL LOAD GENERATOR                     |")
	fmt.Println("+---------------------------------------------------------------+")

	gen := newGenerator(*customers, *fraudRate, *seed)

	if *natsURL != "" {
		if err := publishStream(*natsURL, gen, *n); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var jobs []job
	if *csvPath != "" {
		var err error
		jobs, err = readCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Loaded %d labelled transactions from %s\n", len(jobs), *csvPath)
	} else {
		jobs = gen.jobs(*n)
		fmt.Printf("Generated %d requests for %d customers (fraud rate %.2f%%)\n", len(jobs), *customers, 100**fraudRate)
	}

	start := time.Now()
	stats := run(&apiClient{base: *baseURL, http: &http.Client{Timeout: 10 * time.Second}}, jobs, *workers, *verbose)
	printResults(stats, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// run sends jobs through a pool of workers.
func run(c scorer, jobs []job, workers int, verbose bool) *Stats {
	stats := &Stats{}
	work := make(chan job, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				start := time.Now()
				res, err := c.send(j)
				stats.record(j, res, err, time.Since(start))
				if verbose {
					printResult(j, res, err)
				}
			}
		}()
	}

	for _, j := range jobs {
		work <- j
	}
	close(work)
	wg.Wait()
	return stats
}

func printResult(j job, res *result, err error) {
	switch {
	case err != nil:
		fmt.Printf("ERROR %-12s -> %v\n", j.label(), err)
	default:
		mark := " "
		if res.IsAlert {
			mark = "!"
		}
		fmt.Printf("%s %-18s | %-12s | score %.3f | %s\n", mark, j.label(), j.customer(), res.CombinedScore, res.Status)
	}
}

// publishStream writes synthetic transactions to the ingestion topic.
func publishStream(url string, gen *generator, n int) error {
	b, err := bus.New(domain.EventBusConfig{Type: "nats", NATSUrl: url, NATSMaxReconnects: 5, NATSReconnectWait: 1})
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer b.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < n; i++ {
		txn := gen.purchase(time.Now().UTC())
		payload, err := encodeTxn(txn)
		if err != nil {
			return err
		}
		if err := b.Publish(ctx, domain.TopicTransactionIngest, txn.CustomerID, payload); err != nil {
			return fmt.Errorf("publish %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("\nPublished %d transactions to %s in %v (%.0f msg/s)\n",
		n, domain.TopicTransactionIngest, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds())
	return nil
}

func printResults(s *Stats, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                           RESULTS                             |")
	fmt.Println("+---------------------------------------------------------------+")

	sum := s.summary()
	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total:        %d\n", sum.Total)
	fmt.Printf("   Errors:       %d\n", sum.Errors)
	fmt.Printf("   Alerts:       %d (%.2f%%)\n", sum.Alerts, 100*sum.AlertRate)
	fmt.Printf("   Deduplicated: %d\n", sum.Deduplicated)
	fmt.Printf("   Degraded:     %d\n", sum.Degraded)

	if len(sum.Scenarios) > 0 {
		fmt.Printf("\nSCENARIOS (alerted / run)\n")
		for name, c := range sum.Scenarios {
			fmt.Printf("   %-18s %d / %d\n", name, c[0], c[1])
		}
	}

	if sum.Labelled > 0 {
		fmt.Printf("\nCONFUSION MATRIX\n")
		fmt.Printf("   TP %6d   FN %6d\n", sum.TP, sum.FN)
		fmt.Printf("   FP %6d   TN %6d\n", sum.FP, sum.TN)
		fmt.Printf("   Precision: %.4f\n", sum.Precision)
		fmt.Printf("   Recall:    %.4f\n", sum.Recall)
	}

	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50: %v   p95: %v   p99: %v   max: %v\n", sum.P50, sum.P95, sum.P99, sum.Max)
	fmt.Printf("   Duration:   %v\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Throughput: %.2f req/sec\n", float64(sum.Total)/duration.Seconds())
	}
	fmt.Println()
}

// rng returns a seeded generator; math/rand/v2 keeps synthetic runs repeatable.
func rng(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
