package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	scopes      int
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts (key in progress)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&scopes, "scopes", 16, "Number of scopes to spread remittances over")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that resend the previous Idempotency-Key")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(i, &wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(id int, wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var (
		lastKey  string
		lastBody []byte
	)
	for n := 0; time.Since(start) < duration; n++ {
		key := fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano())
		var body []byte
		if lastKey != "" && rand.Float64() < replayRate {
			// Same key and body: the API must replay, not enqueue again.
			key, body = lastKey, lastBody
		} else {
			payload := map[string]interface{}{
				"scope":       generateScope(),
				"amount":      int64(100 + rand.Intn(10000)),
				"currency":    "AUD",
				"beneficiary": fmt.Sprintf("ACCT-%05d", rand.Intn(100000)),
			}
			if rand.Float32() < 0.2 {
				payload["method"] = "BECS"
			}
			body, _ = json.Marshal(payload)
		}
		lastKey, lastBody = key, body

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/remittances", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			// Replays return the stored body without a Location header.
			if resp.Header.Get("Location") == "" {
				atomic.AddUint64(&success200, 1)
			} else {
				atomic.AddUint64(&success201, 1)
			}
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateScope() string {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to one scope
		if rand.Float32() < 0.90 {
			return "org-1"
		}
	}
	return fmt.Sprintf("org-%d", rand.Intn(scopes)+1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
