// Command loadtest fires synthetic trigger events at a running backend and
// reports latency percentiles and throughput. Point it at a staging tenant,
// never production: every request writes an event log and may enqueue jobs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	BaseURL        string
	TenantCode     string
	APIKey         string
	Trigger        string
	NumRequests    int
	Concurrency    int
	Duration       time.Duration
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests       uint64
	Completed           uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Backend base URL")
	tenantCode := flag.String("code", "", "Tenant code (x-client-code)")
	apiKey := flag.String("key", "", "API key (x-api-key)")
	trigger := flag.String("trigger", "loadtest_event", "Trigger name to fire")
	numReqs := flag.Int("reqs", 1000, "Number of trigger requests to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	duration := flag.Duration("duration", 0, "Test duration (0 = run until reqs complete)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *tenantCode == "" || *apiKey == "" {
		slog.Error("Both -code and -key are required")
		return
	}

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		TenantCode:     *tenantCode,
		APIKey:         *apiKey,
		Trigger:        *trigger,
		NumRequests:    *numReqs,
		Concurrency:    *concurrency,
		Duration:       *duration,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting trigger endpoint load test")
	slog.Info("Target", "url", config.BaseURL, "tenant", config.TenantCode, "trigger", config.Trigger)
	slog.Info("Load", "requests", config.NumRequests, "concurrency", config.Concurrency, "duration", config.Duration)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 30 * time.Second}

	reqChan := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for w := 0; w < config.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range reqChan {
				reqStart := time.Now()
				err := fireTrigger(ctx, client, config, n)
				latency := time.Since(reqStart)

				atomic.AddUint64(&stats.TotalRequests, 1)
				if err != nil {
					atomic.AddUint64(&stats.Failed, 1)
				} else {
					atomic.AddUint64(&stats.Completed, 1)
				}

				latenciesMu.Lock()
				latencies = append(latencies, latency)
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				if latency < stats.MinLatency {
					stats.MinLatency = latency
				}
				latenciesMu.Unlock()
			}
		}()
	}

	// Feed the workers, stopping at the duration limit if one is set.
	deadline := time.Time{}
	if config.Duration > 0 {
		deadline = startTime.Add(config.Duration)
	}
	for n := 0; n < config.NumRequests; n++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		reqChan <- n
	}
	close(reqChan)
	wg.Wait()
	cancel()

	stats.TotalDuration = time.Since(startTime)
	computePercentiles(stats, latencies)
	return stats
}

// fireTrigger sends one trigger request. Phones rotate through a synthetic
// block so lead creation and lookup both get exercised.
func fireTrigger(ctx context.Context, client *http.Client, config LoadTestConfig, n int) error {
	body, _ := json.Marshal(map[string]interface{}{
		"trigger":             config.Trigger,
		"phone":               fmt.Sprintf("9998%08d", n%1000),
		"createLeadIfMissing": true,
		"variables":           map[string]string{"name": fmt.Sprintf("Load Test %d", n)},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.BaseURL+"/workflows/trigger", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-code", config.TenantCode)
	req.Header.Set("x-api-key", config.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func computePercentiles(stats *LoadTestStats, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	stats.AvgLatency = total / time.Duration(len(latencies))
	stats.P95Latency = latencies[len(latencies)*95/100]
	stats.P99Latency = latencies[len(latencies)*99/100]
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / stats.TotalDuration.Seconds()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalRequests),
				"completed", atomic.LoadUint64(&stats.Completed),
				"failed", atomic.LoadUint64(&stats.Failed))
		}
	}
}

func printResults(stats *LoadTestStats) {
	fmt.Println("\n========== RESULTS ==========")
	fmt.Printf("Total requests:  %d\n", stats.TotalRequests)
	fmt.Printf("Completed:       %d\n", stats.Completed)
	fmt.Printf("Failed:          %d\n", stats.Failed)
	fmt.Printf("Duration:        %s\n", stats.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Throughput:      %.1f req/s\n", stats.ThroughputPerSecond)
	fmt.Printf("Latency avg:     %s\n", stats.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Latency min:     %s\n", stats.MinLatency.Round(time.Microsecond))
	fmt.Printf("Latency max:     %s\n", stats.MaxLatency.Round(time.Microsecond))
	fmt.Printf("Latency p95:     %s\n", stats.P95Latency.Round(time.Microsecond))
	fmt.Printf("Latency p99:     %s\n", stats.P99Latency.Round(time.Microsecond))
}
