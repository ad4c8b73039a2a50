// Command smoketest drives a batch of concurrent TLS or plain-HTTP
// requests through a running sniproxy instance and reports success
// rate and latency, for manual verification that routing and relay
// are actually working end to end.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type result struct {
	attempt int
	dur     time.Duration
	err     error
}

func main() {
	var (
		urlStr      = flag.String("url", "https://localhost:8443/", "Target URL, routed through sniproxy")
		attempts    = flag.Int("attempts", 100, "Total request attempts")
		concurrency = flag.Int("concurrency", 10, "Concurrent workers")
		reqTimeout  = flag.Duration("timeout", 2*time.Second, "Per-attempt timeout")
		insecure    = flag.Bool("insecure", true, "Skip TLS verification (self-signed backend)")
	)
	flag.Parse()

	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: *insecure}}
	client := &http.Client{Transport: tr, Timeout: *reqTimeout}

	var (
		results   []result
		resultsMu sync.Mutex
		idx       int32
	)

	worker := func() {
		for {
			my := int(atomic.AddInt32(&idx, 1))
			if my > *attempts {
				return
			}
			start := time.Now()
			req, _ := http.NewRequest(http.MethodGet, *urlStr, nil)
			resp, err := client.Do(req)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			dur := time.Since(start)
			resultsMu.Lock()
			results = append(results, result{attempt: my, dur: dur, err: err})
			resultsMu.Unlock()
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); worker() }()
	}
	wg.Wait()
	total := time.Since(start)

	sort.Slice(results, func(i, j int) bool { return results[i].attempt < results[j].attempt })
	var success, failed int
	var durations []time.Duration
	for _, r := range results {
		if r.err == nil {
			success++
			durations = append(durations, r.dur)
		} else {
			failed++
		}
	}

	fmt.Printf("attempts=%d success=%d failed=%d total_time=%s\n", len(results), success, failed, total)
	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		fmt.Printf("latency p50=%s p95=%s max=%s\n",
			durations[len(durations)*50/100],
			durations[len(durations)*95/100],
			durations[len(durations)-1])
	}
	if failed > 0 {
		os.Exit(1)
	}
}
