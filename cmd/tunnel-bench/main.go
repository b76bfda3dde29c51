// Command tunnel-bench measures proxy throughput against an in-process
// backend: payloads fetched over plain HTTP forwarding and raw bytes
// pushed through CONNECT tunnels.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/evyatark2/rama/rama-srv/config"
	"github.com/evyatark2/rama/rama-srv/logger"
	"github.com/evyatark2/rama/rama-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests per mode")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	benchTime   = flag.Duration("timeout", 30*time.Second, "Overall benchmark timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Payload size in bytes per request")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func fetchOnce(ctx context.Context, client *http.Client, targetURL string, results chan<- result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		results <- result{n, fmt.Errorf("read body: %w", err)}
		return
	}
	results <- result{n, nil}
}

// tunnelOnce opens a CONNECT tunnel through the proxy and pulls one
// payload over raw HTTP inside the tunnel.
func tunnelOnce(proxyAddr, backendAddr string, results chan<- result) {
	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	if err != nil {
		results <- result{0, fmt.Errorf("dial proxy: %w", err)}
		return
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", backendAddr, backendAddr); err != nil {
		results <- result{0, fmt.Errorf("send connect: %w", err)}
		return
	}
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		results <- result{0, fmt.Errorf("read connect response: %w", err)}
		return
	}
	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("connect refused: %s", resp.Status)}
		return
	}

	if _, err := fmt.Fprintf(conn, "GET /data HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", backendAddr); err != nil {
		results <- result{0, fmt.Errorf("send request: %w", err)}
		return
	}
	inner, err := http.ReadResponse(reader, nil)
	if err != nil {
		results <- result{0, fmt.Errorf("read tunneled response: %w", err)}
		return
	}
	defer func() { _ = inner.Body.Close() }()
	n, err := io.Copy(io.Discard, inner.Body)
	if err != nil {
		results <- result{n, fmt.Errorf("read tunneled body: %w", err)}
		return
	}
	results <- result{n, nil}
}

func runWorkers(total, workers int, job func()) {
	var wg sync.WaitGroup
	jobs := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		jobs <- struct{}{}
	}
	close(jobs)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				job()
			}
		}()
	}
	wg.Wait()
}

func report(mode string, results chan result, elapsed time.Duration) (errors int) {
	close(results)
	success, total := 0, int64(0)
	for res := range results {
		if res.err != nil {
			errors++
			logger.Debug("%s error: %v", mode, res.err)
		} else {
			success++
			total += res.bytes
		}
	}
	rps := float64(success) / elapsed.Seconds()
	mbps := float64(total) / elapsed.Seconds() / 1024 / 1024
	fmt.Printf("%-8s duration=%.2fs success=%d errors=%d rps=%.2f throughput=%.2f MB/s\n",
		mode, elapsed.Seconds(), success, errors, rps, mbps)
	return errors
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *benchTime)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintln(os.Stderr, "backend listen:", err)
		os.Exit(1)
	}
	backendAddr := backendLn.Addr().String()
	go func() { _ = http.Serve(backendLn, dataHandler(buf)) }()

	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{Type: config.ProxyTypeStandard, ListenAddress: "127.0.0.1:0", Enabled: true},
		},
		TimeoutSeconds:       10,
		ShutdownLimitSeconds: 5,
	}
	p, err := proxy.NewProxy(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build proxy:", err)
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start proxy:", err)
		os.Exit(1)
	}
	defer func() { _, _ = p.Stop() }()
	proxyAddr := p.ListenAddr(0).String()

	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   15 * time.Second,
	}
	targetURL := "http://" + backendAddr + "/data"

	failed := 0

	plainResults := make(chan result, *numRequests)
	start := time.Now()
	runWorkers(*numRequests, *concurrency, func() {
		fetchOnce(ctx, client, targetURL, plainResults)
	})
	failed += report("plain", plainResults, time.Since(start))

	tunnelResults := make(chan result, *numRequests)
	start = time.Now()
	runWorkers(*numRequests, *concurrency, func() {
		tunnelOnce(proxyAddr, backendAddr, tunnelResults)
	})
	failed += report("tunnel", tunnelResults, time.Since(start))

	if failed > 0 || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "benchmark failed: timeout or errors")
		os.Exit(1)
	}
}
