// Command proxy-probe exercises a running proxy from the outside: plain
// HTTP forwarding, CONNECT tunneling and proxy authentication, reporting
// each probe as JSON or text.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/evyatark2/rama/rama-srv/logger"
)

// ProbeResult is the outcome of a single probe.
type ProbeResult struct {
	Name     string        `json:"name"`
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// ProbeSuite runs probes against one proxy endpoint.
type ProbeSuite struct {
	ProxyAddr string
	Username  string
	Password  string
	Timeout   time.Duration
	Client    *http.Client
	Results   []ProbeResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port)")
	targetURL := flag.String("url", "http://httpbin.org/ip", "URL fetched through the proxy")
	connectTarget := flag.String("connect", "httpbin.org:443", "Authority for the CONNECT probe")
	username := flag.String("user", "", "Proxy username (Basic auth)")
	password := flag.String("pass", "", "Proxy password (Basic auth)")
	timeout := flag.Int("timeout", 15, "Probe timeout in seconds")
	jsonOut := flag.Bool("json", false, "Print results as JSON")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}
	if *username != "" {
		proxyURL.User = url.UserPassword(*username, *password)
	}

	suite := &ProbeSuite{
		ProxyAddr: *proxyAddr,
		Username:  *username,
		Password:  *password,
		Timeout:   time.Duration(*timeout) * time.Second,
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		},
	}

	logger.Info("Probing proxy %s", *proxyAddr)
	suite.add(suite.probeGet(*targetURL))
	suite.add(suite.probeConnect(*connectTarget))

	suite.print(*jsonOut)
	for _, r := range suite.Results {
		if !r.Success {
			os.Exit(1)
		}
	}
}

func (s *ProbeSuite) add(r ProbeResult) {
	s.Results = append(s.Results, r)
}

// probeGet fetches a URL through the proxy with the standard transport.
func (s *ProbeSuite) probeGet(target string) ProbeResult {
	result := ProbeResult{Name: "plain-get", Target: target}
	start := time.Now()

	resp, err := s.Client.Get(target)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.Status = resp.StatusCode
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		result.Error = fmt.Sprintf("reading body: %v", err)
		return result
	}
	result.Success = resp.StatusCode < 500
	return result
}

// probeConnect opens a raw CONNECT tunnel and reports the proxy's answer.
// It only checks the switch response; the tunnel is closed right after.
func (s *ProbeSuite) probeConnect(target string) ProbeResult {
	result := ProbeResult{Name: "connect-tunnel", Target: target}
	start := time.Now()

	conn, err := net.DialTimeout("tcp", s.ProxyAddr, s.Timeout)
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = err.Error()
		return result
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.Timeout))

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if s.Username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(s.Username + ":" + s.Password))
		req += "Proxy-Authorization: Basic " + credentials + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		result.Duration = time.Since(start)
		result.Error = err.Error()
		return result
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.Status = resp.StatusCode
	result.Success = resp.StatusCode == http.StatusOK
	if !result.Success {
		result.Error = fmt.Sprintf("proxy answered %s", resp.Status)
	}
	return result
}

func (s *ProbeSuite) print(asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.Results); err != nil {
			logger.Error("Failed to encode results: %v", err)
		}
		return
	}
	for _, r := range s.Results {
		status := "FAIL"
		if r.Success {
			status = "OK"
		}
		fmt.Printf("%-16s %-4s status=%d duration=%s target=%s", r.Name, status, r.Status, r.Duration.Round(time.Millisecond), r.Target)
		if r.Error != "" {
			fmt.Printf(" error=%q", r.Error)
		}
		fmt.Println()
	}
}
