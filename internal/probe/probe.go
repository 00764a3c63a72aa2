// Package probe performs the live HTTP probe through a local SOCKS5
// listener that L2 validation drives (spec.md §4.4 step 3d).
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// Result is the outcome of a single probe of one URL.
type Result struct {
	Success bool
	Latency time.Duration
	Error   string
}

// URL performs one HTTP GET of rawURL through the SOCKS5 proxy listening on
// 127.0.0.1:socksPort. A probe counts as successful when the response
// status is in [200, 500) and is not 407 (proxy authentication required).
func URL(ctx context.Context, socksPort int, rawURL string, timeout time.Duration) Result {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", socksPort), nil, proxy.Direct)
	if err != nil {
		return Result{Error: fmt.Sprintf("socks5 dialer: %v", err)}
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return Result{Error: "socks5 dialer does not support contexts"}
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Error: fmt.Sprintf("build request: %v", err)}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{Error: fmt.Sprintf("http get %s: %v", rawURL, err)}
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 500 || resp.StatusCode == http.StatusProxyAuthRequired {
		return Result{Error: fmt.Sprintf("%s: unexpected status %d", rawURL, resp.StatusCode)}
	}
	return Result{Success: true, Latency: latency}
}
