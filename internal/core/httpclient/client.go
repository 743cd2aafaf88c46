// Package httpclient configures the HTTP client used to fetch raster tiles.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// NewOutbound creates a client sized for a small pool of concurrent tile
// downloads. Per-request deadlines come from the caller's context.
func NewOutbound(workers int) *http.Client {
	if workers <= 0 {
		workers = 4
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          workers * 4,
		MaxIdleConnsPerHost:   workers * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}
