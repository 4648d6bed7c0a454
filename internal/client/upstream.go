// Package client provides the upstream HTTP client for media origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/config"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/metrics"
	"github.com/ExoticCitron/Hianime-proxy-revamp/internal/model"
)

// browserHeaders is the fixed outbound header table sent verbatim on every
// upstream fetch. The values mimic a specific browser build and present the
// Origin/Referer pair the origin expects; they are never parameterized per
// request. Order matches the browser's emission order.
var browserHeaders = [][2]string{
	{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"},
	{"Accept", "*/*"},
	{"Accept-Encoding", "gzip, deflate, br, zstd"},
	{"Accept-Language", "en-US,en;q=0.9,hi;q=0.8"},
	{"Origin", "https://megacloud.blog"},
	{"Referer", "https://megacloud.blog/"},
	{"Sec-Fetch-Site", "cross-site"},
	{"Sec-Fetch-Mode", "cors"},
	{"Sec-Fetch-Dest", "empty"},
	{"Sec-CH-UA-Platform", `"Windows"`},
	{"Sec-CH-UA", `"Not)A;Brand";v="8", "Chromium";v="138", "Google Chrome";v="138"`},
	{"Sec-CH-UA-Mobile", "?0"},
}

// HeaderTable returns the fixed outbound header table as a map, for echoing
// back in 403 responses.
func HeaderTable() map[string]string {
	t := make(map[string]string, len(browserHeaders))
	for _, h := range browserHeaders {
		t[h[0]] = h[1]
	}
	return t
}

// ErrorKind classifies upstream fetch failures into a closed taxonomy.
type ErrorKind int

const (
	// KindUnknown covers failures that are neither timeouts nor network errors.
	KindUnknown ErrorKind = iota
	// KindTimeout means the fetch exceeded its deadline and was aborted.
	KindTimeout
	// KindNetwork covers connection-level failures: DNS, TLS, refused
	// connections, malformed target URLs, client disconnects.
	KindNetwork
)

// String returns the kind as a metrics/log label.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// UpstreamError is the tagged failure result of a fetch. Callers branch on
// Kind, never on error strings.
type UpstreamError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream fetch %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// UpstreamClient fetches media resources from origin servers.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxBody    int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		maxBody: cfg.Upstream.MaxBodyBytes,
	}
}

// Fetch issues a GET to targetURL with the fixed header table, following
// redirects, and returns the fully-read response with its Content-Encoding
// decoded. The context bounds the whole call; on expiry the in-flight request
// is aborted and the failure surfaces as KindTimeout. A 403 (or any other
// status) from upstream is a response, not an error.
func (c *UpstreamClient) Fetch(ctx context.Context, targetURL string) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream fetch", "url", targetURL)

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, c.fail(targetURL, classify(err), fmt.Errorf("build request: %w", err), start)
	}
	// Assigned directly rather than via Header.Set so header names keep their
	// exact casing (Sec-CH-UA, not Sec-Ch-Ua) on the wire.
	for _, h := range browserHeaders {
		req.Header[h[0]] = []string{h[1]}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fail(targetURL, classify(err), err, start)
	}
	defer func() { _ = resp.Body.Close() }()

	var r io.Reader = resp.Body
	if c.maxBody > 0 {
		r = io.LimitReader(resp.Body, c.maxBody+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, c.fail(targetURL, classify(err), fmt.Errorf("read body: %w", err), start)
	}
	if c.maxBody > 0 && int64(len(raw)) > c.maxBody {
		return nil, c.fail(targetURL, KindUnknown, fmt.Errorf("body exceeds %d byte cap", c.maxBody), start)
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, c.fail(targetURL, KindUnknown, err, start)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		ContentType: contentType,
		Body:        body,
	}, nil
}

// fail records failure metrics and wraps err as an UpstreamError.
func (c *UpstreamClient) fail(targetURL string, kind ErrorKind, err error, start time.Time) error {
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}
	return &UpstreamError{Kind: kind, URL: targetURL, Err: err}
}

// classify maps a raw fetch failure onto the closed error taxonomy.
// Deadline errors are checked first: a *url.Error produced by a context
// deadline also matches the net.Error checks below.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return KindUnknown
}
