// Package httpclient provides the pooled outbound HTTP transport with
// per-destination routing, retry with backoff, and browser TLS fingerprinting
// for gated hosts.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamrelay/pkg/config"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/routing"
	"streamrelay/pkg/types"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

// Client wraps http.Client with route resolution, per-policy connection
// pooling and per-host request pacing.
type Client struct {
	cfg      *config.Config
	resolver *routing.Resolver
	log      *logging.Logger

	defaultClient *http.Client
	utlsClient    *http.Client
	fingerprint   []string

	mu            sync.RWMutex
	policyClients map[string]*http.Client

	perHostRate rate.Limit
	limiters    sync.Map // host -> *rate.Limiter
}

// New creates a new transport client from configuration.
func New(cfg *config.Config, log *logging.Logger) *Client {
	c := &Client{
		cfg:           cfg,
		resolver:      routing.NewResolver(cfg.Routes, cfg.GlobalProxies),
		log:           log.WithComponent("httpclient"),
		fingerprint:   cfg.FingerprintDomains,
		policyClients: make(map[string]*http.Client),
		perHostRate:   rate.Limit(cfg.PerHostRate),
	}

	c.defaultClient = &http.Client{
		Transport: newPooledTransport(false),
		Timeout:   cfg.RequestTimeout,
	}
	c.utlsClient = &http.Client{
		Transport: newFingerprintRoundTripper(),
		Timeout:   cfg.RequestTimeout,
	}

	return c
}

// newPooledTransport builds the shared keep-alive transport. IPv4 is forced
// because several upstream CDNs publish AAAA records they do not serve.
func newPooledTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		DialContext:           ipv4DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

func ipv4DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network == "tcp" {
		network = "tcp4"
	}
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 60 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// Do executes an HTTP request, routing through proxies as configured and
// pacing per upstream host when a rate is set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.perHostRate > 0 {
		if err := c.limiterFor(req.URL.Host).Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	resp, err := c.clientFor(req.URL.String()).Do(req)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if resp.StatusCode >= 400 {
		outcome = "http_error"
	}
	metrics.UpstreamRequests.WithLabelValues(req.URL.Host, outcome).Inc()

	if err != nil {
		return nil, err
	}
	return decodeBody(resp), nil
}

// decodeBody transparently decodes brotli-encoded responses. Some CDNs force
// br regardless of Accept-Encoding, which would poison manifest rewriting.
func decodeBody(resp *http.Response) *http.Response {
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		resp.Body = &brotliBody{r: brotli.NewReader(resp.Body), underlying: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp
}

type brotliBody struct {
	r          io.Reader
	underlying io.ReadCloser
}

func (b *brotliBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *brotliBody) Close() error               { return b.underlying.Close() }

// Fetch issues a GET through the retry policy with the given headers.
func (c *Client) Fetch(ctx context.Context, urlStr string, headers map[string]string) (*http.Response, error) {
	return c.DoWithRetry(ctx, http.MethodGet, urlStr, headers)
}

// FetchRange issues a ranged GET for partial content.
func (c *Client) FetchRange(ctx context.Context, urlStr string, headers map[string]string, br types.ByteRange) (*http.Response, error) {
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	if br.End < 0 {
		merged["Range"] = fmt.Sprintf("bytes=%d-", br.Start)
	} else {
		merged["Range"] = fmt.Sprintf("bytes=%d-%d", br.Start, br.End)
	}
	return c.DoWithRetry(ctx, http.MethodGet, urlStr, merged)
}

// Resolver exposes the route resolver for diagnostics.
func (c *Client) Resolver() *routing.Resolver {
	return c.resolver
}

func (c *Client) limiterFor(host string) *rate.Limiter {
	if l, ok := c.limiters.Load(host); ok {
		return l.(*rate.Limiter)
	}
	l, _ := c.limiters.LoadOrStore(host, rate.NewLimiter(c.perHostRate, 1))
	return l.(*rate.Limiter)
}

// needsFingerprint returns true if the URL requires browser-like TLS
// fingerprinting.
func (c *Client) needsFingerprint(targetURL string) bool {
	lower := strings.ToLower(targetURL)
	for _, domain := range c.fingerprint {
		if strings.Contains(lower, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

// clientFor returns the HTTP client matching the routing policy for the URL.
func (c *Client) clientFor(targetURL string) *http.Client {
	if c.needsFingerprint(targetURL) {
		c.log.Debug("using fingerprint client", "url", targetURL)
		return c.utlsClient
	}

	pol := c.resolver.Resolve(targetURL)
	if pol.Proxy == "" && !pol.InsecureTLS {
		return c.defaultClient
	}
	return c.clientForPolicy(pol)
}

// clientForPolicy returns a cached client for the policy or creates one.
func (c *Client) clientForPolicy(pol routing.Policy) *http.Client {
	cacheKey := pol.Proxy
	if pol.InsecureTLS {
		cacheKey += ":insecure"
	}

	c.mu.RLock()
	if client, ok := c.policyClients[cacheKey]; ok {
		c.mu.RUnlock()
		return client
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.policyClients[cacheKey]; ok {
		return client
	}

	client := c.buildPolicyClient(pol)
	c.policyClients[cacheKey] = client
	metrics.PooledClients.Set(float64(len(c.policyClients)))
	c.log.Debug("created policy client", "proxy", pol.Proxy, "insecure_tls", pol.InsecureTLS)

	return client
}

// buildPolicyClient creates a new HTTP client honoring the policy's proxy and
// TLS verification settings.
func (c *Client) buildPolicyClient(pol routing.Policy) *http.Client {
	transport := newPooledTransport(pol.InsecureTLS)

	if pol.Proxy == "" {
		return &http.Client{Transport: transport, Timeout: c.cfg.RequestTimeout}
	}

	parsedURL, err := url.Parse(pol.Proxy)
	if err != nil {
		c.log.Error("failed to parse proxy URL", "url", pol.Proxy, "error", err)
		return c.defaultClient
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsedURL, proxy.Direct)
		if err != nil {
			c.log.Error("failed to create SOCKS5 dialer", "error", err)
			return c.defaultClient
		}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.Dial = dialer.Dial
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	default:
		c.log.Warn("unsupported proxy scheme", "scheme", parsedURL.Scheme)
		return c.defaultClient
	}

	return &http.Client{Transport: transport, Timeout: c.cfg.RequestTimeout}
}
