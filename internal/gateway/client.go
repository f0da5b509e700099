// Package gateway forwards proxied requests to the configured gateway
// nodes, or straight to the target for a "direct" line.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/webproxy/internal/conf"
	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/tracing"
)

var (
	ErrNoNode      = errors.New("gateway: no usable node")
	ErrUnreachable = errors.New("gateway: unreachable")
)

// DirectLine is the line name that fetches targets without a gateway.
const DirectLine = "direct"

// Gateway protocol headers.
const (
	HeaderURL     = "--url"
	HeaderReferer = "--referer"
	HeaderMode    = "--mode"
	HeaderType    = "--type"
	HeaderStatus  = "--s"
	headerPrefix  = "--"
)

// request headers never forwarded
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Cookie":              true,
	"Referer":             true,
}

// Request is one forwarding attempt.
type Request struct {
	Method    string
	Target    *url.URL
	ClientURL string // the page the request is made on behalf of
	Mode      string
	Dest      string
	Header    http.Header
	Body      io.Reader
}

// Result is the gateway's answer. Body must be closed by the caller.
type Result struct {
	Status  int
	Header  http.Header
	Body    io.ReadCloser
	Cookies []cookie.Item
	Line    string
}

// Options configures a Client.
type Options struct {
	Timeout  time.Duration // dial and response header timeout
	RPS      float64       // 0 means unlimited
	Upstream string        // egress, see configureEgress
	Jar      *cookie.Jar
	Logger   *zap.Logger
}

type line struct {
	url    string
	weight int
}

// Client is the gateway transport. It subscribes to configuration
// changes to learn the active node.
type Client struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Group
	jar      *cookie.Jar
	log      *zap.Logger
	now      func() time.Time

	mu    sync.RWMutex
	node  string
	lines []line
	total int
}

// NewClient creates a gateway client. Redirects are never followed and
// bodies are never decompressed by the transport.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	// Start from the pooled transport retryablehttp builds.
	tr, ok := retryablehttp.NewClient().HTTPClient.Transport.(*http.Transport)
	if !ok {
		tr = http.DefaultTransport.(*http.Transport).Clone()
	}
	tr.DisableCompression = true
	tr.ResponseHeaderTimeout = opts.Timeout
	if err := configureEgress(tr, opts.Upstream, opts.Timeout); err != nil {
		return nil, err
	}

	log := opts.Logger.Named("gateway")

	rc := resty.New().
		SetTransport(tr).
		SetLogger(log.Sugar()).
		SetRetryCount(0).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(int(opts.RPS), 1))
	}

	breakers := resilience.NewGroup(resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Gateway line breaker state changed",
				zap.String("line", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Cancelled requests say nothing about the line.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		resty:    rc,
		limiter:  limiter,
		breakers: breakers,
		jar:      opts.Jar,
		log:      log,
		now:      time.Now,
	}, nil
}

// SetConf selects the lines of node_map[node_default].
func (c *Client) SetConf(cfg *conf.Config) {
	if cfg == nil {
		return
	}
	node := cfg.NodeMap[cfg.NodeDefault]

	lines := make([]line, 0, len(node.Lines))
	total := 0
	for u, w := range node.Lines {
		if w <= 0 {
			continue
		}
		lines = append(lines, line{url: u, weight: w})
		total += w
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].url < lines[j].url })

	c.mu.Lock()
	c.node = cfg.NodeDefault
	c.lines = lines
	c.total = total
	c.mu.Unlock()

	c.log.Info("Gateway node selected",
		zap.String("node", cfg.NodeDefault),
		zap.Int("lines", len(lines)))
}

// BreakerStates reports the breaker state per line.
func (c *Client) BreakerStates() map[string]resilience.State {
	return c.breakers.States()
}

// pick chooses a line by weight.
func (c *Client) pick() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.total == 0 {
		return "", fmt.Errorf("%w: node %q has no lines", ErrNoNode, c.node)
	}
	n := rand.IntN(c.total)
	for _, l := range c.lines {
		if n < l.weight {
			return l.url, nil
		}
		n -= l.weight
	}
	return c.lines[len(c.lines)-1].url, nil
}

// Forward sends req through a gateway line. Any error means the gateway
// returned nothing usable.
func (c *Client) Forward(ctx context.Context, req *Request) (*Result, error) {
	ln, err := c.pick()
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	r := c.resty.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	r.Header = c.outboundHeader(ctx, req, ln)
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	endpoint := req.Target.String()
	if ln != DirectLine {
		endpoint = strings.TrimRight(ln, "/") + "/http"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := resilience.Do(c.breakers.Get(ln), func() (*resty.Response, error) {
		return r.Execute(method, endpoint)
	})
	if err != nil {
		c.log.Debug("Gateway request failed",
			zap.String("line", ln),
			zap.String("url", req.Target.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return c.readResult(ctx, req.Target, ln, resp)
}

func (c *Client) outboundHeader(ctx context.Context, req *Request, ln string) http.Header {
	h := make(http.Header, len(req.Header)+6)
	for k, vs := range req.Header {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || strings.HasPrefix(ck, "X-Proxy-") {
			continue
		}
		h[ck] = append([]string(nil), vs...)
	}

	clientOrigin := ""
	if cu, err := url.Parse(req.ClientURL); err == nil && cu.Host != "" {
		clientOrigin = cu.Scheme + "://" + cu.Host
	}
	if h.Get("Origin") != "" && clientOrigin != "" {
		h.Set("Origin", clientOrigin)
	}

	if c.jar != nil {
		if v := c.jar.Header(req.Target); v != "" {
			h.Set("Cookie", v)
		}
	}

	if ln == DirectLine {
		if req.ClientURL != "" {
			h.Set("Referer", req.ClientURL)
		}
		return h
	}

	// Only gateway lines receive our trace ids.
	tracing.Inject(ctx, h)
	h.Set(HeaderURL, req.Target.String())
	if req.ClientURL != "" {
		h.Set(HeaderReferer, req.ClientURL)
	}
	if req.Mode != "" {
		h.Set(HeaderMode, req.Mode)
	}
	if req.Dest != "" {
		h.Set(HeaderType, req.Dest)
	}
	return h
}

// readResult unprefixes gateway headers, applies the status override
// and moves Set-Cookie lines into the jar.
func (c *Client) readResult(ctx context.Context, target *url.URL, ln string, resp *resty.Response) (*Result, error) {
	res := &Result{
		Status: resp.StatusCode(),
		Header: make(http.Header, len(resp.Header())),
		Body:   resp.RawBody(),
		Line:   ln,
	}

	var setCookies []string
	for k, vs := range resp.Header() {
		lk := strings.ToLower(k)
		switch {
		case lk == HeaderStatus:
			if s, err := strconv.Atoi(strings.TrimSpace(firstOf(vs))); err == nil && s > 0 {
				res.Status = s
			}
			continue
		case lk == "set-cookie" || lk == headerPrefix+"set-cookie":
			setCookies = append(setCookies, vs...)
			continue
		case strings.HasPrefix(lk, headerPrefix):
			k = strings.TrimPrefix(lk, headerPrefix)
		}
		ck := http.CanonicalHeaderKey(k)
		res.Header[ck] = append(res.Header[ck], vs...)
	}

	if len(setCookies) > 0 {
		res.Cookies = cookie.FromResponse(target, setCookies, c.now())
		if c.jar != nil && len(res.Cookies) > 0 {
			if err := c.jar.Set(ctx, res.Cookies...); err != nil {
				c.log.Warn("Failed to store cookies", zap.String("url", target.String()), zap.Error(err))
			}
		}
	}
	return res, nil
}

func firstOf(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}
