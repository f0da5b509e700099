// Package proxy is the request pipeline: it resolves the target of an
// intercepted request, forwards it through the gateway, follows or
// rewrites redirects, and transforms HTML and script responses on the
// way back.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/gateway"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/inject"
	"github.com/GriffinCanCode/webproxy/internal/jsfilter"
	"github.com/GriffinCanCode/webproxy/internal/msg"
	"github.com/GriffinCanCode/webproxy/internal/urlx"
)

// ScriptMIME is the Content-Type of rewritten scripts.
const ScriptMIME = "text/javascript"

// Forward branches, also used as metric labels.
const (
	BranchFail          = "fail"
	BranchGatewayError  = "gateway_error"
	BranchEmpty         = "empty"
	BranchRedirect      = "redirect"
	BranchRedirectLimit = "redirect_limit"
	BranchScript        = "script"
	BranchHTML          = "html"
	BranchPassthrough   = "passthrough"
)

// Redirect policies.
const (
	RedirectFollow = "follow"
	RedirectManual = "manual"
)

// Transport sends a request to the gateway.
type Transport interface {
	Forward(ctx context.Context, req *gateway.Request) (*gateway.Result, error)
}

// Broadcaster delivers a message to open top-level pages.
type Broadcaster interface {
	Broadcast(cmd msg.Command, payload any, exclude string)
}

// Request is an intercepted request with the metadata the pipeline
// branches on.
type Request struct {
	Method   string
	Header   http.Header
	Body     []byte
	Mode     string // navigate, cors, no-cors, same-origin, websocket
	Dest     string // document, script, worker, image, ...
	Redirect string // follow or manual
	ClientID string
	Lang     string // Accept-Language
}

// Response is what the pipeline answers with. A nil Body is an empty body.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Branch string
}

// Options configures a Pipeline.
type Options struct {
	Transport    Transport
	Broadcaster  Broadcaster
	Pages        *PageTable
	Injector     *inject.Injector
	Catalog      *Catalog
	MaxRedirects int
	Logger       *zap.Logger
	Metrics      *monitoring.Metrics
}

// Pipeline classifies gateway responses.
type Pipeline struct {
	opts Options
	log  *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog("zh")
	}
	return &Pipeline{opts: opts, log: opts.Logger}
}

// SetBroadcaster sets where cookie updates go.
func (p *Pipeline) SetBroadcaster(b Broadcaster) {
	p.opts.Broadcaster = b
}

// Forward fetches target on behalf of the page at clientURL and
// classifies the result. Redirects are followed in place when the
// request asks for it, up to the redirect limit. An error means the
// response could not be transformed.
func (p *Pipeline) Forward(ctx context.Context, req *Request, target *url.URL, clientURL string) (*Response, error) {
	m := p.opts.Catalog.For(req.Lang)
	method := req.Method
	body := req.Body

	for redirects := 0; ; {
		var rd io.Reader
		if len(body) > 0 {
			rd = bytes.NewReader(body)
		}
		res, err := p.opts.Transport.Forward(ctx, &gateway.Request{
			Method:    method,
			Target:    target,
			ClientURL: clientURL,
			Mode:      req.Mode,
			Dest:      req.Dest,
			Header:    req.Header,
			Body:      rd,
		})
		if err != nil {
			p.log.Warn("Gateway returned nothing", zap.String("url", target.String()), zap.Error(err))
			return p.html(m.LoadFail, http.StatusOK, BranchFail), nil
		}

		if visible := cookie.ScriptVisible(res.Cookies); len(visible) > 0 && p.opts.Broadcaster != nil {
			p.opts.Broadcaster.Broadcast(msg.SWCookiePush, visible, "")
		}

		status := res.Status
		if status == 0 {
			status = http.StatusOK
		}
		header := res.Header

		if payload := header.Get(HeaderGatewayError); payload != "" {
			res.Body.Close()
			gwErr := ParseGatewayError(payload)
			if p.opts.Metrics != nil {
				p.opts.Metrics.RecordGatewayError(gwErr.metricLabels(status))
			}
			p.log.Info("Gateway signaled error",
				zap.String("url", target.String()),
				zap.Int("status", status),
				zap.String("msg", gwErr.Msg))
			return p.html(m.GatewayError(gwErr, status, target), http.StatusOK, BranchGatewayError), nil
		}

		switch status {
		case 101, 204, 205, 304:
			res.Body.Close()
			return p.done(&Response{Status: status, Header: header, Branch: BranchEmpty}), nil

		case 301, 302, 303, 307, 308:
			res.Body.Close()
			loc, err := urlx.Resolve(header.Get("Location"), target)
			if header.Get("Location") == "" || err != nil {
				return p.done(&Response{Status: status, Header: header, Branch: BranchRedirect}), nil
			}

			if req.Redirect == RedirectFollow {
				redirects++
				if redirects >= p.opts.MaxRedirects {
					if p.opts.Metrics != nil {
						p.opts.Metrics.RedirectLimit.Inc()
					}
					p.log.Warn("Too many redirects", zap.String("url", target.String()), zap.Int("redirects", redirects))
					return p.html(m.TooManyRedirects, http.StatusInternalServerError, BranchRedirectLimit), nil
				}
				if p.opts.Metrics != nil {
					p.opts.Metrics.Redirects.Inc()
				}
				if status == 303 || ((status == 301 || status == 302) && method == http.MethodPost) {
					method, body = http.MethodGet, nil
				}
				target = loc
				continue
			}

			header.Set("Location", urlx.Encode(loc))
			return p.done(&Response{Status: status, Header: header, Branch: BranchRedirect}), nil
		}

		mime, charset := ParseContentType(header.Get("Content-Type"))

		switch {
		case isScriptDest(req.Dest):
			return p.processScript(res, status, charset)
		case req.Mode == "navigate" && mime == "text/html":
			return p.processHTML(ctx, res, status, target)
		default:
			return p.done(&Response{Status: status, Header: header, Body: res.Body, Branch: BranchPassthrough}), nil
		}
	}
}

func isScriptDest(dest string) bool {
	switch dest {
	case "script", "worker", "sharedworker":
		return true
	}
	return false
}

// processScript buffers the whole script, rewrites it and prefixes the
// worker bootstrap.
func (p *Pipeline) processScript(res *gateway.Result, status int, charset string) (*Response, error) {
	defer res.Body.Close()

	body, err := decodedBody(res)
	if err != nil {
		return nil, err
	}
	src, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	if out := jsfilter.Filter(src, charset); out != nil {
		src = out
	}
	code := p.opts.Injector.WorkerCode()
	buf := make([]byte, 0, len(code)+len(src))
	buf = append(append(buf, code...), src...)

	res.Header.Set("Content-Type", ScriptMIME)
	res.Header.Del("Content-Length")
	return p.done(&Response{
		Status: status,
		Header: res.Header,
		Body:   io.NopCloser(bytes.NewReader(buf)),
		Branch: BranchScript,
	}), nil
}

// processHTML streams the document behind the injected bootstrap.
func (p *Pipeline) processHTML(ctx context.Context, res *gateway.Result, status int, target *url.URL) (*Response, error) {
	body, err := decodedBody(res)
	if err != nil {
		res.Body.Close()
		return nil, err
	}
	res.Header.Del("Content-Length")

	return p.done(&Response{
		Status: status,
		Header: res.Header,
		Body:   newHTMLStream(ctx, body, target, p.opts.Injector.HTMLCode, p.opts.Pages),
		Branch: BranchHTML,
	}), nil
}

// decodedBody removes any Content-Encoding, which the transforms need
// plain input for.
func decodedBody(res *gateway.Result) (io.ReadCloser, error) {
	enc := res.Header.Get("Content-Encoding")
	if enc == "" {
		return res.Body, nil
	}
	body, err := gateway.Decode(res.Body, enc)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	res.Header.Del("Content-Encoding")
	return body, nil
}

func (p *Pipeline) html(body string, status int, branch string) *Response {
	return p.done(htmlResponse(body, status, branch))
}

func (p *Pipeline) done(r *Response) *Response {
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordForward(r.Branch)
	}
	return r
}

func htmlResponse(body string, status int, branch string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{
		Status: status,
		Header: h,
		Body:   io.NopCloser(strings.NewReader(body)),
		Branch: branch,
	}
}
