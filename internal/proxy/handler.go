package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/conf"
	"github.com/GriffinCanCode/webproxy/internal/inject"
	"github.com/GriffinCanCode/webproxy/internal/urlx"
)

// Fixed routes served by the proxy itself.
const (
	RootPath     = "/"
	HomePath     = "/index.html"
	ConfPath     = "/conf.js"
	IconPath     = "/favicon.ico"
	AssetsPrefix = "/__sys__/assets/"

	defaultIndex = "index_v3.html"
	maxBodySize  = 32 << 20
)

// Request metadata headers.
const (
	HeaderRedirect = "X-Proxy-Redirect"
	HeaderClient   = "X-Proxy-Client"
)

// ConfSource provides the routing configuration.
type ConfSource interface {
	Ensure(ctx context.Context) (*conf.Config, error)
	Handlers() *conf.HandlerTable
}

// Fetcher retrieves a resource from the assets CDN.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Pipeline  *Pipeline
	Conf      ConfSource
	Clients   *ClientURLs
	Assets    Fetcher
	Catalog   *Catalog
	StaticDir string
	Logger    *zap.Logger
}

// Handler dispatches every request that is not an infrastructure
// route: fixed pages, legacy navigation paths, url_handler rules and
// finally the pipeline.
type Handler struct {
	opts HandlerOptions
	log  *zap.Logger
}

// NewHandler creates a dispatcher.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog("zh")
	}
	if opts.Clients == nil {
		opts.Clients = NewClientURLs(nil)
	}
	return &Handler{opts: opts, log: opts.Logger}
}

// Handle is the gin handler.
func (h *Handler) Handle(c *gin.Context) {
	m := h.opts.Catalog.For(c.GetHeader("Accept-Language"))

	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			h.log.Error("Pipeline panic",
				zap.String("uri", c.Request.RequestURI),
				zap.Any("panic", r))
			if !c.Writer.Written() {
				writeHTML(c, http.StatusInternalServerError, m.PipelineFailure(err))
			}
		}
	}()

	ctx := c.Request.Context()
	cfg, err := h.opts.Conf.Ensure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.Abort()
			return
		}
		h.log.Warn("Configuration unavailable", zap.Error(err))
		writeHTML(c, http.StatusServiceUnavailable, m.Unavailable)
		return
	}

	uri := urlx.StripFragment(c.Request.RequestURI)

	switch {
	case uri == RootPath || uri == HomePath:
		h.serveIndex(c, cfg)
		return
	case uri == ConfPath || uri == IconPath:
		c.File(filepath.Join(h.opts.StaticDir, path.Base(uri)))
		return
	case uri == inject.HelperPath:
		c.Data(http.StatusOK, "text/javascript; charset=utf-8", inject.Helper())
		return
	case strings.HasPrefix(uri, AssetsPrefix):
		h.serveAsset(c, cfg, uri[len(AssetsPrefix):])
		return
	}

	req, err := newRequest(c.Request)
	if err != nil {
		writeHTML(c, http.StatusInternalServerError, m.PipelineFailure(err))
		return
	}

	if req.Mode == "navigate" {
		if adjusted := urlx.AdjustNav(uri); adjusted != "" {
			c.Redirect(http.StatusMovedPermanently, adjusted)
			return
		}
	}

	referer := c.GetHeader("Referer")
	targetStr, ok := urlx.Decode(uri)
	if !ok {
		targetStr = h.resolveRelative(req.ClientID, referer, uri)
	}

	if handler, found := h.opts.Conf.Handlers().Lookup(targetStr); found {
		switch {
		case handler.Redir != "":
			c.Redirect(http.StatusFound, urlx.EncodeString(handler.Redir))
			return
		case handler.Content != "":
			writeHTML(c, http.StatusOK, handler.Content)
			return
		case handler.Replace != "":
			targetStr = handler.Replace
		}
	}

	target, err := urlx.Parse(targetStr)
	if err != nil {
		writeHTML(c, http.StatusInternalServerError, m.Invalid(targetStr))
		return
	}

	clientURL := h.opts.Clients.Resolve(req.ClientID, referer, target.String())

	resp, err := h.opts.Pipeline.Forward(ctx, req, target, clientURL)
	if err != nil {
		h.log.Error("Pipeline failed", zap.String("url", target.String()), zap.Error(err))
		writeHTML(c, http.StatusInternalServerError, m.PipelineFailure(err))
		return
	}
	h.write(c, resp)
}

// resolveRelative resolves a path that carries no target against the
// origin of the requesting page. It returns uri unchanged when there is
// no page to resolve against.
func (h *Handler) resolveRelative(clientID, referer, uri string) string {
	base := h.opts.Clients.Resolve(clientID, referer, "")
	if base == "" {
		return uri
	}
	bu, err := url.Parse(base)
	if err != nil {
		return uri
	}
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	return bu.ResolveReference(ref).String()
}

func (h *Handler) serveIndex(c *gin.Context, cfg *conf.Config) {
	index := cfg.IndexPath
	if index == "" {
		index = defaultIndex
	}
	src := cfg.AssetsCDN + index

	h.log.Debug("Serving index", zap.String("src", src))
	data, err := h.opts.Assets.Fetch(c.Request.Context(), src)
	if err != nil {
		h.log.Warn("Index fetch failed", zap.String("src", src), zap.Error(err))
		m := h.opts.Catalog.For(c.GetHeader("Accept-Language"))
		writeHTML(c, http.StatusOK, m.LoadFail)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func (h *Handler) serveAsset(c *gin.Context, cfg *conf.Config, file string) {
	data, err := h.opts.Assets.Fetch(c.Request.Context(), cfg.AssetsCDN+file)
	if err != nil {
		h.log.Warn("Asset fetch failed", zap.String("file", file), zap.Error(err))
		c.Status(http.StatusNotFound)
		return
	}

	ct := mime.TypeByExtension(path.Ext(strings.SplitN(file, "?", 2)[0]))
	if ct == "" {
		ct = mimetype.Detect(data).String()
	}
	c.Data(http.StatusOK, ct, data)
}

// write copies resp to the client, flushing after every chunk so
// streamed documents reach the page as they arrive.
func (h *Handler) write(c *gin.Context, resp *Response) {
	dst := c.Writer.Header()
	for k, vs := range resp.Header {
		dst[k] = vs
	}
	c.Status(resp.Status)
	c.Writer.WriteHeaderNow()

	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				h.log.Debug("Client went away", zap.Error(werr))
				return
			}
			c.Writer.Flush()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			h.log.Debug("Upstream read failed", zap.String("uri", c.Request.RequestURI), zap.Error(err))
			return
		}
	}
}

// newRequest extracts the metadata the pipeline branches on.
func newRequest(r *http.Request) (*Request, error) {
	req := &Request{
		Method:   r.Method,
		Header:   r.Header.Clone(),
		Mode:     strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Dest:     strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Redirect: strings.ToLower(r.Header.Get(HeaderRedirect)),
		ClientID: r.Header.Get(HeaderClient),
		Lang:     r.Header.Get("Accept-Language"),
	}

	// Older browsers send no fetch metadata; treat a plain page load as
	// a navigation.
	if req.Mode == "" && r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		req.Mode = "navigate"
		if req.Dest == "" {
			req.Dest = "document"
		}
	}

	if req.Redirect != RedirectFollow && req.Redirect != RedirectManual {
		req.Redirect = RedirectFollow
		if req.Mode == "navigate" {
			req.Redirect = RedirectManual
		}
	}

	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

func writeHTML(c *gin.Context, status int, body string) {
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}
