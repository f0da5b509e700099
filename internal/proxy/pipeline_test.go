package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/webproxy/internal/cookie"
	"github.com/GriffinCanCode/webproxy/internal/gateway"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/inject"
	"github.com/GriffinCanCode/webproxy/internal/msg"
)

// fakeTransport answers from a function and records every request.
type fakeTransport struct {
	mu   sync.Mutex
	reqs []*gateway.Request
	fn   func(req *gateway.Request) (*gateway.Result, error)
}

func (f *fakeTransport) Forward(_ context.Context, req *gateway.Request) (*gateway.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeTransport) requests() []*gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.Request(nil), f.reqs...)
}

type broadcast struct {
	cmd     msg.Command
	payload any
	exclude string
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []broadcast
}

func (b *fakeBroadcaster) Broadcast(cmd msg.Command, payload any, exclude string) {
	b.mu.Lock()
	b.sent = append(b.sent, broadcast{cmd, payload, exclude})
	b.mu.Unlock()
}

func result(status int, body string, kv ...string) *gateway.Result {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return &gateway.Result{
		Status: status,
		Header: h,
		Body:   io.NopCloser(strings.NewReader(body)),
	}
}

func newTestPipeline(t *testing.T, tr Transport) (*Pipeline, *fakeBroadcaster, *monitoring.Metrics) {
	t.Helper()
	b := &fakeBroadcaster{}
	m := monitoring.NewMetrics()
	p := NewPipeline(Options{
		Transport:   tr,
		Broadcaster: b,
		Pages:       NewPageTable(testWait, testInitCap, zaptest.NewLogger(t), m),
		Injector:    inject.New(),
		Catalog:     NewCatalog("zh"),
		Logger:      zaptest.NewLogger(t),
		Metrics:     m,
	})
	return p, b, m
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func readBody(t *testing.T, r *Response) string {
	t.Helper()
	if r.Body == nil {
		return ""
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return string(data)
}

func TestForwardRedirectFollow(t *testing.T) {
	tests := []struct {
		name   string
		hops   int
		status int
		branch string
	}{
		{"four redirects", 4, http.StatusOK, BranchPassthrough},
		{"five redirects", 5, http.StatusInternalServerError, BranchRedirectLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			tr.fn = func(req *gateway.Request) (*gateway.Result, error) {
				if n := len(tr.requests()); n <= tt.hops {
					return result(302, "", "Location", "/hop"+string(rune('0'+n))), nil
				}
				return result(200, "final", "Content-Type", "text/plain"), nil
			}
			p, _, m := newTestPipeline(t, tr)

			resp, err := p.Forward(context.Background(),
				&Request{Method: http.MethodGet, Redirect: RedirectFollow},
				mustURL(t, "https://example.com/start"), "https://example.com/")
			require.NoError(t, err)

			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.branch, resp.Branch)
			if tt.branch == BranchRedirectLimit {
				assert.Equal(t, "重定向过多", readBody(t, resp))
				assert.Equal(t, float64(1), testutil.ToFloat64(m.RedirectLimit))
				assert.Len(t, tr.requests(), 5)
			} else {
				assert.Equal(t, "final", readBody(t, resp))
				assert.Equal(t, float64(4), testutil.ToFloat64(m.Redirects))
				reqs := tr.requests()
				assert.Equal(t, "https://example.com/hop4", reqs[len(reqs)-1].Target.String())
			}
		})
	}
}

func TestForwardRedirectMethodRewrite(t *testing.T) {
	tests := []struct {
		status int
		method string
		want   string
	}{
		{303, http.MethodPost, http.MethodGet},
		{302, http.MethodPost, http.MethodGet},
		{301, http.MethodPost, http.MethodGet},
		{307, http.MethodPost, http.MethodPost},
		{308, http.MethodPut, http.MethodPut},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			tr := &fakeTransport{}
			tr.fn = func(req *gateway.Request) (*gateway.Result, error) {
				if len(tr.requests()) == 1 {
					return result(tt.status, "", "Location", "https://example.com/next"), nil
				}
				return result(200, "ok"), nil
			}
			p, _, _ := newTestPipeline(t, tr)

			_, err := p.Forward(context.Background(),
				&Request{Method: tt.method, Body: []byte("a=1"), Redirect: RedirectFollow},
				mustURL(t, "https://example.com/form"), "")
			require.NoError(t, err)

			reqs := tr.requests()
			require.Len(t, reqs, 2)
			assert.Equal(t, tt.want, reqs[1].Method)
			if tt.want == http.MethodGet {
				assert.Nil(t, reqs[1].Body)
			} else {
				require.NotNil(t, reqs[1].Body)
				data, _ := io.ReadAll(reqs[1].Body)
				assert.Equal(t, "a=1", string(data))
			}
		})
	}
}

func TestForwardRedirectManual(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(301, "moved", "Location", "../b?x=1"), nil
	}}
	p, _, _ := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Mode: "navigate", Redirect: RedirectManual},
		mustURL(t, "https://example.com/dir/a"), "")
	require.NoError(t, err)

	assert.Equal(t, 301, resp.Status)
	assert.Equal(t, BranchRedirect, resp.Branch)
	assert.Equal(t, "/-----https://example.com/b?x=1", resp.Header.Get("Location"))
	assert.Nil(t, resp.Body)
	assert.Len(t, tr.requests(), 1)
}

func TestForwardEmptyStatuses(t *testing.T) {
	for _, status := range []int{101, 204, 205, 304} {
		tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
			return result(status, "ignored", "Etag", `"v1"`), nil
		}}
		p, _, _ := newTestPipeline(t, tr)

		resp, err := p.Forward(context.Background(), &Request{Method: http.MethodGet},
			mustURL(t, "https://example.com/"), "")
		require.NoError(t, err)
		assert.Equal(t, status, resp.Status)
		assert.Equal(t, BranchEmpty, resp.Branch)
		assert.Nil(t, resp.Body)
		assert.Equal(t, `"v1"`, resp.Header.Get("Etag"))
	}
}

func TestForwardGatewayError(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(204, "",
			HeaderGatewayError, `{"msg":"SITE_MOVE","url":"https://new.example/"}`), nil
	}}
	p, _, m := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(), &Request{Method: http.MethodGet},
		mustURL(t, "https://old.example/"), "")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, BranchGatewayError, resp.Branch)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body := readBody(t, resp)
	assert.Contains(t, body, "当前站点移动到")
	assert.Contains(t, body, `href="https://new.example/"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayErrors.WithLabelValues("204", "SITE_MOVE")))
}

func TestForwardGatewayErrorLocalized(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(504, "", HeaderGatewayError, `{"msg":"timeout"}`), nil
	}}
	p, _, m := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Lang: "en-US,en;q=0.9"},
		mustURL(t, "https://slow.example/x"), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, readBody(t, resp), "https://slow.example")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GatewayErrors.WithLabelValues("504", "other")))
}

func TestForwardLoadFail(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return nil, gateway.ErrUnreachable
	}}
	p, _, _ := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(), &Request{Method: http.MethodGet},
		mustURL(t, "https://example.com/"), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, BranchFail, resp.Branch)
	assert.Equal(t, "load fail", readBody(t, resp))
}

func TestForwardCookieBroadcast(t *testing.T) {
	visible := cookie.Item{Name: "sid", Value: "1", Domain: "example.com", Path: "/"}
	session := cookie.Item{Name: "session", Value: "secret", Domain: "example.com", Path: "/", HTTPOnly: true}
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		r := result(500, "", HeaderGatewayError, `{"msg":"x"}`)
		r.Cookies = []cookie.Item{session, visible}
		return r, nil
	}}
	p, b, _ := newTestPipeline(t, tr)

	_, err := p.Forward(context.Background(), &Request{Method: http.MethodGet},
		mustURL(t, "https://example.com/"), "")
	require.NoError(t, err)

	require.Len(t, b.sent, 1)
	assert.Equal(t, msg.SWCookiePush, b.sent[0].cmd)
	assert.Equal(t, []cookie.Item{visible}, b.sent[0].payload)
	assert.Empty(t, b.sent[0].exclude)
}

func TestForwardHTTPOnlyCookiesStayPrivate(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		r := result(200, "ok", "Content-Type", "text/plain")
		r.Cookies = []cookie.Item{{Name: "session", Value: "secret", Domain: "example.com", Path: "/", HTTPOnly: true}}
		return r, nil
	}}
	p, b, _ := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(), &Request{Method: http.MethodGet},
		mustURL(t, "https://example.com/"), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Empty(t, b.sent)
}

func TestForwardScript(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte("var u = location.href;"))
	require.NoError(t, zw.Close())

	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(200, gz.String(),
			"Content-Type", "application/x-javascript; charset=utf-8",
			"Content-Encoding", "gzip",
			"Content-Length", "123"), nil
	}}
	p, _, m := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Mode: "no-cors", Dest: "script"},
		mustURL(t, "https://example.com/app.js"), "")
	require.NoError(t, err)

	assert.Equal(t, BranchScript, resp.Branch)
	assert.Equal(t, ScriptMIME, resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Content-Encoding"))

	body := readBody(t, resp)
	assert.True(t, strings.HasPrefix(body, string(inject.New().WorkerCode())))
	assert.True(t, strings.HasSuffix(body, "var u = __location.href;"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Forwards.WithLabelValues(BranchScript)))
}

func TestForwardScriptUnchanged(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(200, "console.log(1)", "Content-Type", "text/javascript"), nil
	}}
	p, _, _ := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Dest: "worker"},
		mustURL(t, "https://example.com/w.js"), "")
	require.NoError(t, err)
	assert.Equal(t, string(inject.New().WorkerCode())+"console.log(1)", readBody(t, resp))
}

func TestForwardScriptBadEncoding(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(200, "not gzip", "Content-Encoding", "gzip"), nil
	}}
	p, _, _ := newTestPipeline(t, tr)

	_, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Dest: "script"},
		mustURL(t, "https://example.com/a.js"), "")
	assert.Error(t, err)
}

func TestForwardHTML(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(200, "<html>doc</html>",
			"Content-Type", "text/html; charset=utf-8",
			"Content-Length", "16"), nil
	}}
	p, _, _ := newTestPipeline(t, tr)

	resp, err := p.Forward(context.Background(),
		&Request{Method: http.MethodGet, Mode: "navigate", Dest: "document"},
		mustURL(t, "https://example.com/"), "")
	require.NoError(t, err)

	assert.Equal(t, BranchHTML, resp.Branch)
	assert.Empty(t, resp.Header.Get("Content-Length"))

	// Nothing reports init, so the stream resumes after the wait timer.
	start := time.Now()
	body := readBody(t, resp)
	assert.GreaterOrEqual(t, time.Since(start), testWait-10*time.Millisecond)
	assert.Contains(t, body, `data-page="1"`)
	assert.True(t, strings.HasSuffix(body, "<html>doc</html>"))
}

func TestForwardPassthrough(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		ct   string
	}{
		{"image", &Request{Method: http.MethodGet, Mode: "no-cors", Dest: "image"}, "image/png"},
		{"html fetched by script", &Request{Method: http.MethodGet, Mode: "cors", Dest: "empty"}, "text/html"},
		{"navigate to json", &Request{Method: http.MethodGet, Mode: "navigate", Dest: "document"}, "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
				return result(200, "raw", "Content-Type", tt.ct, "Content-Length", "3"), nil
			}}
			p, _, _ := newTestPipeline(t, tr)

			resp, err := p.Forward(context.Background(), tt.req, mustURL(t, "https://example.com/x"), "")
			require.NoError(t, err)
			assert.Equal(t, BranchPassthrough, resp.Branch)
			assert.Equal(t, "3", resp.Header.Get("Content-Length"))
			assert.Equal(t, "raw", readBody(t, resp))
		})
	}
}

func TestForwardPassesRequestMetadata(t *testing.T) {
	tr := &fakeTransport{fn: func(*gateway.Request) (*gateway.Result, error) {
		return result(200, ""), nil
	}}
	p, _, _ := newTestPipeline(t, tr)

	h := http.Header{"X-Test": {"1"}}
	_, err := p.Forward(context.Background(),
		&Request{Method: http.MethodPost, Body: []byte("q"), Header: h, Mode: "cors", Dest: "empty"},
		mustURL(t, "https://api.example/v1"), "https://app.example/")
	require.NoError(t, err)

	req := tr.requests()[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://app.example/", req.ClientURL)
	assert.Equal(t, "cors", req.Mode)
	assert.Equal(t, "empty", req.Dest)
	assert.Equal(t, "1", req.Header.Get("X-Test"))
}
